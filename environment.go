package wetlands

import (
	"context"
	"fmt"
)

// Environment is a named isolated dependency space. Internal represents the
// host runtime itself (see InternalEnvironment); External is backed by an
// on-disk environment directory and a worker subprocess (see
// ExternalEnvironment in worker.go).
type Environment interface {
	// Name returns the environment's registry key.
	Name() string

	// Path returns the environment's on-disk path, or "" for Internal.
	Path() string

	// Launch starts the worker (idempotent for External: a no-op once
	// launched; an error for Internal).
	Launch(ctx context.Context, additionalActivate PlatformCommands, logCallback LogCallback) error

	// Execute invokes function in the module at modulePath with args/kwargs,
	// returning its result.
	Execute(ctx context.Context, modulePath, function string, args []any, kwargs map[string]any, logCallback LogCallback) (any, error)

	// RunScript runs scriptPath as if it were invoked "python script.py
	// args...", returning its filtered resulting globals.
	RunScript(ctx context.Context, scriptPath string, args []string, runName string, logCallback LogCallback) (map[string]any, error)

	// Launched reports whether a worker is alive and its connection open.
	Launched() bool

	// Exit tears down any live worker without touching the on-disk directory.
	Exit() error

	// Delete tears down any live worker and trashes the on-disk directory.
	Delete() error
}

// HandlerFunc is a registered Internal-environment handler: the Go-native
// replacement for "import this Python module and call this function",
// since the host has no embedded interpreter (SPEC_FULL.md §4.8, §9).
type HandlerFunc func(args []any, kwargs map[string]any) (any, error)

// InternalEnvironment represents the host process itself. Execute dispatches
// to a registered handler keyed by (module, function) rather than importing
// Python; Launch is always an error since Internal never spawns a worker.
type InternalEnvironment struct {
	manager  *Manager
	handlers map[string]HandlerFunc
}

func newInternalEnvironment(manager *Manager) *InternalEnvironment {
	return &InternalEnvironment{manager: manager, handlers: map[string]HandlerFunc{}}
}

func handlerKey(module, function string) string { return module + "." + function }

// RegisterHandler binds a (module, function) pair to fn, making it callable
// via Execute on the Internal environment.
func (e *InternalEnvironment) RegisterHandler(module, function string, fn HandlerFunc) {
	e.handlers[handlerKey(module, function)] = fn
}

func (e *InternalEnvironment) Name() string { return "" }
func (e *InternalEnvironment) Path() string { return "" }

func (e *InternalEnvironment) Launch(context.Context, PlatformCommands, LogCallback) error {
	return fmt.Errorf("cannot launch the main environment")
}

func (e *InternalEnvironment) Execute(_ context.Context, modulePath, function string, args []any, kwargs map[string]any, _ LogCallback) (any, error) {
	fn, ok := e.handlers[handlerKey(modulePath, function)]
	if !ok {
		return nil, &UnknownHandlerError{Module: modulePath, Function: function}
	}
	return fn(args, kwargs)
}

func (e *InternalEnvironment) RunScript(context.Context, string, []string, string, LogCallback) (map[string]any, error) {
	return nil, fmt.Errorf("cannot run a script in the main environment")
}

func (e *InternalEnvironment) Launched() bool { return true }
func (e *InternalEnvironment) Exit() error    { return nil }

func (e *InternalEnvironment) Delete() error {
	return fmt.Errorf("cannot delete the main environment")
}
