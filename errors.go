package wetlands

import (
	"fmt"
	"strings"
)

// IncompatibilityError is raised when a dependency's platform list excludes
// the current platform and the dependency is not marked optional.
type IncompatibilityError struct {
	Name      string
	Platforms []string
	Current   string
}

func (e *IncompatibilityError) Error() string {
	return fmt.Sprintf(
		"the library %s is not available on this platform (%s). It is only available on the following platforms: %s.",
		e.Name, e.Current, strings.Join(e.Platforms, ", "),
	)
}

// ExecutionError wraps a remote exception reported by a worker, or a local
// attempt to execute against a connection that isn't ready.
type ExecutionError struct {
	Exception  string
	Traceback  []string
}

func (e *ExecutionError) Error() string {
	if len(e.Traceback) == 0 {
		return e.Exception
	}
	return fmt.Sprintf("%s\n%s", e.Exception, strings.Join(e.Traceback, "\n"))
}

// InvalidPythonVersionError is raised when a requested Python version is
// below the minimum supported by this port (3.9).
type InvalidPythonVersionError struct {
	Requested string
}

func (e *InvalidPythonVersionError) Error() string {
	return fmt.Sprintf("python version %s must be greater than 3.8.", e.Requested)
}

// LaunchFailureError is raised when a worker process exits before announcing
// its listener port, or the handshake times out.
type LaunchFailureError struct {
	EnvironmentName string
	Reason          string
}

func (e *LaunchFailureError) Error() string {
	return fmt.Sprintf("failed to launch environment %q: %s", e.EnvironmentName, e.Reason)
}

// CommandFailureError is raised when a generated script exits non-zero, or a
// CondaSystemExit marker is seen in its output stream.
type CommandFailureError struct {
	Commands   []string
	ExitCode   int
	CondaExit  bool
}

func (e *CommandFailureError) Error() string {
	tail := abbreviateCommands(e.Commands)
	if e.CondaExit {
		return fmt.Sprintf("the execution of the commands %q failed (CondaSystemExit detected).", tail)
	}
	return fmt.Sprintf("the execution of the commands %q failed with exit code %d.", tail, e.ExitCode)
}

// abbreviateCommands formats a command list the way the reference executor
// reports it in failure messages: the joined list, truncated to its last 150
// characters, with a "[...] " ellipsis prefix when truncation occurred.
func abbreviateCommands(commands []string) string {
	joined := strings.Join(commands, " ")
	if len(joined) <= 150 {
		return joined
	}
	return "[...] " + joined[len(joined)-150:]
}

// UnknownHandlerError is raised when the Internal environment's Execute is
// called for a (module, function) pair that was never registered.
type UnknownHandlerError struct {
	Module   string
	Function string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("module %s has no function %s.", e.Module, e.Function)
}

// ConnectionLossError is never returned to a caller; it exists only so
// internal call sites can tag a log line with a concrete type before
// swallowing the condition and returning (nil, nil), matching the documented
// "log; return null result; do not raise" disposition.
type ConnectionLossError struct {
	Cause error
}

func (e *ConnectionLossError) Error() string {
	if e.Cause == nil {
		return "connection closed by peer"
	}
	return fmt.Sprintf("connection closed by peer: %v", e.Cause)
}
