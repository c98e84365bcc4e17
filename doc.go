// Package wetlands provisions isolated Conda/Pixi Python environments, runs
// long-lived worker subprocesses inside them, and dispatches function and
// script invocations to those workers over a local TCP connection.
//
// # Architecture Overview
//
// A Manager owns a Settings Store, a Command Generator, a Command Executor
// and an environment registry. Creating a named environment generates and
// runs a shell script that installs (or reuses) a Micromamba or Pixi
// backend, creates the environment, and installs its dependencies:
//
//	manager, err := wetlands.NewManager(instanceDir, nil)
//	env, err := manager.Create(ctx, "myenv", wetlands.Dependencies{
//		Python: "3.11",
//		Pip:    []wetlands.DependencyEntry{wetlands.SimpleDependency("numpy")},
//	}, wetlands.PlatformCommands{}, true)
//
// # Launching and calling a worker
//
// Launch spawns the environment's Python interpreter running the embedded
// worker runtime, waits for it to announce its listener port, and opens a
// TCP connection to it:
//
//	err := env.Launch(ctx, wetlands.PlatformCommands{}, func(line string) { log.Print(line) })
//	result, err := env.Execute(ctx, "/path/to/module.py", "myFunction", []any{1, 2}, nil, nil)
//
// RunScript runs a script file as if invoked "python script.py args...",
// returning its resulting (msgpack-encodable) global namespace:
//
//	globals, err := env.RunScript(ctx, "/path/to/script.py", []string{"--flag"}, "", nil)
//
// # Internal environment
//
// The host process itself is reachable as the Internal environment (name
// ""), whose Execute dispatches to Go functions registered in advance
// rather than importing Python code:
//
//	manager.Internal().RegisterHandler("builtin", "ping", func(args []any, kwargs map[string]any) (any, error) {
//		return "pong", nil
//	})
//
// # Dependency reconciliation
//
// Dependencies describes a Python version constraint plus ordered conda and
// pip entries, either bare requirement strings or structured Dependency
// records gated by platform. FormatDependencies, SatisfiesConstraint and
// DepsInstalledIn implement the version and platform algebra used to decide
// whether an environment already satisfies a requested set.
//
// # Errors
//
// Failures surface as concrete error types — IncompatibilityError,
// ExecutionError, InvalidPythonVersionError, LaunchFailureError,
// CommandFailureError, UnknownHandlerError — so callers can discriminate
// with errors.As instead of matching on message text.
package wetlands
