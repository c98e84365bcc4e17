package wetlands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// debugPortsFile is the per-instance record of live debug ports, matching
// the reference implementation's debug_ports.json so an attached debugger
// can be reconnected after a host restart.
const debugPortsFile = "debug_ports.json"

// Manager (component E) owns the environment registry plus the Settings
// Store, Command Generator and Command Executor it hands to every
// Environment it creates. One Manager per host process instance directory.
type Manager struct {
	Settings         *Settings
	CommandGenerator *CommandGenerator
	CommandExecutor  *CommandExecutor
	InstanceDir      string
	Debug            bool

	logger *wetlandsLogger

	mu         sync.Mutex
	registry   map[string]Environment
	internal   *InternalEnvironment
	debugPorts map[string]int
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithDebug enables debug-port provisioning: every created External
// environment gets a debugpy dependency and the worker is launched with
// --debug-port 0.
func WithDebug(debug bool) ManagerOption {
	return func(m *Manager) { m.Debug = debug }
}

// NewManager builds a Manager rooted at instanceDir, loading or creating its
// Settings Store, and wiring up the Command Generator, Command Executor and
// ambient logger.
func NewManager(instanceDir string, settingsOpts []Option, opts ...ManagerOption) (*Manager, error) {
	settings, err := LoadSettings(instanceDir, settingsOpts...)
	if err != nil {
		return nil, err
	}
	logger, err := newWetlandsLogger(instanceDir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		Settings:         settings,
		CommandGenerator: NewCommandGenerator(settings),
		CommandExecutor:  NewCommandExecutor(logger),
		InstanceDir:      instanceDir,
		logger:           logger,
		registry:         map[string]Environment{},
		debugPorts:       map[string]int{},
	}
	m.internal = newInternalEnvironment(m)
	m.registry[""] = m.internal
	for _, opt := range opts {
		opt(m)
	}
	if err := settings.Save(); err != nil {
		return nil, err
	}
	return m, nil
}

// Internal returns the host-process Internal environment, for registering
// handlers via RegisterHandler.
func (m *Manager) Internal() *InternalEnvironment {
	return m.internal
}

// Close flushes and closes the ambient logger.
func (m *Manager) Close() error {
	return m.logger.close()
}

func (m *Manager) lookup(name string) (Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.registry[name]
	return env, ok
}

func (m *Manager) register(env Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[env.Name()] = env
}

func (m *Manager) removeEnvironment(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, name)
}

// Create provisions (or returns, if already registered) a named External
// environment satisfying deps. additionalInstall are extra shell fragments
// run after dependency installation. useExisting skips environment-creation
// commands when the on-disk environment already exists; the backend,
// dependency-install and additionalInstall commands still run, except that
// under Pixi the install step is also skipped when the environment's
// manifest already lists every requested dependency.
//
// Create never returns the Internal environment: the reference
// implementation's host-satisfaction short-circuit (return main_environment
// when the host interpreter already has deps installed) has no Go
// equivalent, since the Internal environment runs registered Go handlers,
// not arbitrary imported Python modules, and so has no "installed
// dependencies" to reconcile against (see DESIGN.md, Open Question decisions).
func (m *Manager) Create(ctx context.Context, name string, deps Dependencies, additionalInstall PlatformCommands, useExisting bool) (Environment, error) {
	if name == "" {
		return nil, fmt.Errorf("environment name must not be empty")
	}
	if env, ok := m.lookup(name); ok {
		return env, nil
	}
	if err := ValidatePythonVersion(deps.Python); err != nil {
		return nil, err
	}
	deps = WithWorkerRuntimeDeps(deps)
	if m.Debug {
		deps = WithDebugpy(deps)
	}

	exists := m.Settings.EnvironmentExists(name)
	path := m.Settings.EnvironmentPath(name)

	var commands []string
	backendCommands, err := m.CommandGenerator.ActivateBackendCommands()
	if err != nil {
		return nil, err
	}
	commands = append(commands, backendCommands...)

	if !exists || !useExisting {
		commands = append(commands, m.CommandGenerator.CreateEnvironmentCommands(name, deps.Python)...)
	}

	skipInstall := false
	if exists && useExisting && m.Settings.UsePixi {
		if installed, err := InstalledPackagesFromPixiManifest(m.Settings.ManifestPath(name)); err == nil {
			if satisfied, err := DepsInstalledIn(deps, deps.Python, true, installed); err == nil && satisfied {
				skipInstall = true
				m.logger.logEnvironment("dependencies already satisfied by the pixi manifest, skipping install", name, "create")
			}
		}
	}

	if !skipInstall {
		installCommands, err := m.CommandGenerator.InstallDependenciesCommands(name, deps)
		if err != nil {
			return nil, err
		}
		commands = append(commands, installCommands...)
	}
	commands = append(commands, m.CommandGenerator.CommandsForCurrentPlatform(additionalInstall)...)

	m.logger.logEnvironment("creating environment", name, "create")
	if err := m.CommandExecutor.RunCommands(commands, nil, nil); err != nil {
		return nil, err
	}

	env := newExternalEnvironment(m, name, path)
	m.register(env)
	return env, nil
}

// CreateFromConfig reads a dependency set from a JSON config file (the
// on-disk shape of Dependencies) and creates an environment from it.
func (m *Manager) CreateFromConfig(ctx context.Context, name, configPath string, additionalInstall PlatformCommands) (Environment, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var deps Dependencies
	if err := json.Unmarshal(data, &deps); err != nil {
		return nil, fmt.Errorf("parsing dependency config %s: %w", configPath, err)
	}
	return m.Create(ctx, name, deps, additionalInstall, false)
}

// Load attaches to an already-provisioned on-disk environment without
// running any creation or install commands, registering it under name.
func (m *Manager) Load(name, path string) (Environment, error) {
	if env, ok := m.lookup(name); ok {
		return env, nil
	}
	// Micromamba: path is the environment directory; Pixi: path is its
	// pixi.toml manifest, with the environment under .pixi/envs/default.
	condaMeta := filepath.Join(path, "conda-meta")
	if m.Settings.UsePixi {
		condaMeta = filepath.Join(filepath.Dir(path), ".pixi", "envs", "default", "conda-meta")
		if _, err := os.Stat(path); err != nil {
			condaMeta = ""
		}
	}
	if _, err := os.Stat(condaMeta); condaMeta == "" || err != nil {
		return nil, fmt.Errorf("the environment %s does not exist at %s", name, path)
	}
	env := newExternalEnvironment(m, name, path)
	m.register(env)
	return env, nil
}

// Install runs the dependency-install commands for deps against an
// already-created environment, without touching its registration.
func (m *Manager) Install(env Environment, deps Dependencies) error {
	commands, err := m.CommandGenerator.InstallDependenciesCommands(env.Name(), deps)
	if err != nil {
		return err
	}
	return m.CommandExecutor.RunCommands(commands, nil, nil)
}

// ExecuteCommands is the public escape hatch wrapping the Command Executor
// directly: it runs extraActivate's entries for the current platform
// followed by commands to completion, streaming output to sinks. It does not
// activate any environment by itself.
func (m *Manager) ExecuteCommands(commands []string, extraActivate PlatformCommands, sinks []LogCallback) error {
	full := append([]string{}, m.CommandGenerator.CommandsForCurrentPlatform(extraActivate)...)
	full = append(full, commands...)
	return m.CommandExecutor.RunCommands(full, nil, sinks)
}

// recordDebugPort persists the (environment, debug port) pair to
// debug_ports.json so an IDE can reattach after the host restarts. The file
// maps each environment name to its port number only; scriptPath goes to the
// log line and is not written to debug_ports.json.
func (m *Manager) recordDebugPort(name string, port int, scriptPath string) error {
	m.mu.Lock()
	m.debugPorts[name] = port
	snapshot := make(map[string]int, len(m.debugPorts))
	for k, v := range m.debugPorts {
		snapshot[k] = v
	}
	m.mu.Unlock()

	m.logger.logEnvironment(fmt.Sprintf("debug port %d (worker script %s)", port, scriptPath), name, "launch")
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.InstanceDir, debugPortsFile), data, 0o644)
}

// Environments lists the names of every currently registered environment,
// excluding the Internal environment's empty-string key.
func (m *Manager) Environments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.registry))
	for name := range m.registry {
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Get returns a registered environment by name ("" for Internal), or false
// if none is registered under that name.
func (m *Manager) Get(name string) (Environment, bool) {
	return m.lookup(name)
}

// Shutdown exits every registered External environment and closes the
// ambient logger.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	envs := make([]Environment, 0, len(m.registry))
	for name, env := range m.registry {
		if name == "" {
			continue
		}
		envs = append(envs, env)
	}
	m.mu.Unlock()

	var firstErr error
	for _, env := range envs {
		if err := env.Exit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
