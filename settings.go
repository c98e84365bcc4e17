package wetlands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ProxyConfig holds the optional http/https proxy URLs (with optional
// "user:pass@" prefixes) used when downloading backend binaries and
// installing packages.
type ProxyConfig struct {
	HTTP  string `json:"http,omitempty" yaml:"http,omitempty"`
	HTTPS string `json:"https,omitempty" yaml:"https,omitempty"`
}

// mambaRC is the shape written to <root>/.mambarc when using the Micromamba
// backend, matching command_generator.py's createMambaConfigFile.
type mambaRC struct {
	ChannelPriority string       `yaml:"channel_priority"`
	Channels        []string     `yaml:"channels"`
	DefaultChannels []string     `yaml:"default_channels"`
	ProxyServers    *ProxyConfig `yaml:"proxy_servers,omitempty"`
}

// persistedSettings is the on-disk JSON shape written to
// <instance>/settings.json, letting a host process restart and reattach to
// the same backend root without re-specifying flags.
type persistedSettings struct {
	RootPath string      `json:"rootPath"`
	UsePixi  bool        `json:"usePixi"`
	Proxy    ProxyConfig `json:"proxy"`
}

// Settings is the Settings Store (component A): it resolves backend paths,
// platform identity and proxy configuration, and persists itself alongside
// the instance directory.
type Settings struct {
	// RootPath is the backend installation root, e.g. "<home>/.wetlands".
	RootPath string

	// UsePixi selects the Pixi backend over Micromamba.
	UsePixi bool

	Proxy ProxyConfig

	instanceDir string
}

// Option configures a Settings value at construction time, matching the
// small composable-constructor idiom used throughout the teacher codebase.
type Option func(*Settings)

// WithRootPath sets the backend installation root.
func WithRootPath(path string) Option {
	return func(s *Settings) { s.RootPath = path }
}

// WithPixi selects the Pixi backend instead of Micromamba.
func WithPixi(usePixi bool) Option {
	return func(s *Settings) { s.UsePixi = usePixi }
}

// WithProxy sets the http/https proxy configuration.
func WithProxy(proxy ProxyConfig) Option {
	return func(s *Settings) { s.Proxy = proxy }
}

// NewSettings builds a Settings Store for the given instance directory,
// applying options over defaults (RootPath under the instance directory,
// Micromamba backend, no proxy).
func NewSettings(instanceDir string, opts ...Option) *Settings {
	s := &Settings{
		RootPath:    filepath.Join(instanceDir, "backend"),
		instanceDir: instanceDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadSettings reads a previously persisted settings.json from the instance
// directory, falling back to NewSettings defaults (further overridden by
// opts) if none exists yet.
func LoadSettings(instanceDir string, opts ...Option) (*Settings, error) {
	path := filepath.Join(instanceDir, "settings.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSettings(instanceDir, opts...), nil
		}
		return nil, err
	}
	var p persistedSettings
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	s := &Settings{RootPath: p.RootPath, UsePixi: p.UsePixi, Proxy: p.Proxy, instanceDir: instanceDir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save persists the Settings Store to <instance>/settings.json.
func (s *Settings) Save() error {
	data, err := json.MarshalIndent(persistedSettings{RootPath: s.RootPath, UsePixi: s.UsePixi, Proxy: s.Proxy}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.instanceDir, "settings.json"), data, 0o644)
}

// backendBinaryName returns the bare executable name for the selected
// backend on the current platform.
func (s *Settings) backendBinaryName() string {
	base := "micromamba"
	if s.UsePixi {
		base = "pixi"
	}
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// BackendRelativePath returns the backend binary's path relative to
// RootPath: "bin/micromamba" on POSIX (matching the tar layout extracted by
// the install commands), or the bare executable name on Windows (installed
// directly into RootPath).
func (s *Settings) BackendRelativePath() string {
	if runtime.GOOS == "windows" {
		return s.backendBinaryName()
	}
	return filepath.Join("bin", s.backendBinaryName())
}

// BackendPath returns the absolute path to the backend binary.
func (s *Settings) BackendPath() string {
	return filepath.Join(s.RootPath, s.BackendRelativePath())
}

// BackendInstalled reports whether the backend binary already exists on
// disk, per getInstallCondaCommands's existence check.
func (s *Settings) BackendInstalled() bool {
	_, err := os.Stat(s.BackendPath())
	return err == nil
}

// EnvironmentPath resolves a name to its on-disk path. For Micromamba this
// is the environment directory itself; for Pixi it is the pixi.toml manifest
// file (the real environment directory lives at
// <parent-of-manifest>/.pixi/envs/default).
func (s *Settings) EnvironmentPath(name string) string {
	if s.UsePixi {
		return filepath.Join(s.RootPath, "envs", name, "pixi.toml")
	}
	return filepath.Join(s.RootPath, "envs", name)
}

// ManifestPath is an alias for EnvironmentPath under the Pixi backend, named
// for readability at Pixi-specific call sites.
func (s *Settings) ManifestPath(name string) string {
	return s.EnvironmentPath(name)
}

// PixiEnvDir returns the actual Pixi environment directory
// (<manifest-parent>/.pixi/envs/default) for a given environment name.
func (s *Settings) PixiEnvDir(name string) string {
	return filepath.Join(s.RootPath, "envs", name, ".pixi", "envs", "default")
}

// EnvironmentExists reports whether the named environment already exists on
// disk: a conda-meta directory for Micromamba, or both the manifest and its
// Pixi conda-meta directory for Pixi.
func (s *Settings) EnvironmentExists(name string) bool {
	if s.UsePixi {
		manifest := s.ManifestPath(name)
		if _, err := os.Stat(manifest); err != nil {
			return false
		}
		_, err := os.Stat(filepath.Join(s.PixiEnvDir(name), "conda-meta"))
		return err == nil
	}
	_, err := os.Stat(filepath.Join(s.EnvironmentPath(name), "conda-meta"))
	return err == nil
}

// ProxyString composes a proxy URL string suitable for --proxy-style CLI
// flags, preferring https over http, or "" if neither is set.
func (s *Settings) ProxyString() string {
	if s.Proxy.HTTPS != "" {
		return s.Proxy.HTTPS
	}
	return s.Proxy.HTTP
}

// ProxyEnvironmentVariablesCommands returns shell commands exporting
// http_proxy/https_proxy (POSIX) or $env: equivalents (Windows) for the
// configured proxy, or an empty slice if none is configured.
func (s *Settings) ProxyEnvironmentVariablesCommands() []string {
	var commands []string
	set := func(name, value string) {
		if value == "" {
			return
		}
		if runtime.GOOS == "windows" {
			commands = append(commands, fmt.Sprintf(`$env:%s = "%s"`, name, value))
		} else {
			commands = append(commands, fmt.Sprintf(`export %s="%s"`, name, value))
		}
	}
	set("http_proxy", s.Proxy.HTTP)
	set("https_proxy", s.Proxy.HTTPS)
	return commands
}

// WriteMambaConfig writes <root>/.mambarc with conda-forge channel defaults
// and the configured proxy servers, if any, matching createMambaConfigFile.
// A no-op under the Pixi backend.
func (s *Settings) WriteMambaConfig() error {
	if s.UsePixi {
		return nil
	}
	if err := os.MkdirAll(s.RootPath, 0o755); err != nil {
		return err
	}
	rc := mambaRC{
		ChannelPriority: "flexible",
		Channels:        []string{"conda-forge", "nodefaults"},
		DefaultChannels: []string{"conda-forge"},
	}
	if s.Proxy.HTTP != "" || s.Proxy.HTTPS != "" {
		proxy := s.Proxy
		rc.ProxyServers = &proxy
	}
	data, err := yaml.Marshal(rc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.RootPath, ".mambarc"), data, 0o644)
}
