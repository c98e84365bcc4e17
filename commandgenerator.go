package wetlands

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// PlatformCommands groups shell command fragments by platform, merged by
// CommandsForCurrentPlatform into "all" plus whichever of linux/mac/windows
// matches the host.
type PlatformCommands struct {
	All     []string
	Linux   []string
	Mac     []string
	Windows []string
}

func (p PlatformCommands) forPlatform(name string) []string {
	switch name {
	case "linux":
		return p.Linux
	case "mac":
		return p.Mac
	case "windows":
		return p.Windows
	default:
		return nil
	}
}

// platformCommonName returns "mac", "linux" or "windows" for the host OS.
func platformCommonName() string {
	switch runtime.GOOS {
	case "darwin":
		return "mac"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}

func isWindows() bool { return runtime.GOOS == "windows" }

// CommandGenerator emits the platform-specific shell fragments the
// Environment Manager stitches together: backend install/activate,
// environment activate, and dependency install commands.
type CommandGenerator struct {
	settings *Settings
}

// NewCommandGenerator builds a Command Generator bound to a Settings Store.
func NewCommandGenerator(settings *Settings) *CommandGenerator {
	return &CommandGenerator{settings: settings}
}

// CommandsForCurrentPlatform merges "all" and the current-OS entries of a
// PlatformCommands value into one ordered list.
func (g *CommandGenerator) CommandsForCurrentPlatform(commands PlatformCommands) []string {
	out := append([]string{}, commands.All...)
	out = append(out, commands.forPlatform(platformCommonName())...)
	return out
}

// ShellHookCommands generates the Conda shell-hook activation commands. A
// no-op under the Pixi backend, which activates via shell-hook --manifest-path
// instead (see ActivateEnvironmentCommands).
func (g *CommandGenerator) ShellHookCommands() []string {
	if g.settings.UsePixi {
		return nil
	}
	condaPath := g.settings.RootPath
	condaBinRel := g.settings.BackendRelativePath()
	if isWindows() {
		return []string{
			fmt.Sprintf(`$Env:MAMBA_ROOT_PREFIX="%s"`, condaPath),
			fmt.Sprintf(`.\%s shell hook -s powershell | Out-String | Invoke-Expression`, condaBinRel),
		}
	}
	return []string{
		fmt.Sprintf(`export MAMBA_ROOT_PREFIX="%s"`, condaPath),
		fmt.Sprintf(`eval "$(%s shell hook -s posix)"`, condaBinRel),
	}
}

var proxyCredentialsRegexp = regexp.MustCompile(`^[a-zA-Z]+://(.*?):(.*?)@`)

// InstallBackendCommands generates commands to download and extract the
// backend binary if it isn't already present, injecting proxy credentials
// when configured.
func (g *CommandGenerator) InstallBackendCommands() ([]string, error) {
	if g.settings.BackendInstalled() {
		return nil, nil
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("platform %s is not supported", runtime.GOOS)
	}
	if err := g.settings.WriteMambaConfig(); err != nil {
		return nil, err
	}

	commands := append([]string{}, g.settings.ProxyEnvironmentVariablesCommands()...)
	proxyString := g.settings.ProxyString()
	condaPath := g.settings.RootPath

	if isWindows() {
		proxyArgs := ""
		var proxyCredentialCommands []string
		if proxyString != "" {
			if m := proxyCredentialsRegexp.FindStringSubmatch(proxyString); m != nil {
				username, password := m[1], m[2]
				proxyCredentialCommands = []string{
					fmt.Sprintf(`$proxyUsername = "%s"`, username),
					fmt.Sprintf(`$proxyPassword = "%s"`, password),
					`$securePassword = ConvertTo-SecureString $proxyPassword -AsPlainText -Force`,
					`$proxyCredentials = New-Object System.Management.Automation.PSCredential($proxyUsername, $securePassword)`,
				}
				proxyArgs = fmt.Sprintf("-Proxy %s -ProxyCredential $proxyCredentials", proxyString)
			} else {
				proxyArgs = fmt.Sprintf("-Proxy %s", proxyString)
			}
		}
		commands = append(commands, proxyCredentialCommands...)
		if g.settings.UsePixi {
			commands = append(commands,
				`echo "Installing pixi..."`,
				`$tempFile = "$env:TEMP\pixi-install.ps1"`,
				`try {`,
				fmt.Sprintf(`Invoke-Webrequest %s -UseBasicParsing -Uri https://pixi.sh/install.ps1 -OutFile $tempFile`, proxyArgs),
				fmt.Sprintf(`& $tempFile -PixiHome %s -NoPathUpdate`, condaPath),
				`} finally {`,
				`Remove-Item $tempFile -ErrorAction SilentlyContinue`,
				`}`,
			)
		} else {
			commands = append(commands,
				fmt.Sprintf(`Set-Location -Path "%s"`, condaPath),
				`echo "Installing Visual C++ Redistributable if necessary..."`,
				fmt.Sprintf(`Invoke-WebRequest %s -URI "https://aka.ms/vs/17/release/vc_redist.x64.exe" -OutFile "$env:Temp\vc_redist.x64.exe"; Start-Process "$env:Temp\vc_redist.x64.exe" -ArgumentList "/quiet /norestart" -Wait; Remove-Item "$env:Temp\vc_redist.x64.exe"`, proxyArgs),
				`echo "Installing micromamba..."`,
				fmt.Sprintf(`Invoke-Webrequest %s -URI https://github.com/mamba-org/micromamba-releases/releases/download/2.0.4-0/micromamba-win-64 -OutFile micromamba.exe`, proxyArgs),
			)
		}
		return commands, nil
	}

	system := "linux"
	if runtime.GOOS == "darwin" {
		system = "osx"
	}
	machine := "64"
	if runtime.GOARCH == "arm64" {
		machine = "arm64"
	}
	proxyArgs := ""
	if proxyString != "" {
		proxyArgs = fmt.Sprintf(`--proxy "%s"`, proxyString)
	}
	if g.settings.UsePixi {
		commands = append(commands,
			fmt.Sprintf(`cd "%s"`, condaPath),
			`echo "Installing pixi..."`,
			fmt.Sprintf(`curl %s -fsSL https://pixi.sh/install.sh | PIXI_HOME=%s PIXI_NO_PATH_UPDATE=1 bash`, proxyArgs, condaPath),
		)
	} else {
		commands = append(commands,
			fmt.Sprintf(`cd "%s"`, condaPath),
			`echo "Installing micromamba..."`,
			fmt.Sprintf(`curl %s -fsSL https://micro.mamba.pm/api/micromamba/%s-%s/latest | tar -xvj bin/micromamba`, proxyArgs, system, machine),
		)
	}
	return commands, nil
}

// ActivateBackendCommands generates commands to install (if needed) and
// activate the backend's shell hook.
func (g *CommandGenerator) ActivateBackendCommands() ([]string, error) {
	install, err := g.InstallBackendCommands()
	if err != nil {
		return nil, err
	}
	return append(install, g.ShellHookCommands()...), nil
}

// ActivateEnvironmentCommands generates commands to activate the named
// environment: an empty slice if environment is "". When activateBackend is
// false, the backend install/shell-hook commands are skipped (used when the
// caller has already activated the backend earlier in the same script).
func (g *CommandGenerator) ActivateEnvironmentCommands(environment string, additional PlatformCommands, activateBackend bool) ([]string, error) {
	if environment == "" {
		return nil, nil
	}
	var commands []string
	if activateBackend {
		backendCommands, err := g.ActivateBackendCommands()
		if err != nil {
			return nil, err
		}
		commands = append(commands, backendCommands...)
	}
	condaBin := g.settings.BackendPath()
	if g.settings.UsePixi {
		manifestPath := g.settings.ManifestPath(environment)
		if !isWindows() {
			commands = append(commands, fmt.Sprintf(`eval "$(%s shell-hook --manifest-path %s)"`, condaBin, manifestPath))
		} else {
			commands = append(commands, fmt.Sprintf(`.\%s shell-hook --manifest-path %s | Out-String | Invoke-Expression`, condaBin, manifestPath))
		}
	} else {
		commands = append(commands, fmt.Sprintf("%s activate %s", condaBin, environment))
	}
	commands = append(commands, g.CommandsForCurrentPlatform(additional)...)
	return commands, nil
}

// InstallDependenciesCommands generates the full dependency-installation
// script for environment given a Dependency Set: activate, conda install
// (with and without deps), pip install (with and without deps). Rejects pip
// specs carrying conda "::" channel syntax.
func (g *CommandGenerator) InstallDependenciesCommands(environment string, deps Dependencies) ([]string, error) {
	condaWithDeps, condaNoDeps, hasConda, err := FormatDependencies(KindConda, deps, true)
	if err != nil {
		return nil, err
	}
	pipWithDeps, pipNoDeps, hasPip, err := FormatDependencies(KindPyPI, deps, true)
	if err != nil {
		return nil, err
	}
	for _, d := range append(append([]string{}, pipWithDeps...), pipNoDeps...) {
		if strings.Contains(d, "::") {
			return nil, fmt.Errorf("one pip dependency has a channel specifier \"::\". Is it a conda dependency?\n\n(%v)", deps.Pip)
		}
	}

	commands := append([]string{}, g.settings.ProxyEnvironmentVariablesCommands()...)
	condaBin := g.settings.BackendPath()
	if hasConda || hasPip {
		commands = append(commands,
			fmt.Sprintf(`echo "Activating environment %s..."`, environment),
			fmt.Sprintf("%s activate %s", condaBin, environment),
		)
	}
	if len(condaWithDeps) > 0 {
		commands = append(commands,
			`echo "Installing conda dependencies..."`,
			fmt.Sprintf("%s install %s -y", condaBin, strings.Join(condaWithDeps, " ")),
		)
	}
	if len(condaNoDeps) > 0 {
		commands = append(commands,
			`echo "Installing conda dependencies without their dependencies..."`,
			fmt.Sprintf("%s install --no-deps %s -y", condaBin, strings.Join(condaNoDeps, " ")),
		)
	}
	proxyString := g.settings.ProxyString()
	proxyArgs := ""
	if proxyString != "" {
		proxyArgs = fmt.Sprintf("--proxy %s", proxyString)
	}
	if len(pipWithDeps) > 0 {
		commands = append(commands,
			`echo "Installing pip dependencies..."`,
			fmt.Sprintf("pip install %s %s", proxyArgs, strings.Join(pipWithDeps, " ")),
		)
	}
	if len(pipNoDeps) > 0 {
		commands = append(commands,
			`echo "Installing pip dependencies without their dependencies..."`,
			fmt.Sprintf("pip install %s --no-dependencies %s", proxyArgs, strings.Join(pipNoDeps, " ")),
		)
	}
	return commands, nil
}

// CreateEnvironmentCommands generates the backend-specific command(s) to
// create a new named environment with the given python version constraint.
func (g *CommandGenerator) CreateEnvironmentCommands(environment, pythonVersion string) []string {
	condaBin := g.settings.BackendPath()
	pythonSpec := "python"
	if pythonVersion != "" {
		pythonSpec = fmt.Sprintf("python=%s", pythonVersion)
	}
	if g.settings.UsePixi {
		manifestDir := filepath.Dir(g.settings.ManifestPath(environment))
		return []string{
			fmt.Sprintf(`mkdir -p "%s"`, manifestDir),
			fmt.Sprintf(`%s init "%s"`, condaBin, manifestDir),
			fmt.Sprintf(`%s add --manifest-path "%s" %s`, condaBin, g.settings.ManifestPath(environment), pythonSpec),
		}
	}
	return []string{
		fmt.Sprintf("%s create -n %s %s -y", condaBin, environment, pythonSpec),
	}
}
