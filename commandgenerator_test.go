package wetlands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommandsForCurrentPlatformMergesAllAndHostOS(t *testing.T) {
	g := NewCommandGenerator(NewSettings(t.TempDir()))
	commands := g.CommandsForCurrentPlatform(PlatformCommands{
		All:     []string{"echo all"},
		Linux:   []string{"echo linux"},
		Mac:     []string{"echo mac"},
		Windows: []string{"echo windows"},
	})
	if len(commands) != 2 {
		t.Fatalf("expected exactly 2 merged commands, got %v", commands)
	}
	if commands[0] != "echo all" {
		t.Errorf("expected \"all\" commands first, got %v", commands)
	}
}

func TestCreateEnvironmentCommandsMicromamba(t *testing.T) {
	dir := t.TempDir()
	g := NewCommandGenerator(NewSettings(dir))
	commands := g.CreateEnvironmentCommands("myenv", "3.11")
	if len(commands) != 1 {
		t.Fatalf("expected a single create command, got %v", commands)
	}
	if !strings.Contains(commands[0], "create -n myenv python=3.11") {
		t.Errorf("unexpected command: %q", commands[0])
	}
}

func TestCreateEnvironmentCommandsPixi(t *testing.T) {
	dir := t.TempDir()
	g := NewCommandGenerator(NewSettings(dir, WithPixi(true)))
	commands := g.CreateEnvironmentCommands("myenv", "3.11")
	if len(commands) != 3 {
		t.Fatalf("expected mkdir+init+add for pixi, got %v", commands)
	}
	if !strings.Contains(commands[2], "add --manifest-path") || !strings.Contains(commands[2], "python=3.11") {
		t.Errorf("unexpected add command: %q", commands[2])
	}
}

func TestInstallDependenciesCommandsRejectsChanneledPip(t *testing.T) {
	g := NewCommandGenerator(NewSettings(t.TempDir()))
	_, err := g.InstallDependenciesCommands("myenv", Dependencies{
		Pip: []DependencyEntry{SimpleDependency("conda-forge::numpy")},
	})
	if err == nil {
		t.Fatalf("expected an error for a pip dependency carrying a conda channel specifier")
	}
}

func TestInstallDependenciesCommandsGroupsByWithAndWithoutDeps(t *testing.T) {
	g := NewCommandGenerator(NewSettings(t.TempDir()))
	commands, err := g.InstallDependenciesCommands("myenv", Dependencies{
		Conda: []DependencyEntry{
			SimpleDependency("numpy"),
			StructuredDependency(Dependency{Name: "boost", Dependencies: false}),
		},
		Pip: []DependencyEntry{SimpleDependency("requests")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := strings.Join(commands, "\n")
	if !strings.Contains(joined, "install \"numpy\" -y") {
		t.Errorf("expected conda with-deps install, got:\n%s", joined)
	}
	if !strings.Contains(joined, "install --no-deps \"boost\" -y") {
		t.Errorf("expected conda no-deps install, got:\n%s", joined)
	}
	if !strings.Contains(joined, "pip install") || !strings.Contains(joined, "\"requests\"") {
		t.Errorf("expected pip install, got:\n%s", joined)
	}
}

func TestActivateEnvironmentCommandsEmptyName(t *testing.T) {
	g := NewCommandGenerator(NewSettings(t.TempDir()))
	commands, err := g.ActivateEnvironmentCommands("", PlatformCommands{}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(commands) != 0 {
		t.Errorf("expected no commands for an empty environment name, got %v", commands)
	}
}

func TestActivateEnvironmentCommandsPixiUsesManifestPath(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings(dir, WithPixi(true))
	g := NewCommandGenerator(s)
	commands, err := g.ActivateEnvironmentCommands("myenv", PlatformCommands{}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	manifest := s.ManifestPath("myenv")
	found := false
	for _, c := range commands {
		if strings.Contains(c, manifest) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a command referencing the manifest path %q, got %v", manifest, commands)
	}
}

func TestInstallBackendCommandsSkipsWhenAlreadyInstalled(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings(dir)
	if err := os.MkdirAll(filepath.Dir(s.BackendPath()), 0o755); err != nil {
		t.Fatalf("setup error: %v", err)
	}
	if err := os.WriteFile(s.BackendPath(), []byte("fake binary"), 0o755); err != nil {
		t.Fatalf("setup error: %v", err)
	}
	g := NewCommandGenerator(s)
	commands, err := g.InstallBackendCommands()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if commands != nil {
		t.Errorf("expected no install commands once the backend binary already exists, got %v", commands)
	}
}
