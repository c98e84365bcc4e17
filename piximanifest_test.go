package wetlands

import (
	"os"
	"path/filepath"
	"testing"
)

func writePixiManifestForTest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixi.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test manifest: %v", err)
	}
	return path
}

func TestInstalledPackagesFromPixiManifestParsesBothTables(t *testing.T) {
	manifest := `
[project]
name = "test-env"
channels = ["conda-forge"]

[dependencies]
python = "3.11.*"
numpy = "1.26.*"
boost = { version = ">=1.80", channel = "conda-forge" }

[pypi-dependencies]
requests = "2.31.0"
`
	path := writePixiManifestForTest(t, manifest)
	installed, err := InstalledPackagesFromPixiManifest(path)
	if err != nil {
		t.Fatalf("InstalledPackagesFromPixiManifest() error: %v", err)
	}

	byKey := map[string]InstalledPackage{}
	for _, p := range installed {
		byKey[string(p.Kind)+":"+p.Name] = p
	}

	if _, ok := byKey["conda:python"]; ok {
		t.Errorf("expected python to be excluded from the installed-package list")
	}
	if numpy, ok := byKey["conda:numpy"]; !ok || numpy.Version != "1.26.*" {
		t.Errorf("expected conda:numpy at version 1.26.*, got %+v (ok=%v)", numpy, ok)
	}
	if boost, ok := byKey["conda:boost"]; !ok || boost.Version != ">=1.80" {
		t.Errorf("expected conda:boost at version >=1.80 from its inline table, got %+v (ok=%v)", boost, ok)
	}
	if requests, ok := byKey["pypi:requests"]; !ok || requests.Version != "2.31.0" {
		t.Errorf("expected pypi:requests at version 2.31.0, got %+v (ok=%v)", requests, ok)
	}
}

func TestInstalledPackagesFromPixiManifestMissingFile(t *testing.T) {
	_, err := InstalledPackagesFromPixiManifest(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatalf("expected an error reading a nonexistent manifest")
	}
}

func TestInstalledPackagesFromPixiManifestFeedsDepsInstalledIn(t *testing.T) {
	manifest := `
[dependencies]
numpy = "1.26.0"

[pypi-dependencies]
requests = "2.31.0"
`
	path := writePixiManifestForTest(t, manifest)
	installed, err := InstalledPackagesFromPixiManifest(path)
	if err != nil {
		t.Fatalf("InstalledPackagesFromPixiManifest() error: %v", err)
	}

	deps := Dependencies{
		Conda: []DependencyEntry{{Simple: "numpy"}},
		Pip:   []DependencyEntry{{Simple: "requests"}},
	}
	satisfied, err := DepsInstalledIn(deps, "", true, installed)
	if err != nil {
		t.Fatalf("DepsInstalledIn() error: %v", err)
	}
	if !satisfied {
		t.Errorf("expected the manifest's own dependencies to satisfy themselves")
	}

	missing := Dependencies{Conda: []DependencyEntry{{Simple: "scipy"}}}
	satisfied, err = DepsInstalledIn(missing, "", true, installed)
	if err != nil {
		t.Fatalf("DepsInstalledIn() error: %v", err)
	}
	if satisfied {
		t.Errorf("expected scipy (not in the manifest) to be reported unsatisfied")
	}
}
