package wetlands

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// pixiManifest mirrors the subset of a pixi.toml manifest this package
// needs to read back: the conda-channel dependency table and, separately,
// the pypi-dependencies table pixi writes for pip-installed packages.
type pixiManifest struct {
	Dependencies     map[string]any `toml:"dependencies"`
	PypiDependencies map[string]any `toml:"pypi-dependencies"`
}

// pixiManifestVersion extracts a version string from a manifest entry,
// which pixi writes either as a bare version string ("1.2.3") or as an
// inline table ({ version = "1.2.3", extras = [...] }).
func pixiManifestVersion(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if version, ok := v["version"].(string); ok {
			return version
		}
	}
	return "*"
}

// InstalledPackagesFromPixiManifest reads manifestPath and returns every
// dependency it declares as an InstalledPackage record, suitable for
// DepsInstalledIn. It does not shell out to pixi or touch the resolved
// environment directory, so it stays accurate even when the environment
// hasn't been installed yet — it reports only what the manifest asks for.
func InstalledPackagesFromPixiManifest(manifestPath string) ([]InstalledPackage, error) {
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading pixi manifest %q: %w", manifestPath, err)
	}
	var manifest pixiManifest
	if err := toml.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("parsing pixi manifest %q: %w", manifestPath, err)
	}

	installed := make([]InstalledPackage, 0, len(manifest.Dependencies)+len(manifest.PypiDependencies))
	for name, value := range manifest.Dependencies {
		if name == "python" {
			continue
		}
		installed = append(installed, InstalledPackage{
			Name:    name,
			Version: pixiManifestVersion(value),
			Kind:    KindConda,
		})
	}
	for name, value := range manifest.PypiDependencies {
		installed = append(installed, InstalledPackage{
			Name:    name,
			Version: pixiManifestVersion(value),
			Kind:    KindPyPI,
		})
	}
	return installed, nil
}
