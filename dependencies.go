package wetlands

import (
	"fmt"
	"runtime"
	"strings"
)

// PackageKind distinguishes the two package universes a Dependency Set can
// draw from.
type PackageKind string

const (
	KindConda PackageKind = "conda"
	KindPyPI  PackageKind = "pypi"
)

// Dependency is a structured dependency entry, gated by platform and
// optionally installed without its transitive dependencies.
type Dependency struct {
	Name string `json:"name"`

	// Platforms lists the platform tags this dependency is available on
	// ("linux-64", "osx-arm64", ...). An empty slice or the literal value
	// "all" (see PlatformsAll) both mean "every platform".
	Platforms []string `json:"platforms,omitempty"`

	// Optional suppresses IncompatibilityError when the current platform
	// isn't listed.
	Optional bool `json:"optional,omitempty"`

	// Dependencies, when false, requests installation without pulling in
	// the package's own transitive dependencies (--no-deps).
	Dependencies bool `json:"dependencies"`
}

// PlatformsAll is the literal-string wildcard accepted alongside an empty
// Platforms slice, preserved for compatibility with dependency sets authored
// against the reference implementation. Newly constructed Dependency values
// in this port should prefer an empty slice.
const PlatformsAll = "all"

// DependencyEntry is either a bare requirement string ("numpy", "numpy==1.2",
// "conda-forge::numpy") or a structured Dependency. Exactly one of the two
// fields is set.
type DependencyEntry struct {
	Simple     string
	Structured *Dependency
}

// SimpleDependency builds a DependencyEntry from a plain requirement string.
func SimpleDependency(spec string) DependencyEntry {
	return DependencyEntry{Simple: spec}
}

// StructuredDependency builds a DependencyEntry from a Dependency record.
func StructuredDependency(d Dependency) DependencyEntry {
	return DependencyEntry{Structured: &d}
}

func (e DependencyEntry) isStructured() bool {
	return e.Structured != nil
}

// Dependencies is a requested dependency set: an optional Python version
// constraint plus ordered conda and pip entry lists.
type Dependencies struct {
	Python string             `json:"python,omitempty"`
	Conda  []DependencyEntry  `json:"conda,omitempty"`
	Pip    []DependencyEntry  `json:"pip,omitempty"`
}

func (d Dependencies) entriesFor(kind PackageKind) []DependencyEntry {
	switch kind {
	case KindConda:
		return d.Conda
	case KindPyPI:
		return d.Pip
	default:
		return nil
	}
}

// currentPlatformTag returns the conda-style platform tag for the host,
// e.g. "linux-64", "osx-arm64", "win-64".
func currentPlatformTag() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "64"
	case "386":
		arch = "64"
	}
	var osName string
	switch runtime.GOOS {
	case "darwin":
		osName = "osx"
	case "windows":
		osName = "win"
	default:
		osName = "linux"
	}
	return fmt.Sprintf("%s-%s", osName, arch)
}

func platformsIncludeCurrent(platforms []string, current string) bool {
	if len(platforms) == 0 {
		return true
	}
	if len(platforms) == 1 && platforms[0] == PlatformsAll {
		return true
	}
	for _, p := range platforms {
		if p == current {
			return true
		}
	}
	return false
}

// FormatDependencies decomposes a dependency kind's entries into
// (withDeps, noDeps, nonEmpty), quoting every emitted spec, gating structured
// entries by platform, and raising IncompatibilityError for non-optional
// entries the current platform can't satisfy (unless raiseIncompatibilityError
// is false, which is used by callers that only want to inspect, not install).
func FormatDependencies(kind PackageKind, deps Dependencies, raiseIncompatibilityError bool) (withDeps []string, noDeps []string, nonEmpty bool, err error) {
	current := currentPlatformTag()
	for _, entry := range deps.entriesFor(kind) {
		if !entry.isStructured() {
			withDeps = append(withDeps, entry.Simple)
			continue
		}
		d := entry.Structured
		if platformsIncludeCurrent(d.Platforms, current) || !raiseIncompatibilityError {
			if d.Dependencies {
				withDeps = append(withDeps, d.Name)
			} else {
				noDeps = append(noDeps, d.Name)
			}
			continue
		}
		if !d.Optional {
			return nil, nil, false, &IncompatibilityError{
				Name:      d.Name,
				Platforms: d.Platforms,
				Current:   current,
			}
		}
	}
	quote := func(specs []string) []string {
		out := make([]string, len(specs))
		for i, s := range specs {
			out[i] = fmt.Sprintf("%q", s)
		}
		return out
	}
	return quote(withDeps), quote(noDeps), len(withDeps)+len(noDeps) > 0, nil
}

// StripChannel removes a "channel::" prefix from a conda spec, e.g.
// "conda-forge::numpy==1.2" -> "numpy==1.2". Idempotent.
func StripChannel(spec string) string {
	if idx := strings.Index(spec, "::"); idx >= 0 {
		return spec[idx+2:]
	}
	return spec
}

// constraintOp is one clause of a (possibly comma-joined) version
// constraint, e.g. ">=1.2".
type constraintOp struct {
	op    string
	value string
}

var constraintOperators = []string{"~=", "==", "!=", ">=", "<=", ">", "<", "="}

// parseConstraint splits a requirement spec ("numpy>=1.2,<2") into its bare
// package name and a list of constraint clauses.
func parseConstraint(spec string) (name string, clauses []constraintOp) {
	spec = StripChannel(strings.Trim(spec, `"`))
	// Find where the name ends: the first character that starts an operator.
	cut := len(spec)
	for i := 0; i < len(spec); i++ {
		for _, op := range constraintOperators {
			if strings.HasPrefix(spec[i:], op) {
				cut = i
				break
			}
		}
		if cut != len(spec) {
			break
		}
	}
	name = spec[:cut]
	rest := spec[cut:]
	if rest == "" {
		return name, nil
	}
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		matched := false
		for _, op := range constraintOperators {
			if strings.HasPrefix(part, op) {
				clauses = append(clauses, constraintOp{op: op, value: strings.TrimPrefix(part, op)})
				matched = true
				break
			}
		}
		if !matched {
			clauses = append(clauses, constraintOp{value: part})
		}
	}
	return name, clauses
}

// SatisfiesConstraint reports whether installedVersion satisfies every
// clause of a requirement spec's version constraint. A spec with no operator
// matches any installed version. Clauses are conjunctive (comma-joined).
func SatisfiesConstraint(installedVersion, spec string) (bool, error) {
	_, clauses := parseConstraint(spec)
	if len(clauses) == 0 {
		return true, nil
	}
	installed, err := ParseVersion(installedVersion)
	if err != nil {
		return false, err
	}
	for _, c := range clauses {
		ok, err := satisfiesClause(installed, installedVersion, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func satisfiesClause(installed Version, installedRaw string, c constraintOp) (bool, error) {
	switch c.op {
	case "==":
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		return installed.Compare(v) == 0, nil
	case "!=":
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		return installed.Compare(v) != 0, nil
	case ">=":
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		return installed.Compare(v) >= 0, nil
	case "<=":
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		return installed.Compare(v) <= 0, nil
	case ">":
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		return installed.Compare(v) > 0, nil
	case "<":
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		return installed.Compare(v) < 0, nil
	case "~=":
		// Compatible release: ~=X.Y means >=X.Y, ==X.*
		v, err := ParseVersion(c.value)
		if err != nil {
			return false, err
		}
		if installed.Compare(v) < 0 {
			return false, nil
		}
		return installed.Major == v.Major, nil
	default:
		// Unknown specifier (conda's single "=", a clause with no operator,
		// ...): treat as a literal prefix match against the installed
		// version string.
		return strings.HasPrefix(installedRaw, c.value), nil
	}
}

// InstalledPackage is a record of a package present in a target environment.
type InstalledPackage struct {
	Name    string
	Version string
	Kind    PackageKind
}

// DepsInstalledIn reports whether every entry of deps is already satisfied
// by the given installed records and pythonVersion (empty pythonVersion
// means the target's python version is unknown/unavailable and the python
// constraint check is skipped). hasPath indicates whether the target has a
// filesystem path at all — conda entries cannot be verified against a
// pathless target (e.g. a bare host interpreter with no conda metadata).
func DepsInstalledIn(deps Dependencies, pythonVersion string, hasPath bool, installed []InstalledPackage) (bool, error) {
	if deps.Python != "" && pythonVersion != "" {
		if !strings.HasPrefix(pythonVersion, strings.TrimLeft(deps.Python, "=<>~! ")) {
			return false, nil
		}
	}
	if len(deps.Conda) > 0 && !hasPath {
		return false, nil
	}
	index := map[string]InstalledPackage{}
	for _, p := range installed {
		index[string(p.Kind)+":"+p.Name] = p
	}
	check := func(kind PackageKind, entries []DependencyEntry) (bool, error) {
		for _, entry := range entries {
			spec := entry.Simple
			if entry.isStructured() {
				spec = entry.Structured.Name
			}
			name, _ := parseConstraint(spec)
			rec, ok := index[string(kind)+":"+name]
			if !ok {
				return false, nil
			}
			satisfied, err := SatisfiesConstraint(rec.Version, spec)
			if err != nil {
				return false, err
			}
			if !satisfied {
				return false, nil
			}
		}
		return true, nil
	}
	condaOK, err := check(KindConda, deps.Conda)
	if err != nil || !condaOK {
		return false, err
	}
	pipOK, err := check(KindPyPI, deps.Pip)
	if err != nil || !pipOK {
		return false, err
	}
	return true, nil
}

// MinimumPythonVersion is the lowest Python version this port will
// provision an environment for.
var MinimumPythonVersion = Version{Major: 3, Minor: 9, Patch: 0}

// ValidatePythonVersion returns InvalidPythonVersionError if requested is
// set and below MinimumPythonVersion. An empty requested string is valid
// (no constraint requested). The floor is checked at minor precision, since
// a bare "3.9" parses with Patch -1 and would otherwise be rejected as
// lower than {3, 9, 0}.
func ValidatePythonVersion(requested string) error {
	if requested == "" {
		return nil
	}
	v, err := ParseVersion(strings.TrimLeft(requested, "=<>~! "))
	if err != nil {
		return fmt.Errorf("parsing requested python version %q: %w", requested, err)
	}
	if v.Major < MinimumPythonVersion.Major ||
		(v.Major == MinimumPythonVersion.Major && v.Minor != -1 && v.Minor < MinimumPythonVersion.Minor) {
		return &InvalidPythonVersionError{Requested: requested}
	}
	return nil
}

// HasDebugpy reports whether deps already requests a debugpy conda package,
// used to decide whether debug-mode environment creation needs to inject one.
func HasDebugpy(deps Dependencies) bool {
	for _, entry := range deps.Conda {
		name := entry.Simple
		if entry.isStructured() {
			name = entry.Structured.Name
		}
		n, _ := parseConstraint(name)
		if n == "debugpy" {
			return true
		}
	}
	return false
}

// WithDebugpy returns a copy of deps with a "debugpy" conda entry appended
// if one isn't already present.
func WithDebugpy(deps Dependencies) Dependencies {
	if HasDebugpy(deps) {
		return deps
	}
	out := deps
	out.Conda = append(append([]DependencyEntry{}, deps.Conda...), SimpleDependency("debugpy"))
	return out
}

// hasPipPackage reports whether deps already requests name via pip.
func hasPipPackage(deps Dependencies, name string) bool {
	for _, entry := range deps.Pip {
		spec := entry.Simple
		if entry.isStructured() {
			spec = entry.Structured.Name
		}
		n, _ := parseConstraint(spec)
		if n == name {
			return true
		}
	}
	return false
}

// WithWorkerRuntimeDeps returns a copy of deps with the pip packages the
// embedded worker runtime itself needs (msgpack, for the IPC wire format)
// appended if not already present. Every environment an External worker
// runs in needs these regardless of what the caller asked for.
func WithWorkerRuntimeDeps(deps Dependencies) Dependencies {
	out := deps
	if !hasPipPackage(out, "msgpack") {
		out.Pip = append(append([]DependencyEntry{}, out.Pip...), SimpleDependency("msgpack"))
	}
	return out
}
