package wetlands

import (
	"errors"
	"testing"
)

func TestFormatDependenciesSimpleAndStructured(t *testing.T) {
	deps := Dependencies{
		Conda: []DependencyEntry{
			SimpleDependency("numpy==1.26"),
			StructuredDependency(Dependency{Name: "cuda-toolkit", Platforms: []string{currentPlatformTag()}, Dependencies: true}),
			StructuredDependency(Dependency{Name: "boost", Dependencies: false}),
		},
	}

	withDeps, noDeps, nonEmpty, err := FormatDependencies(KindConda, deps, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !nonEmpty {
		t.Fatalf("expected nonEmpty to be true")
	}
	if len(withDeps) != 2 {
		t.Errorf("expected 2 with-deps entries (numpy, cuda-toolkit), got %v", withDeps)
	}
	if len(noDeps) != 1 {
		t.Errorf("expected 1 no-deps entry (boost), got %v", noDeps)
	}
}

func TestFormatDependenciesRaisesIncompatibility(t *testing.T) {
	deps := Dependencies{
		Conda: []DependencyEntry{
			StructuredDependency(Dependency{Name: "cuda-toolkit", Platforms: []string{"linux-64"}, Dependencies: true}),
		},
	}
	if currentPlatformTag() == "linux-64" {
		t.Skip("test requires a non-linux-64 current platform to exercise the incompatibility branch")
	}
	_, _, _, err := FormatDependencies(KindConda, deps, true)
	var incompat *IncompatibilityError
	if !errors.As(err, &incompat) {
		t.Fatalf("expected IncompatibilityError, got %v", err)
	}
}

func TestFormatDependenciesOptionalSkipsIncompatibility(t *testing.T) {
	deps := Dependencies{
		Conda: []DependencyEntry{
			StructuredDependency(Dependency{Name: "cuda-toolkit", Platforms: []string{"some-other-platform"}, Optional: true, Dependencies: true}),
		},
	}
	withDeps, noDeps, nonEmpty, err := FormatDependencies(KindConda, deps, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nonEmpty || len(withDeps) != 0 || len(noDeps) != 0 {
		t.Errorf("expected the optional incompatible dependency to be skipped entirely, got withDeps=%v noDeps=%v", withDeps, noDeps)
	}
}

func TestStripChannel(t *testing.T) {
	cases := map[string]string{
		"conda-forge::numpy==1.2": "numpy==1.2",
		"numpy==1.2":              "numpy==1.2",
		"bioconda::samtools":      "samtools",
	}
	for in, want := range cases {
		if got := StripChannel(in); got != want {
			t.Errorf("StripChannel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSatisfiesConstraint(t *testing.T) {
	cases := []struct {
		installed string
		spec      string
		want      bool
	}{
		{"1.26.0", "numpy==1.26.0", true},
		{"1.26.0", "numpy==1.25.0", false},
		{"1.26.0", "numpy>=1.20,<2", true},
		{"2.1.0", "numpy>=1.20,<2", false},
		{"1.26.3", "numpy~=1.26", true},
		{"2.0.0", "numpy~=1.26", false},
		{"1.2.0", "numpy", true},
	}
	for _, c := range cases {
		got, err := SatisfiesConstraint(c.installed, c.spec)
		if err != nil {
			t.Errorf("SatisfiesConstraint(%q, %q) error: %v", c.installed, c.spec, err)
			continue
		}
		if got != c.want {
			t.Errorf("SatisfiesConstraint(%q, %q) = %v, want %v", c.installed, c.spec, got, c.want)
		}
	}
}

func TestDepsInstalledIn(t *testing.T) {
	deps := Dependencies{
		Python: "3.11",
		Pip:    []DependencyEntry{SimpleDependency("numpy>=1.20")},
	}
	installed := []InstalledPackage{{Name: "numpy", Version: "1.26.0", Kind: KindPyPI}}

	ok, err := DepsInstalledIn(deps, "3.11.4", true, installed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("expected dependencies to be reported as installed")
	}

	ok, err = DepsInstalledIn(deps, "3.9.0", true, installed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected python version mismatch to fail the check")
	}
}

func TestValidatePythonVersion(t *testing.T) {
	if err := ValidatePythonVersion(""); err != nil {
		t.Errorf("empty requested version should be valid, got %v", err)
	}
	if err := ValidatePythonVersion("3.11"); err != nil {
		t.Errorf("3.11 should be valid, got %v", err)
	}
	if err := ValidatePythonVersion("3.9"); err != nil {
		t.Errorf("3.9 (the minimum) should be valid, got %v", err)
	}
	if err := ValidatePythonVersion("=3.9"); err != nil {
		t.Errorf("=3.9 (the minimum with an operator prefix) should be valid, got %v", err)
	}
	var invalid *InvalidPythonVersionError
	if err := ValidatePythonVersion("3.7"); !errors.As(err, &invalid) {
		t.Errorf("expected InvalidPythonVersionError for 3.7, got %v", err)
	}
	if err := ValidatePythonVersion("2.7"); !errors.As(err, &invalid) {
		t.Errorf("expected InvalidPythonVersionError for major version 2, got %v", err)
	}
}

func TestHasDebugpyAndWithDebugpy(t *testing.T) {
	deps := Dependencies{}
	if HasDebugpy(deps) {
		t.Fatalf("expected no debugpy in empty deps")
	}
	withDebug := WithDebugpy(deps)
	if !HasDebugpy(withDebug) {
		t.Errorf("expected debugpy to be present after WithDebugpy")
	}
	// calling again must not duplicate the entry.
	again := WithDebugpy(withDebug)
	if len(again.Conda) != 1 {
		t.Errorf("expected WithDebugpy to be idempotent, got %d conda entries", len(again.Conda))
	}
}

func TestWithWorkerRuntimeDepsIdempotent(t *testing.T) {
	deps := Dependencies{Pip: []DependencyEntry{SimpleDependency("msgpack==1.0.0")}}
	out := WithWorkerRuntimeDeps(deps)
	if len(out.Pip) != 1 {
		t.Errorf("expected msgpack already present to not be duplicated, got %v", out.Pip)
	}

	out2 := WithWorkerRuntimeDeps(Dependencies{})
	if len(out2.Pip) != 1 || out2.Pip[0].Simple != "msgpack" {
		t.Errorf("expected msgpack to be injected, got %v", out2.Pip)
	}
}
