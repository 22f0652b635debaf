package userconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.SensitiveGlobs) != len(defaultSensitiveGlobs) {
		t.Fatalf("SensitiveGlobs = %v, want the defaults", cfg.SensitiveGlobs)
	}
	if cfg.Resolution.MaxConflictsForLLM != 50 {
		t.Errorf("MaxConflictsForLLM = %d, want 50", cfg.Resolution.MaxConflictsForLLM)
	}
}

func TestLoadFrom_DeepMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
sensitive_globs:
  - "vault/*"
resolution:
  disable_llm: true
  auto_apply_threshold: 0.9
file_policies:
  "*.generated.go": "regenerate"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.SensitiveGlobs) != 1 || cfg.SensitiveGlobs[0] != "vault/*" {
		t.Errorf("SensitiveGlobs = %v, want [vault/*]", cfg.SensitiveGlobs)
	}
	if !cfg.Resolution.DisableLLM {
		t.Error("expected DisableLLM to be true")
	}
	if cfg.Resolution.AutoApplyThreshold != 0.9 {
		t.Errorf("AutoApplyThreshold = %v, want 0.9", cfg.Resolution.AutoApplyThreshold)
	}
	// Untouched default survives the merge.
	if cfg.Resolution.MaxConflictsForLLM != 50 {
		t.Errorf("MaxConflictsForLLM = %d, want 50 (untouched default)", cfg.Resolution.MaxConflictsForLLM)
	}
	policy, ok := cfg.FilePolicy("foo.generated.go")
	if !ok || policy != "regenerate" {
		t.Errorf("FilePolicy(foo.generated.go) = %q, %v", policy, ok)
	}
}

func TestIsSensitivePath(t *testing.T) {
	cfg := &Config{SensitiveGlobs: []string{"secrets/*", "*.pem", ".env*", "*credential*"}}

	cases := map[string]bool{
		"secrets/db.txt":     true,
		"config/tls.pem":     true,
		".env.production":    true,
		"aws_credential.json": true,
		"internal/main.go":   false,
	}
	for path, want := range cases {
		if got := cfg.IsSensitivePath(path); got != want {
			t.Errorf("IsSensitivePath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestGeneratedPolicy_NoMatchReturnsFalse(t *testing.T) {
	cfg := &Config{GeneratedFiles: map[string]string{"*.pb.go": "regenerate"}}
	if _, ok := cfg.GeneratedPolicy("main.go"); ok {
		t.Error("expected no match for main.go")
	}
	policy, ok := cfg.GeneratedPolicy("types.pb.go")
	if !ok || policy != "regenerate" {
		t.Errorf("GeneratedPolicy(types.pb.go) = %q, %v", policy, ok)
	}
}
