package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgeos.build/internal/core/domain"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forged.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %s, want 8080", cfg.HTTPPort)
	}
	if cfg.AcquireTimeout != 10*time.Minute {
		t.Errorf("AcquireTimeout = %v, want 10m", cfg.AcquireTimeout)
	}
	if cfg.Catalog.ReferenceTarget != "os-main" {
		t.Errorf("ReferenceTarget = %s, want os-main", cfg.Catalog.ReferenceTarget)
	}
	// Every flavor exists in both privilege variants.
	if len(cfg.Catalog.Templates) != 8 {
		t.Errorf("%d templates, want 8", len(cfg.Catalog.Templates))
	}
	for _, tpl := range cfg.Catalog.Templates {
		if tpl.SingleUse != tpl.Privileged {
			t.Errorf("template %s: single_use should track privilege by default", tpl.Key())
		}
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := writeCatalog(t, `
reference_target: os-release
source_provider: repo-sync
templates:
  - flavor: gentoo
    privileged: false
    max_concurrent: 3
  - flavor: gentoo
    privileged: true
    max_concurrent: 2
    single_use: true
targets:
  - id: repo-sync
    name: source tree synchronization
    repository: https://git.example.invalid/manifest
    branch: master
    flavor: gentoo
    kinds: [source_snapshot]
  - id: os-release
    name: release build
    repository: https://git.example.invalid/manifest
    branch: release
    flavor: gentoo
schedules:
  - name: nightly
    target: os-release
    days_of_week: [1, 2, 3, 4, 5]
    hour: 1
    minute: 30
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Catalog.ReferenceTarget != "os-release" {
		t.Errorf("ReferenceTarget = %s, want os-release", cfg.Catalog.ReferenceTarget)
	}
	if len(cfg.Catalog.Templates) != 2 {
		t.Fatalf("%d templates, want 2 (YAML replaces defaults)", len(cfg.Catalog.Templates))
	}
	if cfg.Catalog.Templates[1].MaxConcurrent != 2 || !cfg.Catalog.Templates[1].SingleUse {
		t.Errorf("privileged template = %+v", cfg.Catalog.Templates[1])
	}
	if len(cfg.Catalog.Schedules) != 1 || cfg.Catalog.Schedules[0].Hour != 1 {
		t.Errorf("schedules = %+v", cfg.Catalog.Schedules)
	}

	targets := cfg.Catalog.BuildTargets()
	if len(targets) != 2 {
		t.Fatalf("%d targets, want 2", len(targets))
	}
	if got := targets[0].Chain(); len(got) != 1 || got[0] != domain.KindSourceSnapshot {
		t.Errorf("repo-sync chain = %v", got)
	}
	if got := targets[1].Chain(); len(got) != len(domain.KindChain) {
		t.Errorf("os-release should default to the full chain, got %v", got)
	}
}

func TestLoadRejectsInvalidCatalog(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
	}{
		{
			name: "duplicate template",
			catalog: `
templates:
  - flavor: gentoo
    max_concurrent: 1
  - flavor: gentoo
    max_concurrent: 2
`,
		},
		{
			name: "zero concurrency",
			catalog: `
templates:
  - flavor: gentoo
    max_concurrent: 0
`,
		},
		{
			name: "schedule references unknown target",
			catalog: `
schedules:
  - name: nightly
    target: ghost
    hour: 1
    minute: 0
`,
		},
		{
			name: "schedule with invalid time",
			catalog: `
schedules:
  - name: nightly
    target: os-main
    hour: 24
    minute: 0
`,
		},
		{
			name: "reference target not declared",
			catalog: `
reference_target: ghost
`,
		},
		{
			name: "target with unknown kind",
			catalog: `
targets:
  - id: repo-sync
    repository: https://git.example.invalid/manifest
    branch: master
    flavor: debian-sid
    kinds: [source_snapshto]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFrom(writeCatalog(t, tt.catalog)); err == nil {
				t.Errorf("expected a validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGED_HTTP_PORT", "9999")
	t.Setenv("FORGED_EXECUTORS", "8")
	t.Setenv("FORGED_IDLE_HORIZON", "5m")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.HTTPPort != "9999" {
		t.Errorf("HTTPPort = %s, want 9999", cfg.HTTPPort)
	}
	if cfg.Executors != 8 {
		t.Errorf("Executors = %d, want 8", cfg.Executors)
	}
	if cfg.IdleHorizon != 5*time.Minute {
		t.Errorf("IdleHorizon = %v, want 5m", cfg.IdleHorizon)
	}
}
