package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Defaults.MaxRounds != 5 {
		t.Fatalf("max_rounds = %d", cfg.Defaults.MaxRounds)
	}
	if cfg.Defaults.ConvergenceThreshold != 0.15 {
		t.Fatalf("convergence_threshold = %g", cfg.Defaults.ConvergenceThreshold)
	}
	if cfg.Constraints.BudgetCeiling != 5e9 {
		t.Fatalf("budget_ceiling = %g", cfg.Constraints.BudgetCeiling)
	}
	if len(cfg.Departments) != 6 {
		t.Fatalf("departments = %d", len(cfg.Departments))
	}
	if len(cfg.Issues) != 3 {
		t.Fatalf("issues = %d", len(cfg.Issues))
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.DepartmentCodes(); got[0] != "finance" || got[1] != "legal" {
		t.Fatalf("department order = %v", got)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "cab config init") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Defaults.MaxRounds != 5 {
		t.Fatalf("fallback config = %+v", cfg.Defaults)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	data := strings.Replace(GenerateDefault(), "max_rounds: 5", "max_rounds: 2", 1)
	if err := os.WriteFile(filepath.Join(ws, "cabinet.yml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(ws)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Defaults.MaxRounds != 2 {
		t.Fatalf("max_rounds = %d, want 2", cfg.Defaults.MaxRounds)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero rounds", func(c *Config) { c.Defaults.MaxRounds = 0 }, "max_rounds"},
		{"threshold too high", func(c *Config) { c.Defaults.ConvergenceThreshold = 1.5 }, "convergence_threshold"},
		{"threshold zero", func(c *Config) { c.Defaults.ConvergenceThreshold = 0 }, "convergence_threshold"},
		{"no ceiling", func(c *Config) { c.Constraints.BudgetCeiling = 0 }, "budget_ceiling"},
		{"single department", func(c *Config) { c.Departments = c.Departments[:1] }, "at least two"},
		{"duplicate code", func(c *Config) { c.Departments[1].Code = "finance" }, "duplicate"},
		{"missing legal", func(c *Config) { c.Departments[1].Code = "justice" }, "legal"},
		{"missing finance", func(c *Config) { c.Departments[0].Code = "treasury" }, "finance"},
		{"empty risk category", func(c *Config) { c.Departments[2].RiskCategory = "" }, "risk_category"},
		{"bad urgency", func(c *Config) { c.Issues[0].Urgency = "severe" }, "urgency"},
		{"unknown sector", func(c *Config) { c.Issues[0].Sectors = []string{"transport"} }, "unknown department"},
		{"issue without title", func(c *Config) { c.Issues[0].Title = "" }, "id and title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestFindIssueAndDepartment(t *testing.T) {
	cfg := Default()
	issue, ok := cfg.FindIssue("flood-defense")
	if !ok || issue.Urgency != "critical" {
		t.Fatalf("FindIssue = %+v, %t", issue, ok)
	}
	if _, ok := cfg.FindIssue("missing"); ok {
		t.Fatal("unknown issue should not be found")
	}
	dept, ok := cfg.FindDepartment("legal")
	if !ok || dept.FeasibilityAspect != "technical" {
		t.Fatalf("FindDepartment = %+v, %t", dept, ok)
	}
	if got := cfg.IssueCatalog(); len(got) != 3 || got[0].ID != "transit-expansion" {
		t.Fatalf("IssueCatalog = %+v", got)
	}
}

func TestStageTimeoutDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.Defaults.StageTimeoutSeconds = 0
	if cfg.StageTimeout().Seconds() != 30 {
		t.Fatalf("timeout = %v", cfg.StageTimeout())
	}
	cfg.Defaults.StageTimeoutSeconds = 5
	if cfg.StageTimeout().Seconds() != 5 {
		t.Fatalf("timeout = %v", cfg.StageTimeout())
	}
}
