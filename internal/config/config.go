package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cabinet/internal/domain"
)

// Config models cabinet.yml.
type Config struct {
	Defaults struct {
		MaxRounds            int     `yaml:"max_rounds"`
		ConvergenceThreshold float64 `yaml:"convergence_threshold"`
		Model                string  `yaml:"model"`
		Temperature          float64 `yaml:"temperature"`
		EnableSearch         bool    `yaml:"enable_search"`
		EnableSentiment      bool    `yaml:"enable_sentiment"`
		StageTimeoutSeconds  int     `yaml:"stage_timeout_seconds"`
	} `yaml:"defaults"`
	Constraints struct {
		BudgetCeiling float64 `yaml:"budget_ceiling"`
	} `yaml:"constraints"`
	Departments []Department    `yaml:"departments"`
	Issues      []Issue         `yaml:"issues"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

// Department profiles one department actor.
type Department struct {
	Code              string   `yaml:"code"`
	Name              string   `yaml:"name"`
	Mission           string   `yaml:"mission"`
	RiskCategory      string   `yaml:"risk_category"`
	FeasibilityAspect string   `yaml:"feasibility_aspect"`
	Topics            []string `yaml:"topics"`
}

// Issue is the catalog form of a policy issue.
type Issue struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Background  string   `yaml:"background"`
	Urgency     string   `yaml:"urgency"`
	Sectors     []string `yaml:"sectors"`
}

// WebhookConfig describes one event-forwarding target.
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled"`
}

// StageTimeout returns the per-stage actor join timeout.
func (c *Config) StageTimeout() time.Duration {
	if c.Defaults.StageTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Defaults.StageTimeoutSeconds) * time.Second
}

// RunDefaults returns the default per-run configuration.
func (c *Config) RunDefaults() domain.RunConfig {
	return domain.RunConfig{
		MaxRounds:            c.Defaults.MaxRounds,
		ConvergenceThreshold: c.Defaults.ConvergenceThreshold,
		Model:                c.Defaults.Model,
		Temperature:          c.Defaults.Temperature,
		EnableSearch:         c.Defaults.EnableSearch,
		EnableSentiment:      c.Defaults.EnableSentiment,
	}
}

// FindIssue returns the catalog issue with the given id.
func (c *Config) FindIssue(id string) (domain.Issue, bool) {
	for _, it := range c.Issues {
		if it.ID == id {
			return domain.Issue{
				ID:          it.ID,
				Title:       it.Title,
				Description: it.Description,
				Background:  it.Background,
				Urgency:     it.Urgency,
				Sectors:     append([]string(nil), it.Sectors...),
			}, true
		}
	}
	return domain.Issue{}, false
}

// IssueCatalog returns every catalog issue in declaration order.
func (c *Config) IssueCatalog() []domain.Issue {
	out := make([]domain.Issue, 0, len(c.Issues))
	for _, it := range c.Issues {
		issue, _ := c.FindIssue(it.ID)
		out = append(out, issue)
	}
	return out
}

// DepartmentCodes returns the roster codes in declaration order.
func (c *Config) DepartmentCodes() []string {
	codes := make([]string, 0, len(c.Departments))
	for _, d := range c.Departments {
		codes = append(codes, d.Code)
	}
	return codes
}

// FindDepartment returns the profile for a department code.
func (c *Config) FindDepartment(code string) (Department, bool) {
	for _, d := range c.Departments {
		if d.Code == code {
			return d, true
		}
	}
	return Department{}, false
}

var validUrgencies = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.MaxRounds < 1 {
		return fmt.Errorf("config.defaults.max_rounds must be >= 1")
	}
	if c.Defaults.ConvergenceThreshold <= 0 || c.Defaults.ConvergenceThreshold > 1 {
		return fmt.Errorf("config.defaults.convergence_threshold must be in (0,1]")
	}
	if c.Constraints.BudgetCeiling <= 0 {
		return fmt.Errorf("config.constraints.budget_ceiling must be positive")
	}
	if len(c.Departments) < 2 {
		return fmt.Errorf("config.departments needs at least two departments")
	}
	seen := map[string]bool{}
	for _, d := range c.Departments {
		if d.Code == "" {
			return fmt.Errorf("config.departments contains empty code")
		}
		if seen[d.Code] {
			return fmt.Errorf("duplicate department code %s", d.Code)
		}
		seen[d.Code] = true
		if d.RiskCategory == "" || d.FeasibilityAspect == "" {
			return fmt.Errorf("department %s needs risk_category and feasibility_aspect", d.Code)
		}
	}
	if _, ok := seen["legal"]; !ok {
		return fmt.Errorf("config.departments must include the legal department")
	}
	if _, ok := seen["finance"]; !ok {
		return fmt.Errorf("config.departments must include the finance department")
	}
	for _, it := range c.Issues {
		if it.ID == "" || it.Title == "" {
			return fmt.Errorf("issue entries need id and title")
		}
		if !validUrgencies[it.Urgency] {
			return fmt.Errorf("issue %s has invalid urgency %q", it.ID, it.Urgency)
		}
		for _, s := range it.Sectors {
			if !seen[s] {
				return fmt.Errorf("issue %s references unknown department %s", it.ID, s)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cabinet.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cab config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `defaults:
  max_rounds: 5
  convergence_threshold: 0.15
  model: rulebook
  temperature: 0.7
  enable_search: false
  enable_sentiment: false
  stage_timeout_seconds: 30

constraints:
  budget_ceiling: 5e9

departments:
  - code: finance
    name: Finance Department
    mission: "Keep spending sustainable and budgets credible"
    risk_category: financial
    feasibility_aspect: financial
    topics: [financial]

  - code: legal
    name: Legal Affairs Office
    mission: "Ensure every measure rests on a sound legal basis"
    risk_category: legal
    feasibility_aspect: technical
    topics: [legal]

  - code: planning
    name: Planning Bureau
    mission: "Align new policy with long-term development plans"
    risk_category: operational
    feasibility_aspect: timeline
    topics: [timeline, financial]

  - code: industry
    name: Industry Bureau
    mission: "Grow local industry and ease compliance burden"
    risk_category: operational
    feasibility_aspect: resource
    topics: [resource, financial]

  - code: environment
    name: Environment Bureau
    mission: "Protect the environment and push sustainable options"
    risk_category: social
    feasibility_aspect: technical
    topics: [social]

  - code: security
    name: Public Security Bureau
    mission: "Keep implementation safe and orderly"
    risk_category: operational
    feasibility_aspect: resource
    topics: [operational, social]

issues:
  - id: transit-expansion
    title: "Expand the metropolitan transit network"
    description: "Build three new rapid-transit lines to relieve congestion in the eastern districts."
    background: "Average commute times grew 18% over five years; road capacity is exhausted."
    urgency: high
    sectors: [finance, planning, industry, environment]

  - id: data-privacy-act
    title: "Municipal data privacy regulation"
    description: "Introduce binding rules for how city services collect and retain resident data."
    background: "Several incidents of over-collection were reported by the city auditor."
    urgency: medium
    sectors: [legal, industry, security]

  - id: flood-defense
    title: "Emergency flood defense upgrade"
    description: "Reinforce river embankments and upgrade pumping stations before the wet season."
    background: "Last season's floods displaced 12,000 residents."
    urgency: critical
    sectors: [finance, planning, environment, security]
`
