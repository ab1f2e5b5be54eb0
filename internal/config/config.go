package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

// Config models stagegate.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// AllowAccountHeader trusts X-Account-Id when no bearer token is sent.
		AllowAccountHeader bool `yaml:"allow_account_header"`
	} `yaml:"server"`
	Database struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Redis struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Workstreams []WorkstreamSeed `yaml:"workstreams"`
}

// WorkstreamSeed is a workstream applied at startup or by `sg workstream import`.
type WorkstreamSeed struct {
	ID          string                                     `yaml:"id"`
	Name        string                                     `yaml:"name"`
	Description string                                     `yaml:"description"`
	Gates       map[domain.StageKey][]domain.ApprovalRound `yaml:"gates"`
	Assignments []AssignmentSeed                           `yaml:"assignments"`
}

type AssignmentSeed struct {
	AccountID   string `yaml:"account_id"`
	AccountName string `yaml:"account_name"`
	Role        string `yaml:"role"`
}

// Workstream converts the seed into domain values.
func (s WorkstreamSeed) Workstream() (domain.Workstream, []domain.RoleAssignment) {
	ws := domain.Workstream{ID: s.ID, Name: s.Name, Description: s.Description, Gates: s.Gates}
	assignments := make([]domain.RoleAssignment, 0, len(s.Assignments))
	for _, a := range s.Assignments {
		assignments = append(assignments, domain.RoleAssignment{
			WorkstreamID: s.ID,
			AccountID:    a.AccountID,
			AccountName:  a.AccountName,
			Role:         a.Role,
		})
	}
	return ws, assignments
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// Default returns a runnable SQLite configuration.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Workspace == "" {
		c.Database.Workspace = "."
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "stagegate:events"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	seen := map[string]bool{}
	for i, ws := range c.Workstreams {
		if ws.ID == "" {
			return fmt.Errorf("config.workstreams[%d].id is required", i)
		}
		if seen[ws.ID] {
			return fmt.Errorf("workstream %s is declared twice", ws.ID)
		}
		seen[ws.ID] = true
		if strings.TrimSpace(ws.Name) == "" {
			return fmt.Errorf("workstream %s has no name", ws.ID)
		}
		if err := engine.ValidateGates(ws.Gates); err != nil {
			return fmt.Errorf("workstream %s: %w", ws.ID, err)
		}
		for _, a := range ws.Assignments {
			if a.AccountID == "" || a.Role == "" {
				return fmt.Errorf("workstream %s has an assignment without account_id or role", ws.ID)
			}
		}
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

// ParseWorkstreams reads a standalone list of workstream seeds.
func ParseWorkstreams(data []byte) ([]WorkstreamSeed, error) {
	var doc struct {
		Workstreams []WorkstreamSeed `yaml:"workstreams"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid workstream yaml: %w", err)
	}
	cfg := Default()
	cfg.Workstreams = doc.Workstreams
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return doc.Workstreams, nil
}
