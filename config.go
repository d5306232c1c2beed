package semql

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config represents the semql project configuration (semql.yaml)
type Config struct {
	Dialect    string              `yaml:"dialect"`
	Catalog    string              `yaml:"catalog"`
	Schema     string              `yaml:"schema"`
	Manifest   string              `yaml:"manifest"` // path to the manifest JSON
	Databases  map[string]Database `yaml:"databases"`
	Planner    PlannerConfig       `yaml:"planner"`
	Validation ValidationConfig    `yaml:"validation"`
}

// Database represents database connection configuration for the query command
type Database struct {
	Driver     string `yaml:"driver"`
	Connection string `yaml:"connection"`
}

// PlannerConfig represents planning settings
type PlannerConfig struct {
	// DynamicFields selects narrow CTE projection. Pointer to distinguish
	// between unset and false; nil means enabled.
	DynamicFields *bool `yaml:"dynamic_fields"`
}

// DynamicFieldsEnabled returns true unless dynamic_fields: false is set.
func (p *PlannerConfig) DynamicFieldsEnabled() bool {
	return p.DynamicFields == nil || *p.DynamicFields
}

// ValidationConfig represents validation settings. Custom rules are CEL
// predicates evaluated against the manifest shape.
type ValidationConfig struct {
	Strict bool         `yaml:"strict"`
	Rules  []CustomRule `yaml:"rules"`
}

// CustomRule is a named CEL predicate over the manifest.
type CustomRule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message,omitempty"`
}

// LoadConfig loads semql.yaml, applying .env beforehand so connection strings
// can reference environment variables.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigValidation, err)
	}

	for name, db := range config.Databases {
		db.Connection = os.ExpandEnv(db.Connection)
		config.Databases[name] = db
	}

	if config.Dialect != "" {
		if _, ok := ParseDialect(config.Dialect); !ok {
			return nil, fmt.Errorf("%w: dialect %q", ErrConfigValidation, config.Dialect)
		}
	}

	for i, rule := range config.Validation.Rules {
		if rule.Name == "" || rule.Expression == "" {
			return nil, fmt.Errorf("%w: validation rule #%d needs name and expression", ErrConfigValidation, i)
		}
	}

	return &config, nil
}

// DefaultConfig returns the configuration used when no semql.yaml exists.
func DefaultConfig() *Config {
	return &Config{Dialect: string(DialectPostgres)}
}
