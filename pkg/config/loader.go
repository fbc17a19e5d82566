package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STORYBOARD_DB_PATH.
const EnvPrefix = "STORYBOARD_"

// Load builds the configuration from defaults, the optional file at path
// and environment overrides, then validates it. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile merges the file at path into cfg. The format follows the extension.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	schema, err := NewSchema()
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return decodeYAML(schema, path, data, cfg)
	case ".cue":
		return decodeCUE(schema, path, data, cfg)
	default:
		return fmt.Errorf("unsupported config file extension %q (use .yaml, .yml or .cue)", ext)
	}
}

func decodeYAML(schema *Schema, path string, data []byte, cfg *Config) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc == nil {
		// Empty file.
		return nil
	}

	if _, err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func decodeCUE(schema *Schema, path string, data []byte, cfg *Config) error {
	val, err := schema.CompileCUE(path, data)
	if err != nil {
		return err
	}

	// JSON is valid YAML, and the YAML decoder understands duration strings.
	out, err := val.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", path, err)
	}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with STORYBOARD_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.Database.Mode(); err != nil {
		return fmt.Errorf("invalid configuration: database.file_mode: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}

	return nil
}
