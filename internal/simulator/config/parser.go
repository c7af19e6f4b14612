package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaDocument []byte

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

// Defaults applied by ApplyDefaults.
const (
	DefaultLogLevel   = "info"
	DefaultInterfaces = "tap"
	DefaultGrace      = 10 * time.Second
	DefaultTimeout    = 30 * time.Second
)

// DefaultDatabasePath returns the profile database location under the
// user's home directory.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mailsim", "profiles.db")
	}
	return filepath.Join(home, ".mailsim", "profiles.db")
}

// LoadConfig loads a configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//   - .toml -> TOML
//
// The document is checked against the embedded JSON Schema, decoded and
// given defaults. Semantic checks are left to Validate.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data, path)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.BaseDir = filepath.Dir(abs)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*Config, error) {
	var config Config

	ext := strings.ToLower(filepath.Ext(path))
	if err := validateDocument(data, ext); err != nil {
		return nil, err
	}

	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// validateDocument checks the raw document against the embedded schema.
// YAML and TOML are converted to their JSON data model first.
func validateDocument(data []byte, ext string) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	doc, err := decodeDocument(data, ext)
	if err != nil {
		return err
	}

	if err := schema.Validate(doc); err != nil {
		errs := &ValidationErrors{}
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			collectSchemaErrors(ve, errs)
		}
		if !errs.HasErrors() {
			errs.Add("", err.Error())
		}
		return errs
	}
	return nil
}

// decodeDocument returns the JSON data model of a raw document.
func decodeDocument(data []byte, ext string) (interface{}, error) {
	var doc interface{}
	if ext == ".json" {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return doc, nil
	}

	var raw interface{}
	if ext == ".toml" {
		var table map[string]interface{}
		if _, err := toml.Decode(string(data), &table); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		raw = table
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Round-trip through encoding/json so numbers and maps have the
	// types the validator expects.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return doc, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaDocument)); err != nil {
			compiledSchemaErr = fmt.Errorf("invalid config schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("schema.json")
	})
	return compiledSchema, compiledSchemaErr
}

// collectSchemaErrors flattens the leaves of a schema validation error.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		field := strings.TrimPrefix(strings.ReplaceAll(err.InstanceLocation, "/", "."), ".")
		errs.Add(field, err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var seconds int
	if _, err := fmt.Sscanf(s, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults applies default values to a Config.
func ApplyDefaults(config *Config) {
	if config.Options.Database == "" {
		config.Options.Database = DefaultDatabasePath()
	} else {
		config.Options.Database = expandHome(config.Options.Database)
	}
	if config.Options.LogLevel == "" {
		config.Options.LogLevel = DefaultLogLevel
	}
	if config.Options.Interfaces == "" {
		config.Options.Interfaces = DefaultInterfaces
	}
	if config.Options.Grace == 0 {
		config.Options.Grace = Duration(DefaultGrace)
	}
	if config.Options.Timeout == 0 {
		config.Options.Timeout = Duration(DefaultTimeout)
	}

	for i := range config.Servers {
		srv := &config.Servers[i]
		if srv.Realm == "" {
			srv.Realm = srv.Domain
		}
	}

	for i := range config.Scenarios {
		for j := range config.Scenarios[i].Cases {
			c := &config.Scenarios[i].Cases[j]
			if c.Body == nil {
				c.Body = &BodyConfig{Type: BodyNone}
			}
		}
	}
}

// Server returns the server named name.
func (c *Config) Server(name string) (*ServerConfig, error) {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("server %q is not configured", name)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
