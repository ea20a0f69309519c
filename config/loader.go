package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "EVENTMESH_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
	// envNesting separates nesting levels in environment variable names.
	envNesting = "__"

	compensationKey = "saga.compensation_handlers"
)

// Loader handles configuration loading from various sources.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		k: koanf.New(Delimiter),
	}
}

// Load loads configuration with the following priority, highest first:
// command line overrides, environment variables, configuration file, defaults.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.k = koanf.New(Delimiter)

	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := l.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		l.loadDefaultFiles()
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	if err := l.fillDefaults(); err != nil {
		return nil, fmt.Errorf("failed to fill defaults: %w", err)
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	handlers, err := decodeCompensationHandlers(l.k.Get(compensationKey))
	if err != nil {
		return nil, err
	}
	cfg.Saga.CompensationHandlers = handlers

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults loads the default configuration as a flat key map.
func (l *Loader) loadDefaults() error {
	return l.k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil)
}

// loadFile loads configuration from a YAML or JSON file.
func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}

	return l.k.Load(file.Provider(path), parser)
}

// loadDefaultFiles tries to load config from standard locations.
func (l *Loader) loadDefaultFiles() {
	candidates := []string{
		"eventmesh.yaml",
		"eventmesh.yml",
		"eventmesh.json",
		"configs/eventmesh.yaml",
		"/etc/eventmesh/eventmesh.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = l.loadFile(path)
			return
		}
	}
}

// loadEnv loads environment variables. A double underscore marks nesting:
// EVENTMESH_SAGA__RETRY_ATTEMPTS -> saga.retry_attempts.
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(EnvPrefix, Delimiter, func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, envNesting, Delimiter)
	}), nil)
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.k.Get(key)
}

// GetString returns a string configuration value.
func (l *Loader) GetString(key string) string {
	return l.k.String(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) error {
	return l.k.Set(key, value)
}

// fillDefaults re-applies defaults for any key a later source cleared.
func (l *Loader) fillDefaults() error {
	for key, value := range structToMap(DefaultConfig(), "") {
		if l.k.Get(key) == nil {
			if err := l.k.Set(key, value); err != nil {
				return fmt.Errorf("failed to set default for %s: %w", key, err)
			}
		}
	}
	return nil
}

// decodeCompensationHandlers flattens the raw compensation_handlers value.
// koanf splits "payment.failed" into nested maps, so nested keys are joined
// back with the delimiter. A list of {event, action} pairs is accepted too.
func decodeCompensationHandlers(raw interface{}) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case nil:
		return out, nil
	case map[string]interface{}:
		if err := flattenHandlers("", v, out); err != nil {
			return nil, err
		}
	case map[string]string:
		for event, action := range v {
			out[event] = action
		}
	case []interface{}:
		for i, item := range v {
			entry, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected a map with event and action", compensationKey, i)
			}
			event, _ := entry["event"].(string)
			action, _ := entry["action"].(string)
			if event == "" || action == "" {
				return nil, fmt.Errorf("%s[%d]: event and action are required", compensationKey, i)
			}
			out[event] = action
		}
	default:
		return nil, fmt.Errorf("%s: unsupported value type %T", compensationKey, raw)
	}
	return out, nil
}

func flattenHandlers(prefix string, m map[string]interface{}, out map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + Delimiter + k
		}
		switch v := m[k].(type) {
		case string:
			out[key] = v
		case map[string]interface{}:
			if err := flattenHandlers(key, v, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s.%s: action id must be a string, got %T", compensationKey, key, v)
		}
	}
	return nil
}

// structToMap converts a struct to a flat map with dot-separated keys taken
// from mapstructure tags. Fields tagged "-" are skipped.
func structToMap(v interface{}, prefix string) map[string]interface{} {
	result := make(map[string]interface{})
	val := reflect.ValueOf(v)

	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return result
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)

		if !field.IsExported() {
			continue
		}
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + Delimiter + key
		}

		switch fieldVal.Kind() {
		case reflect.Ptr:
			if !fieldVal.IsNil() {
				for k, v := range structToMap(fieldVal.Elem().Interface(), key) {
					result[k] = v
				}
			}
		case reflect.Struct:
			for k, v := range structToMap(fieldVal.Interface(), key) {
				result[k] = v
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			result[key] = fieldVal.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			result[key] = fieldVal.Uint()
		case reflect.Float32, reflect.Float64:
			result[key] = fieldVal.Float()
		case reflect.Bool:
			result[key] = fieldVal.Bool()
		case reflect.String:
			result[key] = fieldVal.String()
		case reflect.Slice:
			slice := make([]interface{}, fieldVal.Len())
			for j := range slice {
				slice[j] = fieldVal.Index(j).Interface()
			}
			result[key] = slice
		case reflect.Map:
			if fieldVal.Len() > 0 {
				result[key] = fieldVal.Interface()
			}
		default:
			result[key] = fieldVal.Interface()
		}
	}

	return result
}

// Print prints the loaded configuration for debugging.
func (l *Loader) Print() string {
	return l.k.Sprint()
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
