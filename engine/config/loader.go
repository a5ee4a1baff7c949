package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Load reads flapi.yaml at path, overlays FLAPI_-prefixed environment
// variables and validates the result. Paths inside the config stay relative;
// resolution happens against BasePath so reloads behave identically
// regardless of the process working directory.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", abs, err)
	}
	cfg.basePath = filepath.Dir(abs)
	if err := overlayEnvironment(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	rebaseConnectionProperties(cfg)
	if err := validateRoot(cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// overlayEnvironment merges FLAPI_SERVER_PORT-style variables over the file
// values. The first underscore-delimited token selects the section, the rest
// keeps underscores as the field name.
func overlayEnvironment(cfg *Config) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return fmt.Errorf("load config defaults: %w", err)
	}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: "FLAPI_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, "FLAPI_")
			return transformEnvKey(key), value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("load environment overrides: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}

// transformEnvKey converts SERVER_PORT to server.port and
// DUCKLAKE_METADATA_PATH to ducklake.metadata_path.
func transformEnvKey(s string) string {
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// rebaseConnectionProperties rewrites relative file-path property values so
// the conn. template scope always hands absolute paths to SQL.
func rebaseConnectionProperties(cfg *Config) {
	for name, conn := range cfg.Conns {
		for key, value := range conn.Properties {
			if value == "" || filepath.IsAbs(value) {
				continue
			}
			candidate := filepath.Join(cfg.basePath, value)
			if _, err := os.Stat(candidate); err == nil {
				conn.Properties[key] = candidate
			}
		}
		cfg.Conns[name] = conn
	}
}
