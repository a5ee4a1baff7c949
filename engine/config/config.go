// Package config holds the typed model behind flapi.yaml and the endpoint
// template tree, the loader that turns YAML on disk into the live routing
// plane, and the snapshot store handlers read from.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the root configuration parsed from flapi.yaml.
type Config struct {
	ProjectName        string `yaml:"project_name"        koanf:"project_name"`
	ProjectDescription string `yaml:"project_description" koanf:"project_description"`

	Server    ServerConfig                `yaml:"server"      koanf:"server"`
	HTTPS     HTTPSConfig                 `yaml:"https"       koanf:"https"`
	DuckDB    EngineConfig                `yaml:"duckdb"      koanf:"duckdb"`
	DuckLake  DuckLakeConfig              `yaml:"ducklake"    koanf:"ducklake"`
	Template  TemplateConfig              `yaml:"template"    koanf:"template"`
	Heartbeat GlobalHeartbeatConfig       `yaml:"heartbeat"   koanf:"heartbeat"`
	RateLimit RateLimitConfig             `yaml:"rate-limit"  koanf:"rate_limit"`
	Auth      AuthConfig                  `yaml:"auth"        koanf:"auth"`
	Conns     map[string]ConnectionConfig `yaml:"connections" koanf:"connections"`

	// basePath is the absolute directory of the loaded flapi.yaml; every
	// relative path in the file resolves against it, on initial load and on
	// every reload.
	basePath string
}

// ServerConfig holds the HTTP bind settings.
type ServerConfig struct {
	Host string `yaml:"host" koanf:"host"`
	Port int    `yaml:"port" koanf:"port" validate:"gte=0,lte=65535"`
}

// HTTPSConfig enables TLS serving. Both paths are required when enabled.
type HTTPSConfig struct {
	Enabled  bool   `yaml:"enabled"  koanf:"enabled"`
	CertFile string `yaml:"cert-file" koanf:"cert_file"`
	KeyFile  string `yaml:"key-file"  koanf:"key_file"`
}

// EngineConfig tunes the embedded analytical engine.
type EngineConfig struct {
	DBPath string `yaml:"db_path" koanf:"db_path"`
	// Settings are passed verbatim to the engine at open time
	// (threads, memory_limit, ...).
	Settings map[string]string `yaml:"settings" koanf:"settings"`
}

// DuckLakeConfig carries the lake-catalog attach parameters.
type DuckLakeConfig struct {
	Enabled              bool   `yaml:"enabled"                 koanf:"enabled"`
	Alias                string `yaml:"alias"                   koanf:"alias"`
	MetadataPath         string `yaml:"metadata_path"           koanf:"metadata_path"`
	DataPath             string `yaml:"data_path"               koanf:"data_path"`
	DataInliningRowLimit *int   `yaml:"data_inlining_row_limit" koanf:"data_inlining_row_limit"`
	OverrideDataPath     bool   `yaml:"override_data_path"      koanf:"override_data_path"`
}

// TemplateConfig points at the endpoint template tree and gates which
// environment variables templates may read.
type TemplateConfig struct {
	Path                 string   `yaml:"path"                  koanf:"path"`
	EnvironmentWhitelist []string `yaml:"environment-whitelist" koanf:"environment_whitelist"`
}

// GlobalHeartbeatConfig controls the background worker.
type GlobalHeartbeatConfig struct {
	Enabled bool `yaml:"enabled" koanf:"enabled"`
	// WorkerInterval is the loop tick in seconds.
	WorkerInterval     int    `yaml:"worker-interval"     koanf:"worker_interval"`
	CompactionSchedule string `yaml:"compaction-schedule" koanf:"compaction_schedule"`
}

// ConnectionConfig describes a named engine connection profile. Properties
// are exposed to templates under the conn. scope with relative file paths
// rebased against the config's base directory.
type ConnectionConfig struct {
	Init          string            `yaml:"init"           koanf:"init"`
	Properties    map[string]string `yaml:"properties"     koanf:"properties"`
	LogQueries    bool              `yaml:"log-queries"    koanf:"log_queries"`
	LogParameters bool              `yaml:"log-parameters" koanf:"log_parameters"`
}

// BasePath returns the absolute directory of the loaded flapi.yaml.
func (c *Config) BasePath() string { return c.basePath }

// TemplateDir returns the absolute endpoint template directory.
func (c *Config) TemplateDir() string {
	return c.resolvePath(c.Template.Path)
}

// WorkerInterval returns the heartbeat tick as a duration (default 10s).
func (c *Config) WorkerInterval() time.Duration {
	if c.Heartbeat.WorkerInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Heartbeat.WorkerInterval) * time.Second
}

// CatalogAlias returns the lake-catalog alias, defaulting to "flapi_cache".
func (c *Config) CatalogAlias() string {
	if c.DuckLake.Alias == "" {
		return "flapi_cache"
	}
	return c.DuckLake.Alias
}

func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.basePath, p)
}

func applyDefaults(c *Config) {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Heartbeat.WorkerInterval == 0 {
		c.Heartbeat.WorkerInterval = 10
	}
	if c.RateLimit.Interval == 0 {
		c.RateLimit.Interval = 60
	}
	if c.DuckDB.DBPath == "" {
		c.DuckDB.DBPath = ":memory:"
	}
}

func validateRoot(c *Config) error {
	if c.HTTPS.Enabled && (c.HTTPS.CertFile == "" || c.HTTPS.KeyFile == "") {
		return fmt.Errorf("https enabled but cert-file or key-file missing")
	}
	if c.Template.Path == "" {
		return fmt.Errorf("template.path is required")
	}
	if c.DuckLake.Enabled && c.DuckLake.MetadataPath == "" {
		return fmt.Errorf("ducklake enabled but metadata_path missing")
	}
	return nil
}
