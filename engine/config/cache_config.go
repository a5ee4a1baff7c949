package config

import "strings"

// CacheMode is the derived materialization strategy; it is never configured
// directly.
type CacheMode string

const (
	ModeFull   CacheMode = "full"
	ModeAppend CacheMode = "append"
	ModeMerge  CacheMode = "merge"
)

// CacheConfig materializes the endpoint's result set as a lake-catalog table.
type CacheConfig struct {
	Enabled      bool             `yaml:"enabled"`
	Catalog      string           `yaml:"catalog"`
	Schema       string           `yaml:"schema"`
	Table        string           `yaml:"table"`
	TemplateFile string           `yaml:"template-file"`
	Schedule     string           `yaml:"schedule"`
	Cursor       *CursorConfig    `yaml:"cursor"`
	PrimaryKeys  []string         `yaml:"primary-keys"`
	Retention    *RetentionConfig `yaml:"retention"`

	InvalidateOnWrite bool `yaml:"invalidate-on-write"`
	RefreshEndpoint   bool `yaml:"refresh-endpoint"`
}

// CursorConfig identifies the monotonically advancing column driving
// incremental refreshes.
type CursorConfig struct {
	Column string `yaml:"column"`
	Type   string `yaml:"type"`
}

// RetentionConfig bounds how many lake snapshots survive a refresh.
type RetentionConfig struct {
	KeepLastSnapshots *int   `yaml:"keep-last-snapshots"`
	MaxSnapshotAge    string `yaml:"max-snapshot-age"`
}

// Mode derives the cache mode from the config alone: no cursor means a full
// rewrite, a cursor without primary keys appends, a cursor with primary keys
// merges.
func (c *CacheConfig) Mode() CacheMode {
	if c.Cursor == nil || c.Cursor.Column == "" {
		return ModeFull
	}
	if len(c.PrimaryKeys) == 0 {
		return ModeAppend
	}
	return ModeMerge
}

// SchemaOrMain returns the target schema, defaulting to "main".
func (c *CacheConfig) SchemaOrMain() string {
	if c.Schema == "" {
		return "main"
	}
	return c.Schema
}

// PrimaryKeyList returns the comma-joined primary keys exposed to templates
// as cache.primaryKeys.
func (c *CacheConfig) PrimaryKeyList() string {
	return strings.Join(c.PrimaryKeys, ", ")
}
