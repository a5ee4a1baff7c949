package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const minimalConfig = `
project_name: testproj
template:
  path: endpoints
connections:
  default:
    properties:
      source: data.csv
`

func TestLoad(t *testing.T) {
	t.Run("Should load a minimal config with defaults applied", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), minimalConfig)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "endpoints"), 0o755))

		cfg, err := Load(filepath.Join(dir, "flapi.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "testproj", cfg.ProjectName)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, ":memory:", cfg.DuckDB.DBPath)
		assert.Equal(t, dir, cfg.BasePath())
		assert.Equal(t, filepath.Join(dir, "endpoints"), cfg.TemplateDir())
	})

	t.Run("Should overlay environment variables over file values", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), minimalConfig)
		t.Setenv("FLAPI_SERVER_PORT", "9090")

		cfg, err := Load(filepath.Join(dir, "flapi.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("Should rebase relative connection properties that exist on disk", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), minimalConfig)
		writeFile(t, filepath.Join(dir, "data.csv"), "a,b\n1,2\n")

		cfg, err := Load(filepath.Join(dir, "flapi.yaml"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "data.csv"), cfg.Conns["default"].Properties["source"])
	})

	t.Run("Should leave relative properties alone when the file is missing", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), minimalConfig)

		cfg, err := Load(filepath.Join(dir, "flapi.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "data.csv", cfg.Conns["default"].Properties["source"])
	})

	t.Run("Should reject https without certificate paths", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), minimalConfig+`
https:
  enabled: true
`)
		_, err := Load(filepath.Join(dir, "flapi.yaml"))
		assert.Error(t, err)
	})

	t.Run("Should reject a config without a template path", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), "project_name: x\n")
		_, err := Load(filepath.Join(dir, "flapi.yaml"))
		assert.Error(t, err)
	})

	t.Run("Should require metadata_path when the lake catalog is enabled", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "flapi.yaml"), minimalConfig+`
ducklake:
  enabled: true
`)
		_, err := Load(filepath.Join(dir, "flapi.yaml"))
		assert.Error(t, err)
	})
}

func TestCacheMode(t *testing.T) {
	t.Run("Should derive full mode without a cursor", func(t *testing.T) {
		c := &CacheConfig{}
		assert.Equal(t, ModeFull, c.Mode())
	})

	t.Run("Should derive append mode with a cursor and no primary keys", func(t *testing.T) {
		c := &CacheConfig{Cursor: &CursorConfig{Column: "updated_at"}}
		assert.Equal(t, ModeAppend, c.Mode())
	})

	t.Run("Should derive merge mode with a cursor and primary keys", func(t *testing.T) {
		c := &CacheConfig{
			Cursor:      &CursorConfig{Column: "updated_at"},
			PrimaryKeys: []string{"id", "region"},
		}
		assert.Equal(t, ModeMerge, c.Mode())
		assert.Equal(t, "id, region", c.PrimaryKeyList())
	})

	t.Run("Should default the schema to main", func(t *testing.T) {
		c := &CacheConfig{}
		assert.Equal(t, "main", c.SchemaOrMain())
	})
}
