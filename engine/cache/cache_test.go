package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/pkg/tplengine"
)

func testEngine(cfg *config.Config) *Engine {
	return New(nil, nil, cfg)
}

func TestBuildScope(t *testing.T) {
	cfg := &config.Config{DuckLake: config.DuckLakeConfig{Alias: "lake"}}

	t.Run("Should expose the cache coordinates and mode", func(t *testing.T) {
		e := testEngine(cfg)
		ep := &config.Endpoint{Cache: config.CacheConfig{
			Enabled:  true,
			Table:    "users_cache",
			Schema:   "analytics",
			Schedule: "*/15 * * * *",
		}}
		scope := e.buildScope(context.Background(), ep, SnapshotInfo{
			CurrentSnapshotID:  "42",
			CurrentCommittedAt: "2026-08-24 10:00:00",
		})
		assert.Equal(t, "lake", scope["catalog"])
		assert.Equal(t, "analytics", scope["schema"])
		assert.Equal(t, "users_cache", scope["table"])
		assert.Equal(t, "full", scope["mode"])
		assert.Equal(t, "*/15 * * * *", scope["schedule"])
		assert.Equal(t, "42", scope["snapshotId"])
		assert.Equal(t, "lake.analytics.users_cache", scope["previousTable"])
	})

	t.Run("Should default the schema to main", func(t *testing.T) {
		e := testEngine(cfg)
		ep := &config.Endpoint{Cache: config.CacheConfig{Enabled: true, Table: "t"}}
		scope := e.buildScope(context.Background(), ep, SnapshotInfo{})
		assert.Equal(t, "main", scope["schema"])
		assert.Equal(t, "lake.main.t", scope["previousTable"])
	})

	t.Run("Should include previous snapshot fields only when present", func(t *testing.T) {
		e := testEngine(cfg)
		ep := &config.Endpoint{Cache: config.CacheConfig{Enabled: true, Table: "t"}}

		scope := e.buildScope(context.Background(), ep, SnapshotInfo{CurrentSnapshotID: "2"})
		_, ok := scope["previousSnapshotId"]
		assert.False(t, ok)

		scope = e.buildScope(context.Background(), ep, SnapshotInfo{
			CurrentSnapshotID:  "2",
			PreviousSnapshotID: "1",
		})
		assert.Equal(t, "1", scope["previousSnapshotId"])
	})

	t.Run("Should join primary keys for merge templates", func(t *testing.T) {
		e := testEngine(cfg)
		ep := &config.Endpoint{Cache: config.CacheConfig{
			Enabled:     true,
			Table:       "t",
			PrimaryKeys: []string{"id", "region"},
		}}
		scope := e.buildScope(context.Background(), ep, SnapshotInfo{})
		assert.Equal(t, "id, region", scope["primaryKeys"])
	})
}

func TestConnScope(t *testing.T) {
	cfg := &config.Config{
		Conns: map[string]config.ConnectionConfig{
			"default": {Properties: map[string]string{"source": "/data/users.parquet"}},
		},
	}

	t.Run("Should expose the first connection's properties", func(t *testing.T) {
		e := testEngine(cfg)
		ep := &config.Endpoint{Connection: []string{"default"}}
		scope := e.connScope(ep)
		require.NotNil(t, scope)
		assert.Equal(t, "/data/users.parquet", scope["source"])
	})

	t.Run("Should return nil without a connection", func(t *testing.T) {
		e := testEngine(cfg)
		assert.Nil(t, e.connScope(&config.Endpoint{}))
	})

	t.Run("Should return nil for an unknown connection name", func(t *testing.T) {
		e := testEngine(cfg)
		assert.Nil(t, e.connScope(&config.Endpoint{Connection: []string{"missing"}}))
	})
}

// liveEngine opens an in-memory engine; its default catalog is named
// "memory", so pointing the alias there keeps the audit DDL valid without
// a lake attach.
func liveEngine(t *testing.T) (*Engine, *duck.Engine) {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{DuckLake: config.DuckLakeConfig{Alias: "memory"}}
	db, err := duck.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(ctx) })
	tpl, err := tplengine.New(nil)
	require.NoError(t, err)
	e := New(db, tpl, cfg)
	require.NoError(t, e.Init(ctx))
	return e, db
}

func cachedEndpoint(t *testing.T, template string) *config.Endpoint {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.sql")
	require.NoError(t, os.WriteFile(path, []byte(template), 0o644))
	return &config.Endpoint{
		URLPath: "/users",
		Cache: config.CacheConfig{
			Enabled:      true,
			Table:        "users_cache",
			TemplateFile: path,
		},
	}
}

func TestRefresh(t *testing.T) {
	t.Run("Should materialize the table and write one success audit row", func(t *testing.T) {
		e, db := liveEngine(t)
		ep := cachedEndpoint(t,
			"CREATE OR REPLACE TABLE {{cache.catalog}}.{{cache.schema}}.{{cache.table}} AS "+
				"SELECT * FROM (VALUES (1, 'alice'), (2, 'bob')) AS t(id, name);")
		params := map[string]string{}
		require.NoError(t, e.Refresh(context.Background(), ep, params))

		assert.Equal(t, "memory", params["cacheCatalog"])
		assert.Equal(t, "main", params["cacheSchema"])
		assert.Equal(t, "users_cache", params["cacheTable"])

		var n int64
		require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM memory.main.users_cache").Scan(&n))
		assert.Equal(t, int64(2), n)

		var events int64
		require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM memory.audit.sync_events").Scan(&events))
		require.Equal(t, int64(1), events)

		var status, syncType string
		require.NoError(t, db.DB().
			QueryRow("SELECT status, sync_type FROM memory.audit.sync_events").
			Scan(&status, &syncType))
		assert.Equal(t, "success", status)
		assert.Equal(t, "full", syncType)
	})

	t.Run("Should write exactly one error audit row when the refresh fails", func(t *testing.T) {
		e, db := liveEngine(t)
		ep := cachedEndpoint(t, "SELECT * FROM table_that_does_not_exist;")
		require.Error(t, e.Refresh(context.Background(), ep, map[string]string{}))

		var events, failed int64
		require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM memory.audit.sync_events").Scan(&events))
		require.NoError(t, db.DB().
			QueryRow("SELECT COUNT(*) FROM memory.audit.sync_events WHERE status = 'error'").
			Scan(&failed))
		assert.Equal(t, int64(1), events)
		assert.Equal(t, int64(1), failed)
	})

	t.Run("Should audit every attempt of repeated refreshes", func(t *testing.T) {
		e, db := liveEngine(t)
		ep := cachedEndpoint(t,
			"CREATE OR REPLACE TABLE {{cache.catalog}}.{{cache.schema}}.{{cache.table}} AS SELECT 1 AS id;")
		require.NoError(t, e.Refresh(context.Background(), ep, map[string]string{}))
		require.NoError(t, e.Refresh(context.Background(), ep, map[string]string{}))

		var events int64
		require.NoError(t, db.DB().
			QueryRow("SELECT COUNT(*) FROM memory.audit.sync_events WHERE status = 'success'").
			Scan(&events))
		assert.Equal(t, int64(2), events)
	})
}
