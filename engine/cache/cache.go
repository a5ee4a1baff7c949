// Package cache materializes endpoint result sets as lake-catalog tables.
// Refreshes render the endpoint's cache template inside the cache. scope,
// execute it against the engine, and leave exactly one audit row per
// attempt in <catalog>.audit.sync_events.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/core"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/pkg/logger"
	"github.com/flapi/flapi/pkg/tplengine"
)

// SnapshotInfo is derived at refresh time from ducklake_snapshots(catalog);
// every field is optional.
type SnapshotInfo struct {
	CurrentSnapshotID   string
	CurrentCommittedAt  string
	PreviousSnapshotID  string
	PreviousCommittedAt string
}

// Engine drives cache materialization against the shared SQL engine.
type Engine struct {
	db      *duck.Engine
	tpl     *tplengine.Engine
	cfg     *config.Config
	catalog string
}

// New wires the cache engine. The duck engine is injected so the two
// components stay acyclic.
func New(db *duck.Engine, tpl *tplengine.Engine, cfg *config.Config) *Engine {
	return &Engine{db: db, tpl: tpl, cfg: cfg, catalog: cfg.CatalogAlias()}
}

const auditTableDDL = `
CREATE TABLE IF NOT EXISTS %s.audit.sync_events (
    event_id VARCHAR,
    endpoint_path VARCHAR,
    cache_table VARCHAR,
    cache_schema VARCHAR,
    sync_type VARCHAR,
    status VARCHAR,
    message VARCHAR,
    snapshot_id VARCHAR,
    rows_affected BIGINT,
    sync_started_at TIMESTAMP,
    sync_completed_at TIMESTAMP,
    duration_ms BIGINT
)`

// Init ensures the audit schema and sync_events table exist.
func (e *Engine) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.audit", e.catalog),
		fmt.Sprintf(auditTableDDL, e.catalog),
	}
	for _, stmt := range stmts {
		if _, err := e.db.DB().ExecContext(ctx, stmt); err != nil {
			return core.WrapError(core.KindCache, "audit table bootstrap failed", err)
		}
	}
	return nil
}

// Warmup refreshes every cache-enabled endpoint with a table configured.
// Failures are logged and do not abort startup.
func (e *Engine) Warmup(ctx context.Context, endpoints []*config.Endpoint) {
	log := logger.FromContext(ctx)
	for _, ep := range endpoints {
		if !ep.Cache.Enabled || ep.Cache.Table == "" {
			continue
		}
		params := map[string]string{}
		if err := e.Refresh(ctx, ep, params); err != nil {
			log.Warn("cache warmup failed", "endpoint", ep.URLPath, "table", ep.Cache.Table, "error", err)
		} else {
			log.Info("cache warmed", "endpoint", ep.URLPath, "table", ep.Cache.Table, "mode", ep.Cache.Mode())
		}
	}
}

// Refresh runs the full refresh protocol for one endpoint. The params map is
// mutated with the cache scope so callers can reuse it for the request
// template afterwards.
func (e *Engine) Refresh(ctx context.Context, ep *config.Endpoint, params map[string]string) error {
	started := time.Now()
	mode := ep.Cache.Mode()
	snap := e.snapshotInfo(ctx)
	scope := e.buildScope(ctx, ep, snap)
	params["cacheCatalog"] = scope["catalog"]
	params["cacheSchema"] = scope["schema"]
	params["cacheTable"] = scope["table"]
	rows, err := e.executeTemplate(ctx, ep, scope)
	completed := time.Now()
	if err != nil {
		e.writeAudit(ctx, auditEvent{
			endpoint:  ep,
			syncType:  string(mode),
			status:    "error",
			message:   err.Error(),
			snapshot:  snap.CurrentSnapshotID,
			rows:      rows,
			started:   started,
			completed: completed,
		})
		return core.WrapError(core.KindCache, "cache refresh failed", err)
	}
	e.writeAudit(ctx, auditEvent{
		endpoint:  ep,
		syncType:  string(mode),
		status:    "success",
		snapshot:  snap.CurrentSnapshotID,
		rows:      rows,
		started:   started,
		completed: completed,
	})
	if ep.Cache.Retention != nil {
		e.applyRetention(ctx, ep.Cache.Retention)
	}
	return nil
}

func (e *Engine) executeTemplate(ctx context.Context, ep *config.Endpoint, scope map[string]string) (int64, error) {
	if ep.Cache.TemplateFile == "" {
		return 0, fmt.Errorf("cache template-file not configured")
	}
	if ep.Cache.SchemaOrMain() != "main" {
		ddl := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", e.catalog, ep.Cache.SchemaOrMain())
		if _, err := e.db.DB().ExecContext(ctx, ddl); err != nil {
			return 0, fmt.Errorf("ensure cache schema: %w", err)
		}
	}
	rendered, err := e.tpl.RenderFile(ep.Cache.TemplateFile, tplengine.Scopes{
		Conn:  e.connScope(ep),
		Cache: scope,
	})
	if err != nil {
		return 0, err
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	var total int64
	for _, stmt := range duck.SplitStatements(rendered) {
		res, err := conn.ExecContext(ctx, stmt)
		if err != nil {
			return total, fmt.Errorf("cache statement failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// connScope exposes the first connection's properties, mirroring what the
// request template sees; path rebasing happened at config load.
func (e *Engine) connScope(ep *config.Endpoint) map[string]string {
	if len(ep.Connection) == 0 {
		return nil
	}
	conn, ok := e.cfg.Conns[ep.Connection[0]]
	if !ok {
		return nil
	}
	return conn.Properties
}

// buildScope populates the cache. template scope for one refresh.
func (e *Engine) buildScope(ctx context.Context, ep *config.Endpoint, snap SnapshotInfo) map[string]string {
	c := ep.Cache
	scope := map[string]string{
		"catalog":           e.catalog,
		"schema":            c.SchemaOrMain(),
		"table":             c.Table,
		"mode":              string(c.Mode()),
		"schedule":          c.Schedule,
		"primaryKeys":       c.PrimaryKeyList(),
		"snapshotId":        snap.CurrentSnapshotID,
		"snapshotTimestamp": snap.CurrentCommittedAt,
		"previousTable":     fmt.Sprintf("%s.%s.%s", e.catalog, c.SchemaOrMain(), c.Table),
	}
	if snap.PreviousSnapshotID != "" {
		scope["previousSnapshotId"] = snap.PreviousSnapshotID
		scope["previousSnapshotTimestamp"] = snap.PreviousCommittedAt
	}
	if c.Cursor != nil {
		scope["cursorColumn"] = c.Cursor.Column
		scope["cursorType"] = c.Cursor.Type
		scope["previousWatermark"] = e.tableWatermark(ctx, c)
		scope["currentWatermark"] = time.Now().UTC().Format("2006-01-02 15:04:05")
	}
	return scope
}

// tableWatermark reads the max cursor value already ingested; an absent
// table yields an empty watermark, which cache templates treat as
// "ingest everything".
func (e *Engine) tableWatermark(ctx context.Context, c config.CacheConfig) string {
	q := fmt.Sprintf("SELECT CAST(MAX(%s) AS VARCHAR) FROM %s.%s.%s",
		c.Cursor.Column, e.catalog, c.SchemaOrMain(), c.Table)
	var mark sql.NullString
	if err := e.db.DB().QueryRowContext(ctx, q).Scan(&mark); err != nil || !mark.Valid {
		return ""
	}
	return mark.String
}

// snapshotInfo reads the two most recent catalog snapshots; when the lake
// extension is unavailable it synthesizes a current snapshot so refreshes
// still run.
func (e *Engine) snapshotInfo(ctx context.Context) SnapshotInfo {
	q := fmt.Sprintf(
		"SELECT CAST(snapshot_id AS VARCHAR), CAST(snapshot_time AS VARCHAR) FROM ducklake_snapshots('%s') ORDER BY snapshot_id DESC LIMIT 2",
		e.catalog)
	rows, err := e.db.DB().QueryContext(ctx, q)
	if err != nil {
		return SnapshotInfo{
			CurrentSnapshotID:  fmt.Sprintf("snapshot_%d", time.Now().Unix()),
			CurrentCommittedAt: "now",
		}
	}
	defer rows.Close()
	var info SnapshotInfo
	idx := 0
	for rows.Next() {
		var id, committed string
		if err := rows.Scan(&id, &committed); err != nil {
			break
		}
		switch idx {
		case 0:
			info.CurrentSnapshotID = id
			info.CurrentCommittedAt = committed
		case 1:
			info.PreviousSnapshotID = id
			info.PreviousCommittedAt = committed
		}
		idx++
	}
	if info.CurrentSnapshotID == "" {
		info.CurrentSnapshotID = fmt.Sprintf("snapshot_%d", time.Now().Unix())
		info.CurrentCommittedAt = "now"
	}
	return info
}

// applyRetention expires old snapshots after a successful refresh. Errors
// are logged and never fail the refresh.
func (e *Engine) applyRetention(ctx context.Context, r *config.RetentionConfig) {
	log := logger.FromContext(ctx)
	var stmt string
	switch {
	case r.MaxSnapshotAge != "":
		stmt = fmt.Sprintf(
			"CALL ducklake_expire_snapshots('%s', older_than => CURRENT_TIMESTAMP - INTERVAL '%s')",
			e.catalog, r.MaxSnapshotAge)
	case r.KeepLastSnapshots != nil:
		stmt = fmt.Sprintf(
			"CALL ducklake_expire_snapshots('%s', versions => (SELECT ARRAY_AGG(snapshot_id) FROM (SELECT snapshot_id FROM ducklake_snapshots('%s') ORDER BY snapshot_id DESC OFFSET %d)))",
			e.catalog, e.catalog, *r.KeepLastSnapshots)
	default:
		return
	}
	if _, err := e.db.DB().ExecContext(ctx, stmt); err != nil {
		log.Warn("snapshot retention failed", "error", err)
	}
}

// GarbageCollect expires snapshots older than one day for each cache-enabled
// endpoint and records an audit row with sync_type=garbage_collection.
func (e *Engine) GarbageCollect(ctx context.Context, endpoints []*config.Endpoint) {
	log := logger.FromContext(ctx)
	for _, ep := range endpoints {
		if !ep.Cache.Enabled || ep.Cache.Table == "" {
			continue
		}
		started := time.Now()
		stmt := fmt.Sprintf(
			"CALL ducklake_expire_snapshots('%s', older_than => CURRENT_TIMESTAMP - INTERVAL '1 day')",
			e.catalog)
		_, err := e.db.DB().ExecContext(ctx, stmt)
		status, message := "success", ""
		if err != nil {
			status, message = "error", err.Error()
			log.Warn("garbage collection failed", "endpoint", ep.URLPath, "error", err)
		}
		e.writeAudit(ctx, auditEvent{
			endpoint:  ep,
			syncType:  "garbage_collection",
			status:    status,
			message:   message,
			started:   started,
			completed: time.Now(),
		})
	}
}

type auditEvent struct {
	endpoint  *config.Endpoint
	syncType  string
	status    string
	message   string
	snapshot  string
	rows      int64
	started   time.Time
	completed time.Time
}

func (e *Engine) writeAudit(ctx context.Context, ev auditEvent) {
	log := logger.FromContext(ctx)
	stmt := fmt.Sprintf(
		"INSERT INTO %s.audit.sync_events VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", e.catalog)
	_, err := e.db.DB().ExecContext(ctx, stmt,
		uuid.NewString(),
		ev.endpoint.URLPath,
		ev.endpoint.Cache.Table,
		ev.endpoint.Cache.SchemaOrMain(),
		ev.syncType,
		ev.status,
		ev.message,
		ev.snapshot,
		ev.rows,
		ev.started,
		ev.completed,
		ev.completed.Sub(ev.started).Milliseconds(),
	)
	if err != nil {
		log.Error("audit row write failed", "endpoint", ev.endpoint.URLPath, "error", err)
	}
}
