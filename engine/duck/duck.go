// Package duck owns the single handle to the embedded DuckDB engine: open
// with tuning settings, extension bootstrap, connection init statements,
// lake-catalog attach/detach and the per-call connections handed to request
// workers.
package duck

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/core"
	"github.com/flapi/flapi/pkg/logger"
)

// defaultExtensions are installed and loaded at startup; each attempt is
// independent and failures only log a warning.
var defaultExtensions = []string{"httpfs", "ducklake", "fts", "json", "postgres", "sqlite", "parquet"}

// Engine is the thread-safe wrapper around the embedded database. The mutex
// protects handle lifecycle (open, attach, detach, close); queries run on
// per-call connections with the driver's own locking.
type Engine struct {
	mu       sync.Mutex
	db       *sql.DB
	cfg      *config.Config
	attached bool
}

// Open builds the engine from configuration: base settings, user tuning
// keys, default extensions, per-connection init SQL and, when enabled, the
// lake-catalog attach.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	log := logger.FromContext(ctx)
	dsn := buildDSN(cfg)
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, core.WrapError(core.KindEngine, "open engine", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.WrapError(core.KindEngine, "engine not reachable", err)
	}
	e := &Engine{db: db, cfg: cfg}
	e.installExtensions(ctx)
	if err := e.runConnectionInit(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.DuckLake.Enabled {
		if err := e.attachCatalog(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("lake catalog attached", "alias", cfg.CatalogAlias(), "metadata", cfg.DuckLake.MetadataPath)
	}
	return e, nil
}

func buildDSN(cfg *config.Config) string {
	settings := url.Values{}
	settings.Set("allow_unsigned_extensions", "true")
	settings.Set("autoinstall_known_extensions", "1")
	settings.Set("autoload_known_extensions", "1")
	keys := make([]string, 0, len(cfg.DuckDB.Settings))
	for k := range cfg.DuckDB.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		settings.Set(k, cfg.DuckDB.Settings[k])
	}
	path := cfg.DuckDB.DBPath
	if path == "" {
		path = ":memory:"
	}
	return path + "?" + settings.Encode()
}

func (e *Engine) installExtensions(ctx context.Context) {
	log := logger.FromContext(ctx)
	for _, ext := range defaultExtensions {
		if _, err := e.db.ExecContext(ctx, "INSTALL "+ext); err != nil {
			log.Warn("extension install failed", "extension", ext, "error", err)
			continue
		}
		if _, err := e.db.ExecContext(ctx, "LOAD "+ext); err != nil {
			log.Warn("extension load failed", "extension", ext, "error", err)
		}
	}
}

func (e *Engine) runConnectionInit(ctx context.Context) error {
	log := logger.FromContext(ctx)
	names := make([]string, 0, len(e.cfg.Conns))
	for name := range e.cfg.Conns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		conn := e.cfg.Conns[name]
		if strings.TrimSpace(conn.Init) == "" {
			continue
		}
		c, err := e.db.Conn(ctx)
		if err != nil {
			return core.WrapError(core.KindEngine, "acquire init connection", err)
		}
		for _, stmt := range SplitStatements(conn.Init) {
			if _, err := c.ExecContext(ctx, stmt); err != nil {
				c.Close()
				return core.WrapError(core.KindEngine,
					fmt.Sprintf("init statement for connection %q failed", name), err)
			}
		}
		c.Close()
		log.Debug("connection initialized", "connection", name)
	}
	return nil
}

func (e *Engine) attachCatalog(ctx context.Context) error {
	dl := e.cfg.DuckLake
	var opts []string
	opts = append(opts, fmt.Sprintf("DATA_PATH '%s'", dl.DataPath))
	if dl.DataInliningRowLimit != nil {
		opts = append(opts, fmt.Sprintf("DATA_INLINING_ROW_LIMIT %d", *dl.DataInliningRowLimit))
	}
	if dl.OverrideDataPath {
		opts = append(opts, "OVERRIDE_DATA_PATH TRUE")
	}
	stmt := fmt.Sprintf("ATTACH 'ducklake:%s' AS %s (%s)",
		dl.MetadataPath, e.cfg.CatalogAlias(), strings.Join(opts, ", "))
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return core.WrapError(core.KindEngine, "attach lake catalog", err)
	}
	e.attached = true
	return nil
}

// Conn hands out a dedicated connection for one call; the caller closes it.
func (e *Engine) Conn(ctx context.Context) (*sql.Conn, error) {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	if db == nil {
		return nil, core.NewError(core.KindEngine, "engine is closed")
	}
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, core.WrapError(core.KindEngine, "acquire connection", err)
	}
	return c, nil
}

// DB exposes the pooled handle for read paths that do not need connection
// affinity.
func (e *Engine) DB() *sql.DB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

// Attached reports whether the lake catalog is currently attached.
func (e *Engine) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached
}

// Close detaches the lake catalog, checkpoints and closes the engine. All
// failures are logged and none propagate.
func (e *Engine) Close(ctx context.Context) {
	log := logger.FromContext(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return
	}
	if e.attached {
		if _, err := e.db.ExecContext(ctx, "DETACH "+e.cfg.CatalogAlias()); err != nil {
			log.Warn("catalog detach failed", "error", err)
		}
		e.attached = false
	}
	if _, err := e.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		log.Warn("checkpoint failed", "error", err)
	}
	if err := e.db.Close(); err != nil {
		log.Warn("engine close failed", "error", err)
	}
	e.db = nil
}

// SplitStatements splits a multi-statement SQL block on semicolons, keeping
// string literals intact, and drops empty fragments.
func SplitStatements(block string) []string {
	var out []string
	var sb strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(block); i++ {
		ch := block[i]
		switch ch {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if !inSingle && !inDouble {
				if stmt := strings.TrimSpace(sb.String()); stmt != "" {
					out = append(out, stmt)
				}
				sb.Reset()
				continue
			}
		}
		sb.WriteByte(ch)
	}
	if stmt := strings.TrimSpace(sb.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
