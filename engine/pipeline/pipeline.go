// Package pipeline drives one request end to end: route matching, parameter
// assembly, validation, template rendering and query execution. The HTTP
// layer, the MCP adapter and the heartbeat worker all funnel through it.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/flapi/flapi/engine/cache"
	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/core"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/engine/validate"
	"github.com/flapi/flapi/pkg/logger"
	"github.com/flapi/flapi/pkg/tplengine"
)

// Pipeline executes endpoint requests against the engine.
type Pipeline struct {
	store *config.Store
	db    *duck.Engine
	tpl   *tplengine.Engine
	cache *cache.Engine
}

// New wires the pipeline to the live endpoint store and the engine.
func New(store *config.Store, db *duck.Engine, tpl *tplengine.Engine, cacheEng *cache.Engine) *Pipeline {
	return &Pipeline{store: store, db: db, tpl: tpl, cache: cacheEng}
}

// Store exposes the live endpoint store.
func (p *Pipeline) Store() *config.Store { return p.store }

// Cache exposes the cache engine.
func (p *Pipeline) Cache() *cache.Engine { return p.cache }

// Match walks the registered endpoints in order and returns the first REST
// endpoint whose pattern matches the path, with its captures.
func (p *Pipeline) Match(path string) (*config.Endpoint, map[string]string, bool) {
	for _, ep := range p.store.Snapshot() {
		if !ep.IsRest() || ep.Pattern() == nil {
			continue
		}
		if captures, ok := ep.Pattern().Match(path); ok {
			return ep, captures, true
		}
	}
	return nil, nil, false
}

// Validate applies the endpoint's declared request fields to the merged
// parameter map. A non-empty slice means HTTP 400.
func (p *Pipeline) Validate(ep *config.Endpoint, params map[string]string) []validate.FieldError {
	if !ep.RequestFieldsValidation {
		return nil
	}
	return validate.Request(ep.Request, params)
}

// Render produces the SQL text for the endpoint from its template source.
func (p *Pipeline) Render(ep *config.Endpoint, params map[string]string) (string, error) {
	scopes := tplengine.Scopes{
		Params: params,
		Conn:   p.connScope(ep),
	}
	out, err := p.tpl.RenderFile(ep.TemplateSource, scopes)
	if err != nil {
		return "", core.WrapError(core.KindEngine, "template rendering failed", err)
	}
	return strings.TrimSpace(out), nil
}

// connScope exposes the first connection's properties to templates.
func (p *Pipeline) connScope(ep *config.Endpoint) map[string]string {
	if len(ep.Connection) == 0 {
		return nil
	}
	conn, ok := p.store.Config().Conns[ep.Connection[0]]
	if !ok {
		return nil
	}
	return conn.Properties
}

// fillCacheCatalog defaults the cacheCatalog parameter to the lake alias.
func (p *Pipeline) fillCacheCatalog(ep *config.Endpoint, params map[string]string) {
	if ep.Cache.Enabled && params["cacheCatalog"] == "" {
		params["cacheCatalog"] = p.store.Config().CatalogAlias()
	}
}

// ReadResult is a fully drained read response.
type ReadResult struct {
	Columns    []string
	Rows       []map[string]any
	TotalCount int64
	Paginated  bool
	Offset     int64
	Limit      int64
}

// Next composes the follow-up page URL for the request, empty on the last
// page or for unpaginated reads.
func (r *ReadResult) Next(reqURL *url.URL) string {
	if !r.Paginated {
		return ""
	}
	return NextURL(reqURL, r.Offset, r.Limit, r.TotalCount)
}

// ExecuteRead renders and runs a read endpoint, draining the cursor into
// memory for JSON and CSV rendering.
func (p *Pipeline) ExecuteRead(ctx context.Context, ep *config.Endpoint, params map[string]string) (*ReadResult, error) {
	rows, res, err := p.openRead(ctx, ep, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, core.WrapError(core.KindEngine, "query execution failed", err)
	}
	res.Columns = cols
	for rows.Next() {
		record, err := scanRecord(rows, cols)
		if err != nil {
			return nil, core.WrapError(core.KindEngine, "query execution failed", err)
		}
		res.Rows = append(res.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.KindEngine, "query execution failed", err)
	}
	if !res.Paginated {
		res.TotalCount = int64(len(res.Rows))
	}
	return res, nil
}

// OpenReadCursor renders and runs a read endpoint, handing the live cursor
// to the caller. Used by the columnar serializer to stream without
// buffering; the caller owns rows.Close.
func (p *Pipeline) OpenReadCursor(ctx context.Context, ep *config.Endpoint, params map[string]string) (*sql.Rows, error) {
	rows, _, err := p.openRead(ctx, ep, params)
	return rows, err
}

func (p *Pipeline) openRead(ctx context.Context, ep *config.Endpoint, params map[string]string) (*sql.Rows, *ReadResult, error) {
	p.fillCacheCatalog(ep, params)
	query, err := p.Render(ep, params)
	if err != nil {
		return nil, nil, err
	}
	query = strings.TrimSuffix(query, ";")
	res := &ReadResult{}
	exec := query
	if ep.WithPagination {
		offset, err := coerceInt(params, "offset")
		if err != nil {
			return nil, nil, err
		}
		limit, err := coerceInt(params, "limit")
		if err != nil {
			return nil, nil, err
		}
		res.Paginated = true
		res.Offset = offset
		res.Limit = limit
		count := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS _", query)
		if err := p.db.DB().QueryRowContext(ctx, count).Scan(&res.TotalCount); err != nil {
			return nil, nil, core.WrapError(core.KindEngine, "query execution failed", err)
		}
		exec = fmt.Sprintf("SELECT * FROM (%s) AS _ LIMIT %d OFFSET %d", query, limit, offset)
	}
	p.logQuery(ctx, ep, exec, params)
	rows, err := p.db.DB().QueryContext(ctx, exec)
	if err != nil {
		return nil, nil, core.WrapError(core.KindEngine, "query execution failed", err)
	}
	return rows, res, nil
}

// WriteResult reports a write endpoint's outcome.
type WriteResult struct {
	RowsAffected int64
	Columns      []string
	Rows         []map[string]any
}

// ExecuteWrite renders and runs a write endpoint. Statements are split on
// ';' and executed on one session, inside a transaction when the endpoint
// asks for one. A statement containing RETURNING is captured as the
// response source; otherwise, with returns-data set, a trailing SELECT is.
func (p *Pipeline) ExecuteWrite(ctx context.Context, ep *config.Endpoint, params map[string]string) (*WriteResult, error) {
	p.fillCacheCatalog(ep, params)
	text, err := p.Render(ep, params)
	if err != nil {
		return nil, err
	}
	stmts := duck.SplitStatements(text)
	if len(stmts) == 0 {
		return nil, core.NewError(core.KindEngine, "template rendered no statements")
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, core.WrapError(core.KindEngine, "query execution failed", err)
	}
	defer conn.Close()

	var runner interface {
		ExecContext(context.Context, string, ...any) (sql.Result, error)
		QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	} = conn
	var tx *sql.Tx
	if ep.Operation.Transaction {
		tx, err = conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, core.WrapError(core.KindEngine, "query execution failed", err)
		}
		defer tx.Rollback() //nolint:errcheck
		runner = tx
	}

	res := &WriteResult{}
	for i, stmt := range stmts {
		p.logQuery(ctx, ep, stmt, params)
		capture := containsReturning(stmt) ||
			(ep.Operation.ReturnsData && i == len(stmts)-1 && isSelect(stmt))
		if capture {
			rows, err := runner.QueryContext(ctx, stmt)
			if err != nil {
				return nil, core.WrapError(core.KindEngine, "query execution failed", err)
			}
			if err := drainInto(rows, res); err != nil {
				return nil, err
			}
			continue
		}
		out, err := runner.ExecContext(ctx, stmt)
		if err != nil {
			return nil, core.WrapError(core.KindEngine, "query execution failed", err)
		}
		if n, err := out.RowsAffected(); err == nil {
			res.RowsAffected += n
		}
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, core.WrapError(core.KindEngine, "query execution failed", err)
		}
	}
	if ep.Cache.Enabled && ep.Cache.InvalidateOnWrite {
		if err := p.cache.Refresh(ctx, ep, map[string]string{}); err != nil {
			logger.FromContext(ctx).Warn("cache refresh after write failed",
				"endpoint", ep.URLPath, "error", err)
		}
	}
	return res, nil
}

func drainInto(rows *sql.Rows, res *WriteResult) error {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return core.WrapError(core.KindEngine, "query execution failed", err)
	}
	res.Columns = cols
	res.Rows = nil
	for rows.Next() {
		record, err := scanRecord(rows, cols)
		if err != nil {
			return core.WrapError(core.KindEngine, "query execution failed", err)
		}
		res.Rows = append(res.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return core.WrapError(core.KindEngine, "query execution failed", err)
	}
	res.RowsAffected += int64(len(res.Rows))
	return nil
}

func scanRecord(rows *sql.Rows, cols []string) (map[string]any, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	record := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			record[col] = string(b)
			continue
		}
		record[col] = values[i]
	}
	return record, nil
}

func containsReturning(stmt string) bool {
	return strings.Contains(strings.ToUpper(stmt), "RETURNING")
}

func isSelect(stmt string) bool {
	up := strings.ToUpper(strings.TrimSpace(stmt))
	return strings.HasPrefix(up, "SELECT") || strings.HasPrefix(up, "WITH")
}

func (p *Pipeline) logQuery(ctx context.Context, ep *config.Endpoint, stmt string, params map[string]string) {
	if len(ep.Connection) == 0 {
		return
	}
	conn, ok := p.store.Config().Conns[ep.Connection[0]]
	if !ok || !conn.LogQueries {
		return
	}
	log := logger.FromContext(ctx)
	if conn.LogParameters {
		log.Debug("executing statement", "endpoint", ep.URLPath, "sql", stmt, "params", params)
		return
	}
	log.Debug("executing statement", "endpoint", ep.URLPath, "sql", stmt)
}
