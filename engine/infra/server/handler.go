package server

import (
	"io"
	"net/http"
	"reflect"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/flapi/flapi/engine/arrowstream"
	"github.com/flapi/flapi/engine/auth"
	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/core"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/engine/negotiate"
	"github.com/flapi/flapi/engine/pipeline"
	"github.com/flapi/flapi/engine/ratelimit"
	"github.com/flapi/flapi/pkg/logger"
)

// guardSet holds the per-endpoint request guards. src records the endpoint
// the guards were built from so reloads can tell changed configuration
// apart from a mere pointer swap.
type guardSet struct {
	src     *config.Endpoint
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
}

// guards caches guard state per endpoint identity. State survives reloads
// that leave the endpoint's auth and rate-limit settings unchanged; stale
// identities are pruned whenever the store generation moves.
type guards struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]*guardSet
}

func newGuards() *guards {
	return &guards{entries: make(map[string]*guardSet)}
}

func guardKey(ep *config.Endpoint) string {
	return ep.HTTPMethod() + " " + ep.URLPath
}

// sync prunes entries whose identity left the snapshot. Cheap when the
// generation has not moved.
func (g *guards) sync(store *config.Store) {
	gen := store.Generation()
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen == g.gen {
		return
	}
	live := make(map[string]bool)
	for _, ep := range store.Snapshot() {
		if ep.IsRest() {
			live[guardKey(ep)] = true
		}
	}
	for key := range g.entries {
		if !live[key] {
			delete(g.entries, key)
		}
	}
	g.gen = gen
}

// forEndpoint returns the guard set for ep, rebuilding only the pieces
// whose configuration actually changed since the last build.
func (g *guards) forEndpoint(ep *config.Endpoint, db *duck.Engine) *guardSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := guardKey(ep)
	e, ok := g.entries[key]
	if !ok {
		e = &guardSet{
			src:     ep,
			auth:    auth.New(ep.Auth, db),
			limiter: ratelimit.New(ep.RateLimit),
		}
		g.entries[key] = e
		return e
	}
	if e.src != ep {
		if !reflect.DeepEqual(e.src.Auth, ep.Auth) {
			e.auth = auth.New(ep.Auth, db)
		}
		if e.src.RateLimit != ep.RateLimit {
			e.limiter = ratelimit.New(ep.RateLimit)
		}
		e.src = ep
	}
	return e
}

// dispatch serves every dynamic endpoint route: matching, guards, parameter
// assembly, validation, execution and rendering.
func (s *Server) dispatch(c *gin.Context) {
	s.guards.sync(s.store)
	ep, captures, ok := s.pipe.Match(c.Request.URL.Path)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no endpoint matches this path"})
		return
	}
	method := c.Request.Method
	invalidation := method == http.MethodDelete && ep.Cache.Enabled && ep.HTTPMethod() != http.MethodDelete
	if method != ep.HTTPMethod() && !invalidation {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed on this endpoint"})
		return
	}
	gd := s.guards.forEndpoint(ep, s.db)
	if !gd.limiter.Check(c) {
		return
	}
	if !gd.auth.Authenticate(c) {
		return
	}
	switch {
	case invalidation:
		s.serveInvalidation(c, ep)
	case ep.IsWrite():
		s.serveWrite(c, ep, captures)
	default:
		s.serveRead(c, ep, captures)
	}
}

func (s *Server) serveRead(c *gin.Context, ep *config.Endpoint, captures map[string]string) {
	ctx := c.Request.Context()
	params, err := pipeline.ReadParams(ep, captures, c.Request.URL.Query())
	if err != nil {
		writeError(c, err)
		return
	}
	if errs := s.pipe.Validate(ep, params); len(errs) > 0 {
		writeValidationErrors(c, errs)
		return
	}
	sel := negotiate.Select(c.GetHeader("Accept"), c.Query("format"), ep.ResponseFormat)
	if sel.Format == negotiate.Unsupported {
		c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{"error": sel.Message})
		return
	}
	if sel.Format == negotiate.ArrowStream {
		s.serveArrow(c, ep, params, sel)
		return
	}
	res, err := s.pipe.ExecuteRead(ctx, ep, params)
	if err != nil {
		writeError(c, err)
		return
	}
	switch sel.Format {
	case negotiate.CSV:
		writeCSV(c, res)
	default:
		writeJSON(c, res)
	}
}

func (s *Server) serveArrow(c *gin.Context, ep *config.Endpoint, params map[string]string, sel negotiate.Result) {
	ctx := c.Request.Context()
	rows, err := s.pipe.OpenReadCursor(ctx, ep, params)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rows.Close()
	ser, err := arrowstream.New(arrowstream.Config{Codec: sel.Codec})
	if err != nil {
		writeError(c, err)
		return
	}
	// The serializer buffers the full payload, so headers are deferred to
	// the first byte; a failure before that still gets a JSON error body.
	w := &arrowResponseWriter{c: c, contentType: contentTypeFor(sel)}
	if err := ser.Stream(ctx, rows, w); err != nil {
		if w.wrote {
			logger.FromContext(ctx).Error("arrow stream aborted mid-response", "error", err)
			return
		}
		writeError(c, err)
	}
}

// arrowResponseWriter commits status and Content-Type on the first write.
type arrowResponseWriter struct {
	c           *gin.Context
	contentType string
	wrote       bool
}

func (w *arrowResponseWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
		w.c.Header("Content-Type", w.contentType)
		w.c.Status(http.StatusOK)
	}
	return w.c.Writer.Write(p)
}

func (s *Server) serveWrite(c *gin.Context, ep *config.Endpoint, captures map[string]string) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, core.WrapError(core.KindValidation, "unreadable request body", err))
		return
	}
	params, err := pipeline.WriteParams(ep, captures, c.Request.URL.Query(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	if ep.Operation.ValidateBeforeWrite || ep.RequestFieldsValidation {
		if errs := s.pipe.Validate(ep, params); len(errs) > 0 {
			writeValidationErrors(c, errs)
			return
		}
	}
	res, err := s.pipe.ExecuteWrite(ctx, ep, params)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Rows != nil {
		c.JSON(http.StatusOK, gin.H{"data": res.Rows, "rows_affected": res.RowsAffected})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows_affected": res.RowsAffected})
}

// serveInvalidation refreshes the endpoint's cache in response to DELETE.
func (s *Server) serveInvalidation(c *gin.Context, ep *config.Endpoint) {
	if err := s.pipe.Cache().Refresh(c.Request.Context(), ep, map[string]string{}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed", "endpoint": ep.URLPath})
}
