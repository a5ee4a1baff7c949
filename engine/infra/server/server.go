// Package server assembles the HTTP surface: the gin router, the static
// admin routes and the dynamic endpoint dispatcher, plus process lifecycle
// with ordered shutdown (worker, listener, engine).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/engine/heartbeat"
	"github.com/flapi/flapi/engine/pipeline"
	"github.com/flapi/flapi/pkg/logger"
)

const (
	httpReadTimeout       = 15 * time.Second
	httpWriteTimeout      = 120 * time.Second
	httpIdleTimeout       = 60 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// Server owns the HTTP listener and the background worker.
type Server struct {
	cfg     *config.Config
	store   *config.Store
	db      *duck.Engine
	pipe    *pipeline.Pipeline
	worker  *heartbeat.Worker
	watcher *config.Watcher
	guards  *guards

	mcpHandler http.Handler
	httpServer *http.Server
}

// MountMCP mounts the model-context transport at /mcp. Must be called
// before Run.
func (s *Server) MountMCP(h http.Handler) { s.mcpHandler = h }

// New assembles a server over the already-initialized runtime pieces.
// worker and watcher may be nil.
func New(cfg *config.Config, store *config.Store, db *duck.Engine, pipe *pipeline.Pipeline, worker *heartbeat.Worker, watcher *config.Watcher) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		db:      db,
		pipe:    pipe,
		worker:  worker,
		watcher: watcher,
		guards:  newGuards(),
	}
}

// Router builds the gin engine with the full middleware chain and routes.
func (s *Server) Router(log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(log), CORSMiddleware())
	s.registerRoutes(router)
	return router
}

// Run serves until ctx is canceled, then shuts down in order: heartbeat
// worker, HTTP listener, engine.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(log),
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}
	if s.worker != nil {
		s.worker.Start(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HTTPS.Enabled {
			log.Info("serving HTTPS", "addr", addr)
			err = s.httpServer.ListenAndServeTLS(s.cfg.HTTPS.CertFile, s.cfg.HTTPS.KeyFile)
		} else {
			log.Info("serving HTTP", "addr", addr)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	s.shutdown(log)
	return serveErr
}

func (s *Server) shutdown(log logger.Logger) {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	s.db.Close(shutdownCtx)
	log.Info("server stopped")
}
