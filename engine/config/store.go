package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flapi/flapi/pkg/logger"
)

// Store holds the live endpoint list as an immutable snapshot. Readers take
// the current slice pointer for the duration of a request; reloads build a
// fresh slice and swap it atomically, so readers observe either the pre- or
// post-swap state and never a partial one.
type Store struct {
	cfg      *Config
	snapshot atomic.Pointer[[]*Endpoint]
	gen      atomic.Uint64
	reloadMu sync.Mutex
}

// NewStore loads the initial endpoint set and returns the store.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	s := &Store{cfg: cfg}
	if err := s.ReloadAll(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the root configuration backing the store.
func (s *Store) Config() *Config { return s.cfg }

// Snapshot returns the current endpoint list. Callers must not mutate it.
func (s *Store) Snapshot() []*Endpoint {
	p := s.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Generation increments on every snapshot swap. Consumers caching per
// endpoint state use it to notice reloads.
func (s *Store) Generation() uint64 { return s.gen.Load() }

// ReloadAll re-walks the template directory and swaps in the full result.
func (s *Store) ReloadAll(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	endpoints, err := LoadEndpoints(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.snapshot.Store(&endpoints)
	s.gen.Add(1)
	return nil
}

// ReloadEndpoint re-parses the single endpoint whose REST identity is
// urlPath and replaces that entry. A parse or validation failure keeps the
// previously loaded endpoint unchanged.
func (s *Store) ReloadEndpoint(ctx context.Context, urlPath string) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	current := s.Snapshot()
	idx := -1
	for i, ep := range current {
		if ep.URLPath == urlPath {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no endpoint with url-path %q", urlPath)
	}
	reloaded, err := ParseEndpointFile(ctx, s.cfg, current[idx].SourcePath)
	if err != nil {
		return fmt.Errorf("reload of %s rejected, previous endpoint kept: %w", urlPath, err)
	}
	next := make([]*Endpoint, len(current))
	copy(next, current)
	next[idx] = reloaded
	s.snapshot.Store(&next)
	s.gen.Add(1)
	logger.FromContext(ctx).Info("endpoint reloaded", "url_path", urlPath, "file", reloaded.SourcePath)
	return nil
}

// FindBySource locates the endpoint loaded from the given file, if any.
func (s *Store) FindBySource(path string) *Endpoint {
	for _, ep := range s.Snapshot() {
		if ep.SourcePath == path {
			return ep
		}
	}
	return nil
}
