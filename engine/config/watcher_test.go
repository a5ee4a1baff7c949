package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReload(t *testing.T) {
	t.Run("Should reload just the endpoint backed by a changed file", func(t *testing.T) {
		cfg, epDir := testConfig(t)
		file := filepath.Join(epDir, "users.yaml")
		writeFile(t, file, userEndpoint)

		store, err := NewStore(context.Background(), cfg)
		require.NoError(t, err)
		gen := store.Generation()

		writeFile(t, file, userEndpoint+"with-pagination: true\n")
		w := &Watcher{store: store}
		w.reload(context.Background(), []string{file})

		require.Len(t, store.Snapshot(), 1)
		assert.True(t, store.Snapshot()[0].WithPagination)
		assert.Greater(t, store.Generation(), gen)
	})

	t.Run("Should fall back to a full reload for a file the store has not seen", func(t *testing.T) {
		cfg, epDir := testConfig(t)
		writeFile(t, filepath.Join(epDir, "users.yaml"), userEndpoint)

		store, err := NewStore(context.Background(), cfg)
		require.NoError(t, err)
		require.Len(t, store.Snapshot(), 1)

		newFile := filepath.Join(epDir, "orders.yaml")
		writeFile(t, newFile, "url-path: /orders\ntemplate-source: orders.sql\n")
		w := &Watcher{store: store}
		w.reload(context.Background(), []string{newFile})

		assert.Len(t, store.Snapshot(), 2)
	})

	t.Run("Should keep the previous endpoint when the single-file reload fails", func(t *testing.T) {
		cfg, epDir := testConfig(t)
		file := filepath.Join(epDir, "users.yaml")
		writeFile(t, file, userEndpoint)

		store, err := NewStore(context.Background(), cfg)
		require.NoError(t, err)

		writeFile(t, file, "url-path: broken-no-slash\ntemplate-source: u.sql\n")
		w := &Watcher{store: store}
		w.reload(context.Background(), []string{file})

		require.Len(t, store.Snapshot(), 1)
		assert.Equal(t, "/users/:id", store.Snapshot()[0].URLPath)
		assert.False(t, store.Snapshot()[0].WithPagination)
	})
}
