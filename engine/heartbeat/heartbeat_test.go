package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flapi/flapi/engine/config"
)

func testWorker() *Worker {
	return New(&config.Config{}, nil, nil, nil, nil)
}

func TestDue(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	t.Run("Should never fire on an empty schedule", func(t *testing.T) {
		w := testWorker()
		assert.False(t, w.due("k", "", base))
	})

	t.Run("Should never fire on a malformed schedule", func(t *testing.T) {
		w := testWorker()
		assert.False(t, w.due("k", "not a cron line", base))
		assert.False(t, w.due("k", "not a cron line", base.Add(time.Hour)))
	})

	t.Run("Should anchor on first sighting and fire later", func(t *testing.T) {
		w := testWorker()
		assert.False(t, w.due("k", "*/5 * * * *", base))
		assert.False(t, w.due("k", "*/5 * * * *", base.Add(time.Minute)))
		assert.True(t, w.due("k", "*/5 * * * *", base.Add(6*time.Minute)))
	})

	t.Run("Should rearm after firing", func(t *testing.T) {
		w := testWorker()
		w.due("k", "*/5 * * * *", base)
		assert.True(t, w.due("k", "*/5 * * * *", base.Add(6*time.Minute)))
		assert.False(t, w.due("k", "*/5 * * * *", base.Add(7*time.Minute)))
		assert.True(t, w.due("k", "*/5 * * * *", base.Add(12*time.Minute)))
	})

	t.Run("Should track schedules per key", func(t *testing.T) {
		w := testWorker()
		w.due("a", "*/5 * * * *", base)
		assert.False(t, w.due("b", "*/5 * * * *", base.Add(6*time.Minute)))
		assert.True(t, w.due("a", "*/5 * * * *", base.Add(6*time.Minute)))
	})
}

func TestRefreshKey(t *testing.T) {
	t.Run("Should distinguish endpoints from different files", func(t *testing.T) {
		a := &config.Endpoint{SourcePath: "/etc/flapi/a.yaml", URLPath: "/users"}
		b := &config.Endpoint{SourcePath: "/etc/flapi/b.yaml", URLPath: "/users"}
		assert.NotEqual(t, refreshKey(a), refreshKey(b))
	})
}

func TestStop(t *testing.T) {
	t.Run("Should report stopped after Stop closes the channel", func(t *testing.T) {
		w := testWorker()
		close(w.done)
		assert.False(t, w.stopped())
		w.Stop()
		assert.True(t, w.stopped())
	})
}
