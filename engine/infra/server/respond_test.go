package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi/flapi/engine/negotiate"
	"github.com/flapi/flapi/engine/pipeline"
)

func responseContext(t *testing.T, rawURL string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	c.Request = req
	return c, rec
}

func TestWriteJSON(t *testing.T) {
	t.Run("Should render a bare array for unpaginated reads", func(t *testing.T) {
		c, rec := responseContext(t, "/users")
		writeJSON(c, &pipeline.ReadResult{
			Columns: []string{"id"},
			Rows:    []map[string]any{{"id": int64(1)}},
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"id":1}]`, rec.Body.String())
		assert.Empty(t, rec.Header().Get("X-Total-Count"))
	})

	t.Run("Should render an empty array when there are no rows", func(t *testing.T) {
		c, rec := responseContext(t, "/users")
		writeJSON(c, &pipeline.ReadResult{Columns: []string{"id"}})
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("Should envelope paginated reads with next and total", func(t *testing.T) {
		c, rec := responseContext(t, "/users?limit=1&offset=0")
		writeJSON(c, &pipeline.ReadResult{
			Columns:    []string{"id"},
			Rows:       []map[string]any{{"id": int64(1)}},
			TotalCount: 3,
			Paginated:  true,
			Offset:     0,
			Limit:      1,
		})
		assert.Equal(t, "3", rec.Header().Get("X-Total-Count"))
		assert.NotEmpty(t, rec.Header().Get("X-Next"))

		var envelope struct {
			Data       []map[string]any `json:"data"`
			Next       string           `json:"next"`
			TotalCount int64            `json:"total_count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Len(t, envelope.Data, 1)
		assert.Equal(t, int64(3), envelope.TotalCount)
		assert.Contains(t, envelope.Next, "offset=1")
	})

	t.Run("Should leave next empty on the last page", func(t *testing.T) {
		c, rec := responseContext(t, "/users?limit=10&offset=0")
		writeJSON(c, &pipeline.ReadResult{
			Columns:    []string{"id"},
			Rows:       []map[string]any{{"id": int64(1)}},
			TotalCount: 1,
			Paginated:  true,
			Offset:     0,
			Limit:      10,
		})
		assert.Empty(t, rec.Header().Get("X-Next"))
	})
}

func TestWriteCSV(t *testing.T) {
	t.Run("Should write a header row and rows in column order", func(t *testing.T) {
		c, rec := responseContext(t, "/users")
		writeCSV(c, &pipeline.ReadResult{
			Columns: []string{"id", "name"},
			Rows: []map[string]any{
				{"id": int64(1), "name": "alice"},
				{"id": int64(2), "name": "bob"},
			},
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "id,name\n1,alice\n2,bob\n", rec.Body.String())
	})

	t.Run("Should quote fields with commas and double inner quotes", func(t *testing.T) {
		c, rec := responseContext(t, "/notes")
		writeCSV(c, &pipeline.ReadResult{
			Columns: []string{"note"},
			Rows:    []map[string]any{{"note": `said "hi", left`}},
		})
		assert.Equal(t, "note\n\"said \"\"hi\"\", left\"\n", rec.Body.String())
	})

	t.Run("Should render NULL values as empty fields", func(t *testing.T) {
		c, rec := responseContext(t, "/users")
		writeCSV(c, &pipeline.ReadResult{
			Columns: []string{"id", "name"},
			Rows:    []map[string]any{{"id": int64(1), "name": nil}},
		})
		assert.Equal(t, "id,name\n1,\n", rec.Body.String())
	})
}

func TestContentTypeFor(t *testing.T) {
	t.Run("Should append the codec parameter on compressed streams", func(t *testing.T) {
		sel := negotiate.Result{Format: negotiate.ArrowStream, Codec: "zstd"}
		assert.Equal(t, "application/vnd.apache.arrow.stream; codec=zstd", contentTypeFor(sel))
	})

	t.Run("Should leave uncompressed and tabular types unchanged", func(t *testing.T) {
		assert.Equal(t, "application/vnd.apache.arrow.stream",
			contentTypeFor(negotiate.Result{Format: negotiate.ArrowStream}))
		assert.Equal(t, "application/json", contentTypeFor(negotiate.Result{Format: negotiate.JSON}))
	})
}

func TestOpenAPIPath(t *testing.T) {
	t.Run("Should rewrite path captures to template parameters", func(t *testing.T) {
		assert.Equal(t, "/users/{id}/orders/{order_id}", openAPIPath("/users/:id/orders/:order_id"))
		assert.Equal(t, "/users", openAPIPath("/users"))
	})
}
