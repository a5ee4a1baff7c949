package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flapi/flapi/engine/config"
)

func TestSelect(t *testing.T) {
	allFormats := config.ResponseFormatConfig{
		Formats:      []string{"json", "csv", "arrow"},
		Default:      "json",
		ArrowEnabled: true,
	}

	t.Run("Should pick JSON for application/json", func(t *testing.T) {
		r := Select("application/json", "", allFormats)
		assert.Equal(t, JSON, r.Format)
	})

	t.Run("Should pick CSV for text/csv", func(t *testing.T) {
		r := Select("text/csv", "", allFormats)
		assert.Equal(t, CSV, r.Format)
	})

	t.Run("Should honor q ordering with a stable sort", func(t *testing.T) {
		r := Select("text/csv;q=0.5, application/json;q=0.9", "", allFormats)
		assert.Equal(t, JSON, r.Format)
	})

	t.Run("Should keep header order for equal q values", func(t *testing.T) {
		r := Select("text/csv, application/json", "", allFormats)
		assert.Equal(t, CSV, r.Format)
	})

	t.Run("Should skip entries with q=0", func(t *testing.T) {
		r := Select("text/csv;q=0, application/json;q=0.5", "", allFormats)
		assert.Equal(t, JSON, r.Format)
	})

	t.Run("Should fall back to the default for */*", func(t *testing.T) {
		r := Select("*/*", "", allFormats)
		assert.Equal(t, JSON, r.Format)
	})

	t.Run("Should fall back to the default on an empty header", func(t *testing.T) {
		r := Select("", "", allFormats)
		assert.Equal(t, JSON, r.Format)
	})

	t.Run("Should extract the arrow codec parameter", func(t *testing.T) {
		r := Select("application/vnd.apache.arrow.stream;codec=zstd", "", allFormats)
		assert.Equal(t, ArrowStream, r.Format)
		assert.Equal(t, "zstd", r.Codec)
	})

	t.Run("Should silently ignore an unknown arrow codec", func(t *testing.T) {
		r := Select("application/vnd.apache.arrow.stream;codec=snappy", "", allFormats)
		assert.Equal(t, ArrowStream, r.Format)
		assert.Empty(t, r.Codec)
	})

	t.Run("Should refuse arrow when the endpoint disables it", func(t *testing.T) {
		rf := config.ResponseFormatConfig{Formats: []string{"json", "arrow"}, Default: "json"}
		r := Select("application/vnd.apache.arrow.stream", "", rf)
		assert.Equal(t, JSON, r.Format)
	})

	t.Run("Should be deterministic for identical inputs", func(t *testing.T) {
		header := "text/csv;q=0.8, application/json;q=0.8, */*;q=0.1"
		first := Select(header, "", allFormats)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Select(header, "", allFormats))
		}
	})
}

func TestSelectByQuery(t *testing.T) {
	rf := config.ResponseFormatConfig{Formats: []string{"json", "csv"}, Default: "json"}

	t.Run("Should let the format query override the Accept header", func(t *testing.T) {
		r := Select("application/json", "csv", rf)
		assert.Equal(t, CSV, r.Format)
	})

	t.Run("Should report an unsupported explicit format", func(t *testing.T) {
		r := Select("", "parquet", rf)
		assert.Equal(t, Unsupported, r.Format)
		assert.NotEmpty(t, r.Message)
	})

	t.Run("Should require arrowEnabled for an explicit arrow request", func(t *testing.T) {
		disabled := config.ResponseFormatConfig{Formats: []string{"json", "arrow"}, Default: "json"}
		r := Select("", "arrow", disabled)
		assert.Equal(t, Unsupported, r.Format)
	})
}

func TestContentType(t *testing.T) {
	t.Run("Should map formats to their media types", func(t *testing.T) {
		assert.Equal(t, "application/json", Result{Format: JSON}.ContentType())
		assert.Equal(t, "text/csv", Result{Format: CSV}.ContentType())
		assert.Equal(t, MediaTypeArrow, Result{Format: ArrowStream}.ContentType())
	})
}
