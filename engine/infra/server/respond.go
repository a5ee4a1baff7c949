package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flapi/flapi/engine/core"
	"github.com/flapi/flapi/engine/negotiate"
	"github.com/flapi/flapi/engine/pipeline"
	"github.com/flapi/flapi/engine/validate"
)

// writeError maps an error to its HTTP status with a sanitized message.
func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(core.StatusCode(err), gin.H{"error": core.Sanitize(err)})
}

// writeValidationErrors reports the collected field errors with HTTP 400.
func writeValidationErrors(c *gin.Context, errs []validate.FieldError) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"errors": errs})
}

// writeJSON renders the standard envelope for paginated reads and a bare
// array otherwise.
func writeJSON(c *gin.Context, res *pipeline.ReadResult) {
	data := res.Rows
	if data == nil {
		data = []map[string]any{}
	}
	if !res.Paginated {
		c.JSON(http.StatusOK, data)
		return
	}
	next := res.Next(c.Request.URL)
	c.Header("X-Total-Count", strconv.FormatInt(res.TotalCount, 10))
	c.Header("X-Next", next)
	c.JSON(http.StatusOK, gin.H{
		"data":        data,
		"next":        next,
		"total_count": res.TotalCount,
	})
}

// writeCSV renders the result with a header row in column order. Quoting
// follows RFC 4180: fields with commas, quotes or newlines are wrapped and
// inner quotes doubled.
func writeCSV(c *gin.Context, res *pipeline.ReadResult) {
	if res.Paginated {
		c.Header("X-Total-Count", strconv.FormatInt(res.TotalCount, 10))
		c.Header("X-Next", res.Next(c.Request.URL))
	}
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	w := csv.NewWriter(c.Writer)
	if err := w.Write(res.Columns); err != nil {
		return
	}
	row := make([]string, len(res.Columns))
	for _, record := range res.Rows {
		for i, col := range res.Columns {
			row[i] = csvField(record[col])
		}
		if err := w.Write(row); err != nil {
			return
		}
	}
	w.Flush()
}

func csvField(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// contentTypeFor sets the negotiated Content-Type, including the codec
// parameter on compressed Arrow streams.
func contentTypeFor(sel negotiate.Result) string {
	if sel.Format == negotiate.ArrowStream && sel.Codec != "" {
		return sel.ContentType() + "; codec=" + sel.Codec
	}
	return sel.ContentType()
}
