package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flapi/flapi/engine/arrowstream"
)

// metricsHandler exposes the serializer's process-wide counters and gauges
// through a dedicated Prometheus registry.
func (s *Server) metricsHandler() gin.HandlerFunc {
	reg := prometheus.NewRegistry()
	m := arrowstream.Stats()
	counters := map[string]func() float64{
		"flapi_arrow_requests_total":             func() float64 { return float64(m.TotalRequests.Load()) },
		"flapi_arrow_requests_successful_total":  func() float64 { return float64(m.Successful.Load()) },
		"flapi_arrow_requests_failed_total":      func() float64 { return float64(m.Failed.Load()) },
		"flapi_arrow_batches_total":              func() float64 { return float64(m.TotalBatches.Load()) },
		"flapi_arrow_rows_total":                 func() float64 { return float64(m.TotalRows.Load()) },
		"flapi_arrow_bytes_uncompressed_total":   func() float64 { return float64(m.BytesWrittenUncompressed.Load()) },
		"flapi_arrow_bytes_compressed_total":     func() float64 { return float64(m.BytesCompressed.Load()) },
		"flapi_arrow_compression_requests_total": func() float64 { return float64(m.CompressionRequests.Load()) },
		"flapi_arrow_compression_errors_total":   func() float64 { return float64(m.CompressionErrors.Load()) },
		"flapi_arrow_memory_limit_errors_total":  func() float64 { return float64(m.MemoryLimitErrors.Load()) },
	}
	for name, fn := range counters {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name}, fn))
	}
	gauges := map[string]func() float64{
		"flapi_arrow_active_streams":       func() float64 { return float64(m.ActiveStreams.Load()) },
		"flapi_arrow_peak_active_streams":  func() float64 { return float64(m.PeakActiveStreams.Load()) },
		"flapi_arrow_current_memory_bytes": func() float64 { return float64(m.CurrentMemoryBytes.Load()) },
		"flapi_arrow_peak_memory_bytes":    func() float64 { return float64(m.PeakMemoryBytes.Load()) },
	}
	for name, fn := range gauges {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name}, fn))
	}
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
