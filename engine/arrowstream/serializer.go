// Package arrowstream converts engine result cursors into Arrow IPC byte
// streams with optional one-shot ZSTD/LZ4 compression, a coarse memory
// guard, and a process-wide metrics facet.
package arrowstream

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/flapi/flapi/engine/core"
	"github.com/flapi/flapi/pkg/logger"
)

const (
	defaultBatchSize      = 8192
	defaultMaxMemoryBytes = 256 << 20
	defaultZstdLevel      = 3
	// rowCostEstimate is the coarse per-row proxy the memory guard sums.
	rowCostEstimate = 100
)

// ContentType is the Arrow stream media type.
const ContentType = "application/vnd.apache.arrow.stream"

// Config tunes one serializer instance.
type Config struct {
	BatchSize        int
	Codec            string // "", "lz4" or "zstd", case-insensitive
	CompressionLevel int
	MaxMemoryBytes   int64
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{BatchSize: defaultBatchSize, MaxMemoryBytes: defaultMaxMemoryBytes}
}

// Serializer streams SQL cursors as Arrow IPC.
type Serializer struct {
	cfg Config
}

// New validates the codec name and builds a serializer.
func New(cfg Config) (*Serializer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = defaultMaxMemoryBytes
	}
	switch strings.ToLower(cfg.Codec) {
	case "", "lz4", "zstd":
		cfg.Codec = strings.ToLower(cfg.Codec)
	default:
		return nil, core.NewError(core.KindSerializer, fmt.Sprintf("unsupported codec %q", cfg.Codec)).
			WithCode(core.SerializerCompression)
	}
	return &Serializer{cfg: cfg}, nil
}

// Stream writes the whole cursor as schema + record batches + end-of-stream
// marker. When a codec is configured the complete IPC payload is compressed
// in one shot; compression failures fall back to the uncompressed bytes
// silently.
func (s *Serializer) Stream(ctx context.Context, rows *sql.Rows, w io.Writer) error {
	m := Stats()
	scope := NewRequestScope()
	defer scope.Close()
	started := time.Now()

	var ipcBuf bytes.Buffer
	payload, err := s.writeIPC(ctx, m, scope, rows, &ipcBuf)
	if err != nil {
		return err
	}
	m.BytesWrittenUncompressed.Add(int64(len(payload)))

	out := payload
	if s.cfg.Codec != "" {
		m.CompressionRequests.Add(1)
		compressed, cerr := compress(s.cfg.Codec, s.cfg.CompressionLevel, payload)
		if cerr != nil {
			m.CompressionErrors.Add(1)
			logger.FromContext(ctx).Warn("compression failed, sending uncompressed stream",
				"codec", s.cfg.Codec, "error", cerr)
		} else {
			out = compressed
			if len(payload) > 0 {
				m.CompressionPpm.Observe(int64(len(compressed)) * 1_000_000 / int64(len(payload)))
			}
		}
	}
	m.BytesCompressed.Add(int64(len(out)))

	if _, err := w.Write(out); err != nil {
		scope.MarkFailure()
		return core.WrapError(core.KindTransport, "stream write failed", err)
	}
	m.ResponseBytes.Observe(int64(len(out)))
	m.DurationMicros.Observe(time.Since(started).Microseconds())
	scope.MarkSuccess()
	return nil
}

// writeIPC pulls chunks from the cursor and renders the raw IPC stream.
func (s *Serializer) writeIPC(ctx context.Context, m *Metrics, scope *RequestScope, rows *sql.Rows, buf *bytes.Buffer) ([]byte, error) {
	cols, err := rows.ColumnTypes()
	if err != nil {
		scope.MarkFailure()
		return nil, core.WrapError(core.KindSerializer, "column introspection failed", err)
	}
	schema := SchemaFor(cols)
	mem := memory.NewGoAllocator()
	writer := ipc.NewWriter(buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	var estimate int64
	defer trackMemory(m, -estimate)

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	batchRows := 0
	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return err
		}
		m.TotalBatches.Add(1)
		m.TotalRows.Add(int64(batchRows))
		m.BatchRows.Observe(int64(batchRows))
		batchRows = 0
		return nil
	}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			scope.MarkFailure()
			return nil, core.WrapError(core.KindSerializer, "stream canceled", err)
		}
		if err := rows.Scan(ptrs...); err != nil {
			scope.MarkFailure()
			return nil, core.WrapError(core.KindSerializer, "row scan failed", err)
		}
		for i, v := range dest {
			appendValue(builder.Field(i), schema.Field(i).Type, v)
		}
		batchRows++
		if batchRows >= s.cfg.BatchSize {
			estimate += int64(batchRows) * rowCostEstimate
			trackMemory(m, int64(batchRows)*rowCostEstimate)
			if estimate > s.cfg.MaxMemoryBytes {
				m.MemoryLimitErrors.Add(1)
				scope.MarkFailure()
				return nil, core.NewError(core.KindSerializer, "memory limit exceeded").
					WithCode(core.SerializerMemory)
			}
			if err := flush(); err != nil {
				scope.MarkFailure()
				return nil, core.WrapError(core.KindSerializer, "record batch write failed", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		scope.MarkFailure()
		return nil, core.WrapError(core.KindSerializer, "cursor iteration failed", err)
	}
	if batchRows > 0 {
		estimate += int64(batchRows) * rowCostEstimate
		trackMemory(m, int64(batchRows)*rowCostEstimate)
		if err := flush(); err != nil {
			scope.MarkFailure()
			return nil, core.WrapError(core.KindSerializer, "record batch write failed", err)
		}
	}
	if err := writer.Close(); err != nil {
		scope.MarkFailure()
		return nil, core.WrapError(core.KindSerializer, "end-of-stream write failed", err)
	}
	return buf.Bytes(), nil
}

// compress applies the configured codec over the complete IPC payload.
func compress(codec string, level int, payload []byte) ([]byte, error) {
	switch codec {
	case "zstd":
		if level <= 0 {
			level = defaultZstdLevel
		}
		if level > 22 {
			level = 22
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	case "lz4":
		var out bytes.Buffer
		lw := lz4.NewWriter(&out)
		if err := lw.Apply(lz4.SizeOption(uint64(len(payload)))); err != nil {
			return nil, err
		}
		if _, err := lw.Write(payload); err != nil {
			return nil, err
		}
		if err := lw.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// appendValue copies one scanned value into its column builder, propagating
// NULLs through the validity bitmap.
func appendValue(b array.Builder, dt arrow.DataType, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch fb := b.(type) {
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			fb.Append(bv)
			return
		}
	case *array.Int8Builder:
		if n, ok := toInt64(v); ok {
			fb.Append(int8(n))
			return
		}
	case *array.Int16Builder:
		if n, ok := toInt64(v); ok {
			fb.Append(int16(n))
			return
		}
	case *array.Int32Builder:
		if n, ok := toInt64(v); ok {
			fb.Append(int32(n))
			return
		}
	case *array.Int64Builder:
		if n, ok := toInt64(v); ok {
			fb.Append(n)
			return
		}
	case *array.Uint8Builder:
		if n, ok := toUint64(v); ok {
			fb.Append(uint8(n))
			return
		}
	case *array.Uint16Builder:
		if n, ok := toUint64(v); ok {
			fb.Append(uint16(n))
			return
		}
	case *array.Uint32Builder:
		if n, ok := toUint64(v); ok {
			fb.Append(uint32(n))
			return
		}
	case *array.Uint64Builder:
		if n, ok := toUint64(v); ok {
			fb.Append(n)
			return
		}
	case *array.Float32Builder:
		if f, ok := toFloat64(v); ok {
			fb.Append(float32(f))
			return
		}
	case *array.Float64Builder:
		if f, ok := toFloat64(v); ok {
			fb.Append(f)
			return
		}
	case *array.StringBuilder:
		switch sv := v.(type) {
		case string:
			fb.Append(sv)
		case []byte:
			fb.Append(string(sv))
		default:
			fb.Append(fmt.Sprint(sv))
		}
		return
	case *array.BinaryBuilder:
		switch bv := v.(type) {
		case []byte:
			fb.Append(bv)
		case string:
			fb.Append([]byte(bv))
		default:
			b.AppendNull()
		}
		return
	case *array.Date32Builder:
		if t, ok := v.(time.Time); ok {
			fb.Append(arrow.Date32FromTime(t))
			return
		}
	case *array.Time64Builder:
		if t, ok := v.(time.Time); ok {
			midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
			fb.Append(arrow.Time64(t.Sub(midnight).Microseconds()))
			return
		}
	case *array.TimestampBuilder:
		if t, ok := v.(time.Time); ok {
			fb.Append(timestampFor(dt, t))
			return
		}
	case *array.MonthIntervalBuilder:
		if iv, ok := v.(duckdb.Interval); ok {
			fb.Append(arrow.MonthInterval(iv.Months))
			return
		}
	}
	b.AppendNull()
}

func timestampFor(dt arrow.DataType, t time.Time) arrow.Timestamp {
	unit := arrow.Microsecond
	if ts, ok := dt.(*arrow.TimestampType); ok {
		unit = ts.Unit
	}
	switch unit {
	case arrow.Second:
		return arrow.Timestamp(t.Unix())
	case arrow.Millisecond:
		return arrow.Timestamp(t.UnixMilli())
	case arrow.Nanosecond:
		return arrow.Timestamp(t.UnixNano())
	default:
		return arrow.Timestamp(t.UnixMicro())
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	case int64:
		return float64(f), true
	case int32:
		return float64(f), true
	}
	return 0, false
}
