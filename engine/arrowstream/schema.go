package arrowstream

import (
	"database/sql"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// arrowType maps an engine column type name to its Arrow equivalent.
// Unsupported types fall back to UTF-8 so a stream never fails on an exotic
// column; every field is nullable.
func arrowType(dbType string) arrow.DataType {
	switch strings.ToUpper(dbType) {
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean
	case "TINYINT", "INT1":
		return arrow.PrimitiveTypes.Int8
	case "SMALLINT", "INT2":
		return arrow.PrimitiveTypes.Int16
	case "INTEGER", "INT4", "INT":
		return arrow.PrimitiveTypes.Int32
	case "BIGINT", "INT8":
		return arrow.PrimitiveTypes.Int64
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case "FLOAT", "FLOAT4", "REAL":
		return arrow.PrimitiveTypes.Float32
	case "DOUBLE", "FLOAT8":
		return arrow.PrimitiveTypes.Float64
	case "VARCHAR", "TEXT", "STRING":
		return arrow.BinaryTypes.String
	case "BLOB", "BYTEA":
		return arrow.BinaryTypes.Binary
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIME":
		return arrow.FixedWidthTypes.Time64us
	case "TIMESTAMP":
		return arrow.FixedWidthTypes.Timestamp_us
	case "TIMESTAMP_S":
		return arrow.FixedWidthTypes.Timestamp_s
	case "TIMESTAMP_MS":
		return arrow.FixedWidthTypes.Timestamp_ms
	case "TIMESTAMP_NS":
		return arrow.FixedWidthTypes.Timestamp_ns
	case "INTERVAL":
		return arrow.FixedWidthTypes.MonthInterval
	default:
		return arrow.BinaryTypes.String
	}
}

// SchemaFor derives the Arrow schema from a result's column types, one
// nullable field per column.
func SchemaFor(cols []*sql.ColumnType) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		fields[i] = arrow.Field{
			Name:     col.Name(),
			Type:     arrowType(col.DatabaseTypeName()),
			Nullable: true,
		}
	}
	return arrow.NewSchema(fields, nil)
}
