package materialize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// ColumnTypeOf maps a payload type onto the local column types. Unsigned
// integers widen to the next signed type. Anything else, uint64 included, is
// rejected: a column the store cannot hold exactly is never coerced.
func ColumnTypeOf(dt arrow.DataType) (types.ColumnType, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return types.ColumnBoolean, nil
	case arrow.INT8, arrow.INT16, arrow.UINT8:
		return types.ColumnSmallInt, nil
	case arrow.INT32, arrow.UINT16:
		return types.ColumnInteger, nil
	case arrow.INT64, arrow.UINT32:
		return types.ColumnBigInt, nil
	case arrow.FLOAT32:
		return types.ColumnFloat, nil
	case arrow.FLOAT64:
		return types.ColumnDouble, nil
	case arrow.STRING, arrow.LARGE_STRING:
		return types.ColumnVarchar, nil
	case arrow.DATE32, arrow.DATE64:
		return types.ColumnDate, nil
	case arrow.TIMESTAMP:
		return types.ColumnTimestamp, nil
	case arrow.DICTIONARY:
		// Categorical columns take the type of their values
		return ColumnTypeOf(dt.(*arrow.DictionaryType).ValueType)
	default:
		return types.ColumnInvalid, syncerrors.NewMaterializeError(syncerrors.CodeUnsupportedType,
			fmt.Sprintf("payload type %s has no local column type", dt))
	}
}

// resolveColumns validates every field of a payload schema.
func resolveColumns(schema *arrow.Schema) ([]types.Column, error) {
	cols := make([]types.Column, schema.NumFields())
	for i, f := range schema.Fields() {
		ct, err := ColumnTypeOf(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		cols[i] = types.Column{Name: f.Name, Type: ct, Nullable: f.Nullable}
	}
	return cols, nil
}

// valueAt returns row i of arr as a database/sql argument.
func valueAt(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Date64:
		return a.Value(i).ToTime()
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Dictionary:
		return valueAt(a.Dictionary(), a.GetValueIndex(i))
	default:
		return nil
	}
}

// lessValue orders dimension values of one column.
func lessValue(a, b any) bool {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return x < y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x < y
		}
	case string:
		if y, ok := b.(string); ok {
			return x < y
		}
	case bool:
		if y, ok := b.(bool); ok {
			return !x && y
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Before(y)
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// formatValue renders a dimension value for joined keys. NULL renders as
// "None" so tuples with missing parts stay distinct.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
