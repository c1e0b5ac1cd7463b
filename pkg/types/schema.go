package types

import "fmt"

// ColumnType is the closed set of column types the local store accepts.
// Payload types outside this set are rejected rather than coerced.
type ColumnType int

const (
	ColumnInvalid ColumnType = iota
	ColumnBoolean
	ColumnSmallInt
	ColumnInteger
	ColumnBigInt
	ColumnFloat
	ColumnDouble
	ColumnVarchar
	ColumnDate
	ColumnTimestamp
)

var columnTypeNames = map[ColumnType]string{
	ColumnBoolean:   "BOOLEAN",
	ColumnSmallInt:  "SMALLINT",
	ColumnInteger:   "INTEGER",
	ColumnBigInt:    "BIGINT",
	ColumnFloat:     "FLOAT",
	ColumnDouble:    "DOUBLE",
	ColumnVarchar:   "VARCHAR",
	ColumnDate:      "DATE",
	ColumnTimestamp: "TIMESTAMP",
}

// SQLType returns the column's DDL type, valid for DuckDB and SQLite.
func (c ColumnType) SQLType() string {
	if name, ok := columnTypeNames[c]; ok {
		return name
	}
	return ""
}

// String implements fmt.Stringer.
func (c ColumnType) String() string {
	if name := c.SQLType(); name != "" {
		return name
	}
	return fmt.Sprintf("ColumnType(%d)", int(c))
}

// Valid reports whether c is a member of the supported set.
func (c ColumnType) Valid() bool {
	_, ok := columnTypeNames[c]
	return ok
}

// Column describes one column of a materialized table.
type Column struct {
	// Name is the column name as published in the payload
	Name string `json:"name"`

	// Type is the validated local column type
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`
}

// MaterializedTable is a table staged in the local store, waiting for its
// dataset's commit to swap it in under Name.
type MaterializedTable struct {
	// Entry is the catalog entry the table was built from
	Entry CatalogEntry

	// Name is the LocalTableName the table is published under
	Name string

	// StagingName is the temporary physical table holding the new contents
	StagingName string

	// Columns is the validated schema in payload order
	Columns []Column

	// RowCount is the number of rows written to the staging table
	RowCount int64

	// DimensionValues holds the distinct values of dimension columns
	DimensionValues map[string][]any
}

// ColumnType returns the type of the named column, or ColumnInvalid.
func (m *MaterializedTable) ColumnType(name string) ColumnType {
	for _, c := range m.Columns {
		if c.Name == name {
			return c.Type
		}
	}
	return ColumnInvalid
}
