package types

import (
	"encoding/json"
	"time"
)

// AdditionalInfo carries free-form extras attached to catalog metadata.
type AdditionalInfo struct {
	GrapherMeta json.RawMessage `json:"grapher_meta,omitempty"`
}

// DatasetMeta is the structured metadata document published for a dataset.
type DatasetMeta struct {
	ShortName      string          `json:"short_name"`
	Namespace      string          `json:"namespace"`
	Version        string          `json:"version"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Sources        json.RawMessage `json:"sources,omitempty"`
	Licenses       json.RawMessage `json:"licenses,omitempty"`
	IsPublic       *bool           `json:"is_public,omitempty"`
	SourceChecksum string          `json:"source_checksum"`
	AdditionalInfo *AdditionalInfo `json:"additional_info,omitempty"`
}

// VariableMeta is the structured metadata published for one column.
type VariableMeta struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Unit           string          `json:"unit"`
	ShortUnit      string          `json:"short_unit"`
	Display        map[string]any  `json:"display,omitempty"`
	Sources        json.RawMessage `json:"sources,omitempty"`
	Licenses       json.RawMessage `json:"licenses,omitempty"`
	AdditionalInfo *AdditionalInfo `json:"additional_info,omitempty"`
}

// TableMeta is the structured metadata document published for a table.
type TableMeta struct {
	ShortName   string                  `json:"short_name"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Dimensions  []string                `json:"dimensions,omitempty"`
	Dataset     *DatasetMeta            `json:"dataset,omitempty"`
	Fields      map[string]VariableMeta `json:"fields"`
}

// MetaDataset is the normalized local row describing one dataset.
type MetaDataset struct {
	Path           string
	Channel        Channel
	Namespace      string
	Version        string
	ShortName      string
	Title          string
	Description    string
	Sources        string
	Licenses       string
	IsPublic       bool
	Checksum       string
	SourceChecksum string
	GrapherMeta    string
}

// MetaTable is the normalized local row describing one table.
// DatasetPath references MetaDataset.Path.
type MetaTable struct {
	Path            string
	DatasetPath     string
	LocalName       string
	TableName       string
	DatasetName     string
	Channel         Channel
	Namespace       string
	Version         string
	Title           string
	Description     string
	Dimensions      string
	DimensionValues string
	Format          string
	IsPublic        bool
	RowCount        int64
}

// MetaVariable is the normalized local row describing one column of a table.
// TablePath references MetaTable.Path.
type MetaVariable struct {
	Path             string
	TablePath        string
	DatasetPath      string
	ShortName        string
	DatasetShortName string
	Title            string
	Description      string
	Unit             string
	ShortUnit        string
	Display          string
	Sources          string
	Licenses         string
	GrapherMeta      string
	VariableID       *int64
	VariableType     string
}

// Projection is the full set of metadata rows for one dataset.
type Projection struct {
	Dataset   MetaDataset
	Tables    []MetaTable
	Variables []MetaVariable
}

// SyncRecord is the last successful sync of a dataset.
type SyncRecord struct {
	DatasetPath string
	Checksum    string
	SyncedAt    time.Time
}
