// Package project flattens the metadata documents of a dataset into the rows of
// the local metadata tables.
package project

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// PayloadFormat is recorded on every projected table.
const PayloadFormat = "parquet"

const (
	backportVersion   = "latest"
	backportNamespace = "owid"
)

// Table is one materialized table of a dataset together with its metadata
// document. Meta may be nil when the catalog publishes none.
type Table struct {
	Entry        types.CatalogEntry
	Meta         *types.TableMeta
	Materialized *types.MaterializedTable
}

// Project builds the MetaDataset, MetaTable and MetaVariable rows of one
// dataset. datasetMeta may be nil, in which case the dataset document embedded
// in the first table's metadata is used. checksum is the dataset checksum
// recorded alongside the sync record.
//
// Every failure matches errors.ErrProjectionFailed.
func Project(datasetPath string, datasetMeta *types.DatasetMeta, tables []Table, checksum string) (types.Projection, error) {
	p, err := project(datasetPath, datasetMeta, tables, checksum)
	if err != nil {
		return types.Projection{}, syncerrors.NewProjectionFailed(datasetPath, err)
	}
	return p, nil
}

func project(datasetPath string, datasetMeta *types.DatasetMeta, tables []Table, checksum string) (types.Projection, error) {
	if len(tables) == 0 {
		return types.Projection{}, fmt.Errorf("dataset has no tables")
	}

	sorted := append([]Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Entry.TableShortName < sorted[j].Entry.TableShortName
	})

	seen := make(map[string]bool, len(sorted))
	for _, t := range sorted {
		if t.Entry.DatasetPath() != datasetPath {
			return types.Projection{}, fmt.Errorf("table %s does not belong to the dataset", t.Entry.TablePath())
		}
		if t.Materialized == nil {
			return types.Projection{}, fmt.Errorf("table %s was not materialized", t.Entry.TablePath())
		}
		if seen[t.Entry.TableShortName] {
			return types.Projection{}, fmt.Errorf("table %s listed twice", t.Entry.TablePath())
		}
		seen[t.Entry.TableShortName] = true
	}

	lead := sorted[0].Entry
	if datasetMeta == nil {
		for _, t := range sorted {
			if t.Meta != nil && t.Meta.Dataset != nil {
				datasetMeta = t.Meta.Dataset
				break
			}
		}
	}
	if datasetMeta == nil {
		datasetMeta = &types.DatasetMeta{}
	}

	ds, err := projectDataset(datasetPath, lead, datasetMeta, checksum)
	if err != nil {
		return types.Projection{}, err
	}

	out := types.Projection{Dataset: ds}
	for _, t := range sorted {
		mt, err := projectTable(ds, t)
		if err != nil {
			return types.Projection{}, err
		}
		out.Tables = append(out.Tables, mt)

		vars, err := projectVariables(ds, mt, t)
		if err != nil {
			return types.Projection{}, err
		}
		out.Variables = append(out.Variables, vars...)
	}
	return out, nil
}

func projectDataset(datasetPath string, lead types.CatalogEntry, meta *types.DatasetMeta, checksum string) (types.MetaDataset, error) {
	ds := types.MetaDataset{
		Path:           datasetPath,
		Channel:        channelOf(datasetPath),
		Namespace:      firstNonEmpty(meta.Namespace, lead.Namespace),
		Version:        firstNonEmpty(meta.Version, lead.Version),
		ShortName:      firstNonEmpty(meta.ShortName, lead.DatasetShortName),
		Title:          meta.Title,
		Description:    meta.Description,
		Sources:        rawList(meta.Sources),
		Licenses:       rawList(meta.Licenses),
		IsPublic:       meta.IsPublic == nil || *meta.IsPublic,
		Checksum:       checksum,
		SourceChecksum: meta.SourceChecksum,
	}

	// Backported datasets carry no version and all live under one namespace
	if ds.Channel == types.ChannelBackport {
		ds.Version = backportVersion
		ds.Namespace = backportNamespace
		if meta.AdditionalInfo != nil && len(meta.AdditionalInfo.GrapherMeta) > 0 {
			if !json.Valid(meta.AdditionalInfo.GrapherMeta) {
				return types.MetaDataset{}, fmt.Errorf("dataset grapher metadata is not valid JSON")
			}
			ds.GrapherMeta = string(meta.AdditionalInfo.GrapherMeta)
		}
	}
	return ds, nil
}

func projectTable(ds types.MetaDataset, t Table) (types.MetaTable, error) {
	dims := dimensionsOf(t)
	dimsJSON, err := json.Marshal(dims)
	if err != nil {
		return types.MetaTable{}, fmt.Errorf("encode dimensions of %s: %w", t.Entry.TablePath(), err)
	}

	values := t.Materialized.DimensionValues
	if values == nil {
		values = map[string][]any{}
	}
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return types.MetaTable{}, fmt.Errorf("encode dimension values of %s: %w", t.Entry.TablePath(), err)
	}

	mt := types.MetaTable{
		Path:            t.Entry.TablePath(),
		DatasetPath:     ds.Path,
		LocalName:       t.Materialized.Name,
		TableName:       t.Entry.TableShortName,
		DatasetName:     ds.ShortName,
		Channel:         t.Entry.Channel,
		Namespace:       ds.Namespace,
		Version:         ds.Version,
		Dimensions:      string(dimsJSON),
		DimensionValues: string(valuesJSON),
		Format:          PayloadFormat,
		IsPublic:        !t.Entry.IsPrivate,
		RowCount:        t.Materialized.RowCount,
	}
	if t.Meta != nil {
		mt.Title = t.Meta.Title
		mt.Description = t.Meta.Description
	}
	return mt, nil
}

// projectVariables emits one row per described, non-dimension column.
// Dimensions are described by their table.
func projectVariables(ds types.MetaDataset, mt types.MetaTable, t Table) ([]types.MetaVariable, error) {
	if t.Meta == nil || len(t.Meta.Fields) == 0 {
		return nil, nil
	}

	isDim := make(map[string]bool)
	for _, d := range dimensionsOf(t) {
		isDim[d] = true
	}

	names := make([]string, 0, len(t.Meta.Fields))
	for name := range t.Meta.Fields {
		if !isDim[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	vars := make([]types.MetaVariable, 0, len(names))
	for _, name := range names {
		v, err := projectVariable(ds, mt, t, name, t.Meta.Fields[name])
		if err != nil {
			return nil, fmt.Errorf("variable %s/%s: %w", mt.Path, name, err)
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func projectVariable(ds types.MetaDataset, mt types.MetaTable, t Table, name string, meta types.VariableMeta) (types.MetaVariable, error) {
	ct := t.Materialized.ColumnType(name)
	if !ct.Valid() {
		return types.MetaVariable{}, fmt.Errorf("column missing from materialized table")
	}

	unit := meta.Unit
	if unit == "" {
		if u, ok := meta.Display["unit"].(string); ok {
			unit = u
		}
	}

	display := ""
	if meta.Display != nil {
		b, err := json.Marshal(meta.Display)
		if err != nil {
			return types.MetaVariable{}, fmt.Errorf("encode display: %w", err)
		}
		display = string(b)
	}

	v := types.MetaVariable{
		Path:             mt.Path + "/" + name,
		TablePath:        mt.Path,
		DatasetPath:      ds.Path,
		ShortName:        name,
		DatasetShortName: ds.ShortName,
		Title:            meta.Title,
		Description:      meta.Description,
		Unit:             unit,
		ShortUnit:        meta.ShortUnit,
		Display:          display,
		Sources:          rawList(meta.Sources),
		Licenses:         rawList(meta.Licenses),
		VariableType:     ct.SQLType(),
	}

	// Grapher ids are unique only within the backport channel
	if ds.Channel == types.ChannelBackport && meta.AdditionalInfo != nil && len(meta.AdditionalInfo.GrapherMeta) > 0 {
		var gm struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(meta.AdditionalInfo.GrapherMeta, &gm); err != nil {
			return types.MetaVariable{}, fmt.Errorf("decode grapher metadata: %w", err)
		}
		v.GrapherMeta = string(meta.AdditionalInfo.GrapherMeta)
		v.VariableID = gm.ID
	}
	return v, nil
}

// dimensionsOf merges the dimensions listed in the index with those declared by
// the table document, index order first.
func dimensionsOf(t Table) []string {
	dims := append([]string{}, t.Entry.Dimensions...)
	if t.Meta != nil {
		for _, d := range t.Meta.Dimensions {
			if !t.Entry.HasDimension(d) {
				dims = append(dims, d)
			}
		}
	}
	return dims
}

func channelOf(datasetPath string) types.Channel {
	channel, _, _ := strings.Cut(datasetPath, "/")
	return types.Channel(channel)
}

func rawList(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "[]"
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
