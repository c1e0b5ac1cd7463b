package types

import (
	"fmt"
	"strings"
)

// TableNameSeparator joins path segments in a LocalTableName.
// Validated segments never contain it, which keeps names uniquely decodable.
const TableNameSeparator = "__"

// LocalTableName derives the physical table name for an entry.
//
// garden/ggdc/2020-10-01/ggdc_maddison/maddison_gdp
// -> garden__ggdc__2020_10_01__ggdc_maddison__maddison_gdp
//
// The mapping is a pure function of the path segments. Versions may not contain
// underscores and no segment may contain a doubled separator, so distinct valid
// entries always produce distinct names.
func LocalTableName(e CatalogEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	return strings.Join([]string{
		string(e.Channel),
		e.Namespace,
		strings.ReplaceAll(e.Version, "-", "_"),
		e.DatasetShortName,
		e.TableShortName,
	}, TableNameSeparator), nil
}

// SplitLocalTableName reverses LocalTableName. The version segment keeps its
// underscore spelling since hyphens are not recoverable from the name alone.
func SplitLocalTableName(name string) ([]string, error) {
	parts := strings.Split(name, TableNameSeparator)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedTableName, name)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedTableName, name)
		}
	}
	return parts, nil
}

// QuoteIdent quotes an SQL identifier for both DuckDB and SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
