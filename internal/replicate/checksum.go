package replicate

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/catalogsync/catalogsync/pkg/types"
)

// ChecksumMode selects how a dataset checksum is derived from its tables.
type ChecksumMode string

const (
	// ChecksumLead uses the checksum of the table with the smallest short name.
	ChecksumLead ChecksumMode = "lead"

	// ChecksumComposite hashes the checksums of every table, so a change in any
	// table resyncs the dataset.
	ChecksumComposite ChecksumMode = "composite"
)

// Valid reports whether m is a known mode.
func (m ChecksumMode) Valid() bool {
	return m == ChecksumLead || m == ChecksumComposite
}

// DatasetChecksum derives the checksum a dataset is compared by.
func DatasetChecksum(entries []types.CatalogEntry, mode ChecksumMode) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("dataset has no tables")
	}

	sorted := append([]types.CatalogEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TableShortName < sorted[j].TableShortName
	})

	switch mode {
	case ChecksumLead, "":
		return sorted[0].Checksum, nil
	case ChecksumComposite:
		h := murmur3.New128()
		for _, e := range sorted {
			fmt.Fprintf(h, "%s=%s\n", e.TableShortName, e.Checksum)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", fmt.Errorf("unknown checksum mode %q", mode)
	}
}
