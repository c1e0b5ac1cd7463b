package catalog

import (
	"iter"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/catalogsync/catalogsync/pkg/types"
)

// Filter selects which catalog entries a run replicates.
type Filter struct {
	// Channels restricts entries to these channels. Empty means all supported.
	Channels []types.Channel

	// Pattern is matched against channel/namespace/version/dataset.
	// Nil selects every dataset.
	Pattern *regexp.Regexp

	// IncludePrivate replicates entries not marked public.
	IncludePrivate bool
}

// Replicable reports whether an entry could be replicated at all: it is in a
// supported channel and is public, or private entries are included. Channels
// and Pattern are not applied.
func (f Filter) Replicable(e types.CatalogEntry) bool {
	return e.Channel.IsSupported() && (!e.IsPrivate || f.IncludePrivate)
}

// Match reports whether an entry passes the filter.
func (f Filter) Match(e types.CatalogEntry) bool {
	if !f.Replicable(e) {
		return false
	}
	if len(f.Channels) > 0 && !slices.Contains(f.Channels, e.Channel) {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(e.DatasetPath()) {
		return false
	}
	return true
}

// Dataset groups the selected entries sharing one dataset path.
type Dataset struct {
	Path    string
	Entries []types.CatalogEntry
}

// Snapshot is one read of the catalog index. It is immutable and lives for a
// single replication run.
type Snapshot struct {
	FetchedAt time.Time

	entries []types.CatalogEntry
	listed  map[string]struct{}
}

func newSnapshot(fetchedAt time.Time, all []types.CatalogEntry, f Filter) *Snapshot {
	s := &Snapshot{
		FetchedAt: fetchedAt,
		listed:    make(map[string]struct{}),
	}
	for _, e := range all {
		if f.Replicable(e) {
			s.listed[e.DatasetPath()] = struct{}{}
		}
		if f.Match(e) {
			s.entries = append(s.entries, e)
		}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].TablePath() < s.entries[j].TablePath()
	})
	return s
}

// All yields the selected entries in table path order. The sequence can be
// ranged over any number of times.
func (s *Snapshot) All() iter.Seq[types.CatalogEntry] {
	return func(yield func(types.CatalogEntry) bool) {
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of selected entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Datasets groups the selected entries by dataset path, ordered by path.
func (s *Snapshot) Datasets() []Dataset {
	var out []Dataset
	for e := range s.All() {
		path := e.DatasetPath()
		if n := len(out); n > 0 && out[n-1].Path == path {
			out[n-1].Entries = append(out[n-1].Entries, e)
			continue
		}
		out = append(out, Dataset{Path: path, Entries: []types.CatalogEntry{e}})
	}
	return out
}

// Listed reports whether the index has a replicable entry for datasetPath,
// whatever the channel and pattern selection. Pruning only removes datasets
// that are not listed.
func (s *Snapshot) Listed(datasetPath string) bool {
	_, ok := s.listed[datasetPath]
	return ok
}
