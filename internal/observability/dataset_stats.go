package observability

import (
	"sort"
	"sync"
	"time"
)

// DatasetStats tracks per-dataset sync timings and row counts within a run.
type DatasetStats struct {
	mu       sync.RWMutex
	datasets map[string]*DatasetStat
}

// DatasetStat holds the statistics of one dataset.
type DatasetStat struct {
	DatasetPath string
	State       string
	Elapsed     time.Duration
	Tables      int
	Rows        int64
	FinishedAt  time.Time
}

// NewDatasetStats creates an empty tracker.
func NewDatasetStats() *DatasetStats {
	return &DatasetStats{
		datasets: make(map[string]*DatasetStat),
	}
}

// RecordTable adds a materialized table to the dataset's totals.
// Safe for concurrent use.
func (d *DatasetStats) RecordTable(datasetPath string, rows int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stat := d.get(datasetPath)
	stat.Tables++
	stat.Rows += rows
}

// RecordOutcome sets the dataset's final state and elapsed time.
func (d *DatasetStats) RecordOutcome(datasetPath, state string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stat := d.get(datasetPath)
	stat.State = state
	stat.Elapsed = elapsed
	stat.FinishedAt = time.Now()
}

func (d *DatasetStats) get(datasetPath string) *DatasetStat {
	stat, exists := d.datasets[datasetPath]
	if !exists {
		stat = &DatasetStat{DatasetPath: datasetPath}
		d.datasets[datasetPath] = stat
	}
	return stat
}

// Get returns a copy of one dataset's statistics.
func (d *DatasetStats) Get(datasetPath string) (DatasetStat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stat, ok := d.datasets[datasetPath]
	if !ok {
		return DatasetStat{}, false
	}
	return *stat, true
}

// Slowest returns up to n datasets ordered by elapsed time, longest first.
func (d *DatasetStats) Slowest(n int) []DatasetStat {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || len(d.datasets) == 0 {
		return []DatasetStat{}
	}

	stats := make([]DatasetStat, 0, len(d.datasets))
	for _, s := range d.datasets {
		stats = append(stats, *s)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Elapsed != stats[j].Elapsed {
			return stats[i].Elapsed > stats[j].Elapsed
		}
		return stats[i].DatasetPath < stats[j].DatasetPath
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// TotalRows returns the rows materialized across all datasets.
func (d *DatasetStats) TotalRows() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total int64
	for _, s := range d.datasets {
		total += s.Rows
	}
	return total
}
