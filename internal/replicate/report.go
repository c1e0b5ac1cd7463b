package replicate

import (
	"fmt"
	"io"
	"time"

	"github.com/catalogsync/catalogsync/internal/observability"
)

// State is the position of a dataset in its per-run state machine.
type State string

const (
	StatePending  State = "PENDING"
	StateChecking State = "CHECKING"
	StateUpToDate State = "UP_TO_DATE"
	StateSyncing  State = "SYNCING"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
	StateRemoved  State = "REMOVED"
)

// Terminal reports whether a dataset in state s is finished for this run.
func (s State) Terminal() bool {
	switch s {
	case StateUpToDate, StateDone, StateFailed, StateRemoved:
		return true
	}
	return false
}

// DatasetResult is the outcome of one dataset in a run.
type DatasetResult struct {
	DatasetPath string
	State       State
	Checksum    string
	Tables      int
	Rows        int64
	Elapsed     time.Duration
	Err         error

	// Synced is set once the dataset entered SYNCING.
	Synced bool
}

// Report summarizes a replication run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Datasets   []DatasetResult
	Stats      *observability.DatasetStats
}

// Count returns the number of datasets that ended in state.
func (r *Report) Count(state State) int {
	n := 0
	for _, d := range r.Datasets {
		if d.State == state {
			n++
		}
	}
	return n
}

// Failures returns the failed datasets.
func (r *Report) Failures() []DatasetResult {
	var failed []DatasetResult
	for _, d := range r.Datasets {
		if d.State == StateFailed {
			failed = append(failed, d)
		}
	}
	return failed
}

// Synced returns the number of datasets that went through SYNCING.
func (r *Report) Synced() int {
	n := 0
	for _, d := range r.Datasets {
		if d.Synced {
			n++
		}
	}
	return n
}

// OK reports whether every selected dataset finished DONE, UP_TO_DATE or
// REMOVED. Datasets left PENDING by a cancelled run count as not OK.
func (r *Report) OK() bool {
	for _, d := range r.Datasets {
		switch d.State {
		case StateDone, StateUpToDate, StateRemoved:
		default:
			return false
		}
	}
	return true
}

// WriteSummary prints the per-state counts and every failure with its cause.
func (r *Report) WriteSummary(w io.Writer) error {
	_, err := fmt.Fprintf(w, "run %s: %d datasets, %d up to date, %d done, %d failed, %d removed (%s)\n",
		r.RunID, len(r.Datasets),
		r.Count(StateUpToDate), r.Count(StateDone), r.Count(StateFailed), r.Count(StateRemoved),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	)
	if err != nil {
		return err
	}
	if n := r.unfinished(); n > 0 {
		if _, err := fmt.Fprintf(w, "  %d datasets not started (run cancelled)\n", n); err != nil {
			return err
		}
	}
	for _, f := range r.Failures() {
		if _, err := fmt.Fprintf(w, "  FAILED %s: %v\n", f.DatasetPath, f.Err); err != nil {
			return err
		}
	}
	return nil
}

// unfinished counts datasets that never reached a terminal state.
func (r *Report) unfinished() int {
	n := 0
	for _, d := range r.Datasets {
		if !d.State.Terminal() {
			n++
		}
	}
	return n
}
