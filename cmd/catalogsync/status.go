package main

import (
	"fmt"
	"text/tabwriter"
	"time"
)

// Run executes the status command.
func (c *StatusCmd) Run(deps *Dependencies) error {
	status, err := deps.App.Status(deps.Ctx, c.Runs)
	if err != nil {
		return err
	}

	if len(status.Records) == 0 {
		fmt.Fprintln(deps.Stdout, "No datasets replicated yet.")
	} else {
		w := tabwriter.NewWriter(deps.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATASET\tCHECKSUM\tSYNCED")
		for _, rec := range status.Records {
			fmt.Fprintf(w, "%s\t%s\t%s\n", rec.DatasetPath, rec.Checksum, rec.SyncedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(status.Runs) == 0 {
		return nil
	}
	fmt.Fprintln(deps.Stdout)
	w := tabwriter.NewWriter(deps.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tDATASETS\tUP TO DATE\tDONE\tFAILED\tREMOVED")
	for _, r := range status.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Datasets, r.UpToDate, r.Done, r.Failed, r.Removed)
	}
	return w.Flush()
}
