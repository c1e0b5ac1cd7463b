package main

import (
	"fmt"

	"github.com/catalogsync/catalogsync/internal/app"
	"github.com/catalogsync/catalogsync/internal/replicate"
)

// Run executes the sync command.
func (c *SyncCmd) Run(deps *Dependencies) error {
	opts := app.SyncOptions{Pattern: c.Pattern, Force: c.Force}

	if c.Interval > 0 {
		report, err := deps.App.SyncEvery(deps.Ctx, c.Interval, opts, func(r *replicate.Report) {
			_ = r.WriteSummary(deps.Stdout)
		})
		return runStatus(report, err)
	}

	report, err := deps.App.Sync(deps.Ctx, opts)
	if err == nil {
		if err := report.WriteSummary(deps.Stdout); err != nil {
			return err
		}
	}
	return runStatus(report, err)
}

// runStatus maps the outcome of the last run to an exit code.
func runStatus(report *replicate.Report, err error) error {
	if err != nil {
		if replicate.IsRunFatal(err) {
			return &exitError{code: 2, msg: fmt.Sprintf("catalog unavailable: %v", err)}
		}
		return err
	}
	if report != nil && !report.OK() {
		return &exitError{code: 1, msg: fmt.Sprintf("run incomplete: %d datasets failed", report.Count(replicate.StateFailed))}
	}
	return nil
}
