package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// Run executes the query command.
func (c *QueryCmd) Run(deps *Dependencies) error {
	result, err := deps.App.Query(deps.Ctx, c.SQL)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(deps.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(result.Columns, "\t"))
	cells := make([]string, len(result.Columns))
	for _, row := range result.Rows {
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(deps.Stderr, "(%d rows)\n", len(result.Rows))
	return nil
}
