package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/yairfalse/curfew/internal/governor"
	"github.com/yairfalse/curfew/internal/ledger"
)

const timeLayout = "2006-01-02 15:04 MST"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPassResult(w io.Writer, r governor.PassResult) {
	mode := "production"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "Pass %s (%s) took %s\n", r.PassID, mode, r.Duration.Round(time.Millisecond))

	table := tablewriter.NewWriter(w)
	table.Header("Listed", "Skipped", "Created", "Held", "Struck", "Terminated", "Warnings", "Shutdowns", "Stop errors", "Errors")
	_ = table.Append([]string{
		strconv.Itoa(r.Listed),
		strconv.Itoa(r.Skipped),
		strconv.Itoa(r.Created),
		strconv.Itoa(r.Held),
		strconv.Itoa(r.Struck),
		strconv.Itoa(r.Terminated),
		strconv.Itoa(r.Warnings),
		strconv.Itoa(r.Shutdowns),
		strconv.Itoa(r.StopErrors),
		strconv.Itoa(r.Errors),
	})
	_ = table.Render()
}

func printWarnings(w io.Writer, records []ledger.WarningRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No instances under warning")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Instance", "Name", "Strikes", "Launched", "Held until", "Silenced", "Updated")
	for _, r := range records {
		held := "-"
		if r.Held(now) {
			held = r.DelayUntil.Local().Format(timeLayout)
		}
		_ = table.Append([]string{
			r.ResourceID,
			r.Name,
			strconv.Itoa(r.Strikes),
			r.LaunchTime.Local().Format(timeLayout),
			held,
			strconv.FormatBool(r.Silenced),
			r.UpdatedAt.Local().Format(timeLayout),
		})
	}
	_ = table.Render()
}
