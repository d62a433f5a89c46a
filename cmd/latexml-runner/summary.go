package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/dginev/latexml-runner/pkg/pool"
	"github.com/dginev/latexml-runner/pkg/runner"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

func printSummary(w io.Writer, report *runner.Report, sessions pool.Statistics) {
	fmt.Fprintln(w)
	bold.Fprintln(w, "Conversion summary")

	table := tablewriter.NewWriter(w)
	table.Header("Files", "Formulas", "Converted", "Failed", "Retried", "Elapsed", "Formulas/s")
	_ = table.Append(
		fmt.Sprint(report.Files),
		fmt.Sprint(report.Tasks),
		green.Sprint(report.Succeeded),
		failureColor(report.Failed).Sprint(report.Failed),
		fmt.Sprint(report.Retried),
		report.Elapsed.Round(time.Millisecond).String(),
		fmt.Sprintf("%.1f", report.Rate()),
	)
	_ = table.Render()

	if report.InputErrors > 0 {
		red.Fprintf(w, "%d input records could not be read\n", report.InputErrors)
	}

	if sessions.Retired > 0 {
		yellow.Fprintf(w, "%d of %d workers retired, %d reconnects\n",
			sessions.Retired, sessions.Sessions, sessions.Reconnects)
	}
}

func failureColor(failed int64) *color.Color {
	if failed > 0 {
		return red
	}
	return green
}
