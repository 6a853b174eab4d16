package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/invisible-tech/ids-rule-runner/internal/config"
)

var (
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
)

// printReport renders the --test-config result.
func printReport(w io.Writer, source string, cfg config.RunnerConfig, checks []config.Check) {
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(w, "%s %s\n", colorBold("Configuration:"), source)
	fmt.Fprintf(w, "%s %s (threshold %.2f, %d concurrent, batch %d)\n\n",
		colorBold("Classifier:"), cfg.EffectiveModelType(), cfg.ConfidenceThreshold,
		cfg.MaxConcurrentAnalyses, cfg.MaxAlertsPerBatch)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Check", "Status", "Detail"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	failed := 0
	for _, c := range checks {
		status := colorGreen("OK")
		detail := c.Detail
		switch {
		case c.Err != nil:
			failed++
			status = colorRed("FAIL")
			detail = c.Err.Error()
		case c.Warn:
			status = colorYellow("WARN")
		}
		table.Append([]string{c.Name, status, detail})
	}
	table.Render()

	if failed > 0 {
		fmt.Fprintf(w, "\n%s %d check(s) failed\n", colorRed("✗"), failed)
		return
	}
	fmt.Fprintf(w, "\n%s configuration is valid\n", colorGreen("✓"))
}
