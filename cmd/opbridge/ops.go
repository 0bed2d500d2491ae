package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wippyai/opbridge/ext/core"
	"github.com/wippyai/opbridge/metrics"
	"github.com/wippyai/opbridge/ops"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	errorCountStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
)

func newOpsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the registered ops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry(a.logger, nil, core.Stdio{})
			if err != nil {
				return err
			}
			printOps(cmd.OutOrStdout(), reg.Decls())
			return nil
		},
	}
}

func cell(width int, s string) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}

func printOps(w io.Writer, decls []ops.Decl) {
	fmt.Fprintln(w, headerStyle.Render(cell(20, "OP")+cell(8, "KIND")+cell(10, "SCHEDULE")+cell(5, "FAST")))
	for _, d := range decls {
		schedule := "-"
		switch {
		case d.Blocking:
			schedule = "pool"
		case d.Local:
			schedule = "owner"
		case d.Kind == ops.KindAsync:
			schedule = "spawn"
		}
		fast := "no"
		if d.Fast != nil {
			fast = "yes"
		}
		fmt.Fprintln(w, nameStyle.Render(cell(20, d.Name))+cell(8, d.Kind.String())+cell(10, schedule)+cell(5, fast))
	}
}

func printSummary(w io.Writer, stats []metrics.OpStats) {
	if len(stats) == 0 {
		return
	}
	fmt.Fprintln(w, headerStyle.Render(cell(20, "OP")+cell(8, "CALLS")+cell(8, "ERRORS")+cell(10, "BYTES")+cell(12, "AVG")))
	for _, s := range stats {
		var avg time.Duration
		if s.Dispatched > 0 {
			avg = s.TotalDuration / time.Duration(s.Dispatched)
		}
		errs := cell(8, fmt.Sprint(s.Errors))
		if s.Errors > 0 {
			errs = errorCountStyle.Render(errs)
		}
		fmt.Fprintln(w, strings.Join([]string{
			nameStyle.Render(cell(20, s.Op)),
			cell(8, fmt.Sprint(s.Dispatched)),
			errs,
			cell(10, fmt.Sprint(s.Bytes)),
			cell(12, avg.String()),
		}, ""))
	}
}
