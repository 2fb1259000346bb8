package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/ledger"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.Foreground(lipgloss.Color("#FF0000"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))
)

func newLsCmd(a *app) *cobra.Command {
	var (
		ledgerPath string
		jobID      uint32
		limit      int
		action     string
		stale      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "list directories recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, _, err := a.openLedger(cmd.Context(), ledgerPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			var entries []ledger.Entry
			if cmd.Flags().Changed("stale") {
				entries, err = l.Stale(cmd.Context(), stale)
			} else {
				entries, err = l.List(cmd.Context(), ledger.Filter{JobID: jobID, Limit: limit, Action: lifecycle.Action(action)})
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No entries.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEntries(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger database (default ledger.path)")
	cmd.Flags().Uint32Var(&jobID, "job-id", 0, "only show this job")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many entries (0 for all)")
	cmd.Flags().StringVar(&action, "action", "", "only show this outcome (created, removed, remove_failed, kept, reaped, reap_failed)")
	cmd.Flags().DurationVar(&stale, "stale", 0, "show directories left behind for longer than this instead")
	return cmd
}

func renderEntries(entries []ledger.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.CreatedAt.Local().Format(time.DateTime),
			strconv.FormatUint(uint64(e.Identity.JobID), 10),
			e.Identity.StepString(),
			strconv.FormatUint(uint64(e.Identity.TaskID), 10),
			strconv.Itoa(e.Identity.UID),
			e.Event,
			string(e.Action),
			e.Path,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("TIME", "JOB", "STEP", "TASK", "UID", "EVENT", "OUTCOME", "PATH").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 6 && row >= 0 && row < len(entries) && failed(entries[row].Action) {
				return failedStyle
			}
			return cellStyle
		})
	return t.Render()
}

func failed(a lifecycle.Action) bool {
	return a == lifecycle.ActionRemoveFailed || a == ledger.ActionReapFailed
}
