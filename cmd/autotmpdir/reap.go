package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/ledger"
)

func newReapCmd(a *app) *cobra.Command {
	var (
		ledgerPath string
		olderThan  time.Duration
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "remove directories the ledger shows were left behind",
		Long: "reap removes directories whose last recorded outcome left them on disk and\n" +
			"that are older than --older-than. A directory is only removed while it is\n" +
			"still owned by the user that created it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, path, err := a.openLedger(cmd.Context(), ledgerPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			var opts []ledger.ReaperOption
			if dryRun {
				opts = append(opts, ledger.DryRun())
			}
			report, err := ledger.NewReaper(l, ledger.DefaultLockPath(path), opts...).Reap(cmd.Context(), olderThan)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			for _, p := range report.Reaped {
				fmt.Fprintf(out, "%s %s\n", verb, p)
			}
			for _, f := range report.Failed {
				fmt.Fprintf(out, "failed %s: %v\n", f.Path, f.Err)
			}
			fmt.Fprintf(out, "%d %s, %d failed\n", len(report.Reaped), verb, len(report.Failed))
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger database (default ledger.path)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only reap directories older than this")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be removed")
	return cmd
}
