package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/hostenv"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/policy"
)

func newPathCmd(a *app) *cobra.Command {
	var (
		ids      identityFlags
		jobLevel bool
		b        *policy.Builder
	)
	cmd := &cobra.Command{
		Use:   "path [flags]",
		Short: "print where a job's temporary directory lives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := ids.environ()
			if err != nil {
				return err
			}
			id, err := hostenv.FromEnviron(env, nil).Identity()
			if err != nil {
				return err
			}
			c, closeFn, err := a.coordinator(cmd.Context(), b.Policy())
			if err != nil {
				return err
			}
			defer closeFn()

			rp, err := c.Resolve(id, b.Policy(), jobLevel)
			if err != nil {
				return err
			}
			if rp.FellBack {
				log.WithJob(id).Warn("base directory inaccessible, fell back", "skipped", rp.Skipped, "base", rp.Base)
			}
			fmt.Fprintln(cmd.OutOrStdout(), rp.Path)
			return nil
		},
	}
	ids.register(cmd)
	cmd.Flags().BoolVar(&jobLevel, "job", false, "print the job directory instead of the step directory")
	b = lifecycle.RegisterOptions(cmd.Flags())
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return b.ParseError(err)
	})
	return cmd
}
