package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/autotmpdir/internal/hostenv"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/policy"
)

func eventNames() []string {
	var names []string
	for _, ev := range lifecycle.Events() {
		names = append(names, ev.String())
	}
	return names
}

func newHookCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hook <event> [-- user flags]",
		Short: "run one lifecycle callback from a prolog or epilog",
		Long: "hook runs a single lifecycle callback. The job identity comes from the\n" +
			"scheduler environment. Variables for the task are printed to stdout as\n" +
			"export KEY=VALUE lines.\n\n" +
			"Events: " + strings.Join(eventNames(), ", ") + "\n\n" +
			"User flags after -- are only read by local-setup; the other events read\n" +
			"the policy local-setup exported into the job environment.",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: eventNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := lifecycle.ParseEvent(args[0])
			if err != nil {
				return err
			}
			if ev == lifecycle.OptionRegistration {
				fs := pflag.NewFlagSet("autotmpdir", pflag.ContinueOnError)
				lifecycle.RegisterOptions(fs)
				fmt.Fprint(cmd.OutOrStdout(), fs.FlagUsages())
				return nil
			}

			p, err := policy.Parse(args[1:])
			if err != nil {
				return err
			}
			logger := log.WithComponent("hook").With("event", ev.String())
			if ev.ExecutionSide() && len(args) > 1 {
				logger.Debug("user flags ignored, policy comes from the job environment", "flags", strings.Join(args[1:], " "))
			}
			if wantsMounts(a.cfg) {
				logger.Debug("bind mounts are only established by run")
			}

			c, closeFn, err := a.coordinator(cmd.Context(), p)
			if err != nil {
				return err
			}
			defer closeFn()

			err = c.Handle(cmd.Context(), ev, hostenv.New(cmd.OutOrStdout()))
			if err == nil {
				return nil
			}
			if lifecycle.IsFatal(ev, err) {
				return err
			}
			logger.Warn("callback finished with errors", "error", err)
			return nil
		},
	}
}
