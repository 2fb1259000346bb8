package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/config"
	"github.com/mattjoyce/autotmpdir/internal/doctor"
)

func newDoctorCmd(a *app) *cobra.Command {
	var (
		asJSON       bool
		expectDigest string
	)
	cmd := &cobra.Command{
		Use:         "doctor",
		Short:       "check the site configuration on this node",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{tolerateConfigError: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r *doctor.Result
			if a.loadErr != nil {
				r = &doctor.Result{
					ConfigPath: config.Resolve(a.configPath),
					Errors:     []doctor.Issue{{Category: "config", Message: a.loadErr.Error()}},
				}
			} else {
				var opts []doctor.Option
				if expectDigest != "" {
					opts = append(opts, doctor.WithExpectedDigest(expectDigest))
				}
				r = doctor.New(a.cfg, opts...).Validate()
			}

			out := cmd.OutOrStdout()
			if asJSON {
				s, err := doctor.FormatJSON(r)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(r))
			}
			if !r.Valid {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().StringVar(&expectDigest, "expect-digest", "", "fail unless the config file has this blake3 digest")
	return cmd
}
