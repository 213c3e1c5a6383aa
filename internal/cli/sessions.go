package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iliyamo/gym-standing-booking/internal/model"
)

func newSessionsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain the rolling session window of active templates",
	}
	cmd.AddCommand(newSessionsGenerateCommand(opts))
	cmd.AddCommand(newSessionsCoverageCommand(opts))
	return cmd
}

func weeksFlag(cmd *cobra.Command, weeks *int) {
	cmd.Flags().IntVar(weeks, "weeks", 8, "window length in weeks, starting today")
}

func checkWeeks(weeks int) error {
	if weeks < 1 || weeks > 52 {
		return fmt.Errorf("--weeks must be between 1 and 52")
	}
	return nil
}

func newSessionsGenerateCommand(opts *RootOptions) *cobra.Command {
	var weeks int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create missing sessions for every active template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkWeeks(weeks); err != nil {
				return err
			}
			a, closeFn, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			templates, err := a.Templates.List(ctx, true)
			if err != nil {
				return err
			}
			from := a.Engine.Today()
			to := from.AddDays(7*weeks - 1)
			created, err := a.Sessions.EnsureWindow(ctx, templates, from, to)
			if err != nil {
				return err
			}
			total := 0
			for _, n := range created {
				total += n
			}
			out := struct {
				From     model.Date     `json:"from"`
				To       model.Date     `json:"to"`
				Created  int            `json:"created"`
				Template map[uint64]int `json:"byTemplate"`
			}{from, to, total, created}
			return write(cmd.OutOrStdout(), opts, out, func(w io.Writer) {
				fmt.Fprintf(w, "%s..%s: %d sessions created over %d templates\n", from, to, total, len(created))
			})
		},
	}
	weeksFlag(cmd, &weeks)
	return cmd
}

func newSessionsCoverageCommand(opts *RootOptions) *cobra.Command {
	var weeks int
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Report expected versus generated sessions per active template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkWeeks(weeks); err != nil {
				return err
			}
			a, closeFn, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			templates, err := a.Templates.List(ctx, true)
			if err != nil {
				return err
			}
			from := a.Engine.Today()
			to := from.AddDays(7*weeks - 1)
			cov, err := a.Sessions.Coverage(ctx, templates, from, to)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), opts, cov, func(w io.Writer) {
				for _, c := range cov {
					fmt.Fprintf(w, "%-6d %-30s %d/%d", c.TemplateID, c.TemplateName, c.Existing, c.Expected)
					if len(c.Missing) > 0 {
						fmt.Fprintf(w, "  first missing %s", c.Missing[0])
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
	weeksFlag(cmd, &weeks)
	return cmd
}
