package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iliyamo/gym-standing-booking/internal/materialize"
	"github.com/iliyamo/gym-standing-booking/internal/service"
)

func newMaterializeCommand(opts *RootOptions) *cobra.Command {
	var (
		horizon int
		ruleIDs []uint
		sel     materialize.RuleSelector
	)
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Materialize active standing bookings over the horizon",
		Long: `Books every occurrence of the selected active standing bookings between
today and today+horizon.  Without selectors every active booking runs.
The report is printed even when the run stops early.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if horizon < 0 || horizon > 366 {
				return fmt.Errorf("--horizon must be 0 (default) or between 1 and 366")
			}
			for _, id := range ruleIDs {
				sel.RuleIDs = append(sel.RuleIDs, uint64(id))
			}
			a, closeFn, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rep, runErr := a.Standing.Materialize(cmd.Context(), sel, horizon, service.TriggerScheduled)
			if err := write(cmd.OutOrStdout(), opts, rep, func(w io.Writer) { printReport(w, rep) }); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&horizon, "horizon", 0, "horizon in days (default from MATERIALIZE_HORIZON_DAYS)")
	cmd.Flags().UintSliceVar(&ruleIDs, "rule", nil, "standing booking id (repeatable)")
	cmd.Flags().Uint64Var(&sel.SubscriptionID, "subscription", 0, "only bookings of this subscription")
	cmd.Flags().Uint64Var(&sel.TemplateID, "template", 0, "only bookings on this template")
	cmd.Flags().Uint64Var(&sel.PersonID, "person", 0, "only bookings of this person")
	cmd.Flags().BoolVar(&sel.ReviveCanceled, "revive", false, "re-book occurrences whose standing reservation was canceled")
	return cmd
}

func printReport(w io.Writer, rep *materialize.Report) {
	t := rep.Totals
	fmt.Fprintf(w, "run %s  %s..%s\n", rep.RunID, rep.From, rep.To)
	fmt.Fprintf(w, "rules=%d considered=%d created=%d existing=%d skipped=%d rejected=%d\n",
		t.Rules, t.SessionsConsidered, t.Created, t.AlreadyExisted, t.Skipped, t.Rejected)
	for _, rr := range rep.Rules {
		for _, rj := range rr.Rejected {
			fmt.Fprintf(w, "  rule %d  %s  session %d  %s\n", rr.RuleID, rj.Date, rj.SessionID, rj.Reason)
		}
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "error: %s\n", rep.Error)
	}
}
