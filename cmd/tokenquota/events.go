package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCmd(g *globals) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "events <account>",
		Short: "List recorded usage events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			events, err := a.ledger.Events(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No usage events.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tMODEL\tINPUT\tOUTPUT\tTOTAL\tID")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
					formatTime(ev.CreatedAt), ev.Model, ev.InputTokens, ev.OutputTokens, ev.TotalTokens, ev.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only show events newer than this (e.g. 24h)")
	return cmd
}

func newSummaryCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summary <account>",
		Short: "Show live counters and lifetime totals for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.ledger.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tACTIVE\tDAILY\tMONTHLY\tREQUESTS\tTOKENS")
			fmt.Fprintf(w, "%s\t%v\t%d/%d\t%d/%d\t%d\t%d\n",
				s.AccountID, s.IsActive,
				s.DailyUsed, s.DailyLimit, s.MonthlyUsed, s.MonthlyLimit,
				s.TotalRequests, s.TotalTokens)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
