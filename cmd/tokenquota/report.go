package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenquota"
)

func newOverviewCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Count accounts and all recorded usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			o, err := a.ledger.Overview(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), o)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNTS\tACTIVE\tREQUESTS\tTOKENS")
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", o.TotalAccounts, o.ActiveAccounts, o.TotalRequests, o.TotalTokens)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

// Default row limits per usage grouping when --limit is not given.
var usageLimits = map[string]int{
	"model":   0,
	"day":     7,
	"account": 5,
}

func newUsageCmd(g *globals) *cobra.Command {
	var (
		by     string
		limit  int
		since  time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Total recorded usage by model, day or account",
		Long: "Total recorded usage by model, day or account.\n" +
			"Models are listed by tokens, days newest first (last 7 by default)\n" +
			"and accounts by tokens (top 5 by default). --limit 0 lists everything.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, ok := usageLimits[by]
			if !ok {
				return fmt.Errorf("invalid --by %q: want model, day or account", by)
			}
			if !cmd.Flags().Changed("limit") {
				limit = def
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var groups []tokenquota.UsageGroup
			switch by {
			case "model":
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				groups, err = a.ledger.ModelUsage(cmd.Context(), from)
				if err == nil && limit > 0 && len(groups) > limit {
					groups = groups[:limit]
				}
			case "day":
				groups, err = a.ledger.DailyUsage(cmd.Context(), limit)
			case "account":
				groups, err = a.ledger.TopAccounts(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), groups)
			}
			return printUsage(cmd.OutOrStdout(), by, groups)
		},
	}
	cmd.Flags().StringVar(&by, "by", "model", "group by: model, day or account")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only count events newer than this when grouping by model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printUsage(out io.Writer, by string, groups []tokenquota.UsageGroup) error {
	if len(groups) == 0 {
		_, err := fmt.Fprintln(out, "No usage recorded.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tREQUESTS\tTOKENS\n", usageHeaders[by])
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%d\t%d\n", g.Key, g.Requests, g.Tokens)
	}
	return w.Flush()
}

var usageHeaders = map[string]string{
	"model":   "MODEL",
	"day":     "DAY",
	"account": "ACCOUNT",
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
