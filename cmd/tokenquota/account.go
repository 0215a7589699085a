package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenquota"
)

func newAccountCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage quota accounts",
	}

	var daily, monthly int64
	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Open a new account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("daily") {
				daily = a.cfg.Defaults.DailyLimit
			}
			if !cmd.Flags().Changed("monthly") {
				monthly = a.cfg.Defaults.MonthlyLimit
			}
			acc, err := a.ledger.OpenAccount(cmd.Context(), args[0], daily, monthly)
			if err != nil {
				return err
			}
			return printAccounts(cmd.OutOrStdout(), acc)
		},
	}
	createCmd.Flags().Int64Var(&daily, "daily", 0, "daily token limit (config default when unset)")
	createCmd.Flags().Int64Var(&monthly, "monthly", 0, "monthly token limit (config default when unset)")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			acc, err := a.ledger.Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAccounts(cmd.OutOrStdout(), acc)
		},
	}

	var newDaily, newMonthly int64
	limitsCmd := &cobra.Command{
		Use:   "limits <id>",
		Short: "Change an account's limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			current, err := a.ledger.Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("daily") {
				newDaily = current.DailyLimit
			}
			if !cmd.Flags().Changed("monthly") {
				newMonthly = current.MonthlyLimit
			}
			acc, err := a.ledger.SetLimits(cmd.Context(), args[0], newDaily, newMonthly)
			if err != nil {
				return err
			}
			return printAccounts(cmd.OutOrStdout(), acc)
		},
	}
	limitsCmd.Flags().Int64Var(&newDaily, "daily", 0, "new daily token limit")
	limitsCmd.Flags().Int64Var(&newMonthly, "monthly", 0, "new monthly token limit")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all accounts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			accs, err := a.ledger.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accounts.")
				return nil
			}
			return printAccounts(cmd.OutOrStdout(), accs...)
		},
	}

	cmd.AddCommand(
		createCmd,
		showCmd,
		listCmd,
		limitsCmd,
		newSetActiveCmd(g, "enable", true),
		newSetActiveCmd(g, "disable", false),
		&cobra.Command{
			Use:   "reset <id>",
			Short: "Zero an account's counters and start fresh windows",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := g.open(cmd.Context())
				if err != nil {
					return err
				}
				defer a.close()

				acc, err := a.ledger.ResetUsage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.logger.Info("usage reset", "account", acc.ID)
				return printAccounts(cmd.OutOrStdout(), acc)
			},
		},
	)
	return cmd
}

func newSetActiveCmd(g *globals, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("%s an account", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			acc, err := a.ledger.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			return printAccounts(cmd.OutOrStdout(), acc)
		},
	}
}

func printAccounts(out io.Writer, accs ...tokenquota.Account) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tACTIVE\tDAILY\tDAILY RESET\tMONTHLY\tMONTHLY RESET")
	for _, acc := range accs {
		fmt.Fprintf(w, "%s\t%v\t%d/%d\t%s\t%d/%d\t%s\n",
			acc.ID, acc.IsActive,
			acc.DailyUsed, acc.DailyLimit, formatTime(acc.DailyResetAt),
			acc.MonthlyUsed, acc.MonthlyLimit, formatTime(acc.MonthlyResetAt),
		)
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
