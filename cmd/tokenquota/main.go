package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/ineyio/tokenquota"
)

var version = "dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
}

func (g *globals) config() (tokenquota.Config, error) {
	if g.configPath == "" {
		return tokenquota.DefaultConfig(), nil
	}
	return tokenquota.LoadConfig(g.configPath)
}

func (g *globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", g.logLevel, err)
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})), nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "tokenquota",
		Short:         "Per-account token quotas for LLM calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newAccountCmd(g),
		newRunCmd(g),
		newEventsCmd(g),
		newSummaryCmd(g),
		newOverviewCmd(g),
		newUsageCmd(g),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if kind := tokenquota.KindOf(err); kind != tokenquota.KindUnknown {
			fmt.Fprintf(os.Stderr, "%s: %s\n", kind, kind.Advice())
		}
		os.Exit(1)
	}
}
