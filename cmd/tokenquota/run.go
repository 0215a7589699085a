package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/meter"
	"github.com/ineyio/tokenquota/provider/gemini"
	"github.com/ineyio/tokenquota/provider/mock"
	"github.com/ineyio/tokenquota/provider/openaicompat"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		model    string
		useMock  bool
		textfile string
	)

	cmd := &cobra.Command{
		Use:   "run <account> [prompt]",
		Short: "Admit a prompt against an account, call the model and record usage",
		Long:  "Admit a prompt against an account, call the model and record usage.\nThe prompt is read from stdin when not given as an argument.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			invoker := newInvoker(a.cfg.Provider)
			if useMock {
				invoker = mock.New()
			}

			m, flush, err := newRunMeter(a.logger, textfile)
			if err != nil {
				return err
			}

			opts := append(a.cfg.GateOptions(),
				tokenquota.WithMeter(m),
				tokenquota.WithLogger(a.logger),
			)
			gate, err := tokenquota.NewGate(a.ledger, invoker, opts...)
			if err != nil {
				return err
			}

			res, err := gate.AdmitAndRun(cmd.Context(), args[0], model, prompt)
			// Failed requests are worth exporting too.
			if ferr := flush(); ferr != nil {
				a.logger.Warn("write metrics textfile", "path", textfile, "error", ferr)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			fmt.Fprintf(cmd.ErrOrStderr(), "tokens: %d input + %d output = %d (estimated %d)\n",
				res.Usage.Input, res.Usage.Output, res.Usage.Total, res.EstimatedTokens)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "gpt-4o-mini", "model name")
	cmd.Flags().BoolVar(&useMock, "mock", false, "use the mock provider instead of the configured endpoint")
	cmd.Flags().StringVar(&textfile, "metrics-textfile", "", "write Prometheus metrics for this run to `path` (node_exporter textfile format)")
	return cmd
}

// newRunMeter logs every gate event. With a textfile path it also counts them
// in a private registry; flush writes that registry to the file.
func newRunMeter(logger *slog.Logger, textfile string) (tokenquota.Meter, func() error, error) {
	lm := meter.NewLogMeter(logger)
	if textfile == "" {
		return lm, func() error { return nil }, nil
	}

	reg := prometheus.NewRegistry()
	pm, err := meter.NewPromMeter(reg)
	if err != nil {
		return nil, nil, err
	}
	flush := func() error {
		return prometheus.WriteToTextfile(textfile, reg)
	}
	return meter.NewMulti(lm, pm), flush, nil
}

func newInvoker(cfg tokenquota.ProviderConfig) tokenquota.Invoker {
	switch cfg.Kind {
	case tokenquota.ProviderGemini:
		var opts []gemini.Option
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(cfg.APIKey, opts...)
	default:
		if cfg.BaseURL == "" {
			return openaicompat.NewOpenAI(openaicompat.WithAPIKey(cfg.APIKey))
		}
		return openaicompat.New(cfg.BaseURL, openaicompat.WithAPIKey(cfg.APIKey))
	}
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}
