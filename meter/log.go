package meter

import (
	"log/slog"

	"github.com/ineyio/tokenquota"
)

// LogMeter logs admission events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tokenquota.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e tokenquota.AdmitEvent) {
	if e.Admitted {
		m.Logger.Debug("admit",
			"account", e.AccountID,
			"model", e.Model,
			"estimated_tokens", e.EstimatedTokens,
		)
		return
	}
	m.Logger.Info("admit_rejected",
		"account", e.AccountID,
		"model", e.Model,
		"estimated_tokens", e.EstimatedTokens,
		"kind", tokenquota.KindOf(e.Error).String(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnResult(e tokenquota.ResultEvent) {
	switch e.Phase {
	case tokenquota.PhaseCompleted:
		m.Logger.Info("result",
			"account", e.AccountID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"input_tokens", e.Usage.Input,
			"output_tokens", e.Usage.Output,
			"attempts", e.Attempts,
		)
	case tokenquota.PhaseUnreconciled:
		m.Logger.Error("result_unreconciled",
			"account", e.AccountID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"input_tokens", e.Usage.Input,
			"output_tokens", e.Usage.Output,
			"attempts", e.Attempts,
			"error", e.Error,
		)
	default:
		m.Logger.Warn("result_error",
			"account", e.AccountID,
			"model", e.Model,
			"phase", e.Phase.String(),
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
