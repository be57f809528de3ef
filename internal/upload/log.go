package upload

import (
	"context"
	"log/slog"
)

// LogSink writes a summary line per report.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Upload(_ context.Context, reports []Report) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range reports {
		t := r.Telemetry
		logger.Info("[UPLOAD] telemetry",
			"device", r.Name,
			"key", r.Key(),
			"voltage", t.BatteryVoltage,
			"current", t.BatteryCurrent,
			"soc", t.StateOfCharge,
			"delta", t.DeltaCellVoltage,
			"alarms", t.Alarms,
		)
	}
}
