package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/logging"
)

// LogSink writes events to a dedicated rotated JSON file, isolated from
// the application log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates the sink over its own log file.
func NewLogSink(file string) (*LogSink, error) {
	logger, err := logging.NewRotatedJSON(file, 100, 10, 90, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log sink: %w", err)
	}
	return &LogSink{logger: logger.Named("audit")}, nil
}

func (s *LogSink) Write(ctx context.Context, event Event) error {
	s.logger.Info("audit_event",
		zap.String("event_id", event.ID),
		zap.Time("event_time", event.Time),
		zap.String("event_type", event.Type),
		zap.String("username", event.Username),
		zap.String("ip", event.IP),
		zap.String("user_agent", event.UserAgent),
		zap.String("outcome", event.Outcome),
		zap.String("reason", event.Reason),
		zap.String("risk_tier", event.RiskTier),
		zap.Any("detail", event.Detail),
	)
	return s.logger.Sync()
}

func (s *LogSink) Close() error {
	return s.logger.Sync()
}
