package sink

import (
	"context"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes every event to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

// Publish logs the event. Per-command events are logged at debug level.
func (s *LogSink) Publish(ctx context.Context, ev events.Event) error {
	level := zapcore.InfoLevel
	switch ev.Stage {
	case events.StageCommand, events.StageGreeting:
		level = zapcore.DebugLevel
	case events.StageSessionPanic, events.StageStorageFailure:
		level = zapcore.ErrorLevel
	case events.StageTLSFailure, events.StageAuthFailure, events.StageProtocolError,
		events.StageTransportError, events.StageConnectionError:
		level = zapcore.WarnLevel
	}

	if ce := s.logger.Check(level, string(ev.Stage)); ce != nil {
		fields := []zap.Field{
			zap.Uint64("seq", ev.Seq),
			zap.String("protocol", ev.Protocol),
			zap.String("detail", ev.Detail),
			zap.Time("timestamp", ev.Timestamp),
		}
		if len(ev.Data) > 0 {
			fields = append(fields, zap.Any("data", ev.Data))
		}
		ce.Write(fields...)
	}
	return nil
}
