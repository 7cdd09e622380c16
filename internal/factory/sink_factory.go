package factory

import (
	"fmt"
	"io"
	"strings"

	"github.com/mikey/secure-mail-gateway/internal/adapters/sink"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SinkFactory creates the event sinks named by events.sinks
type SinkFactory struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry prometheus.Registerer
}

// NewSinkFactory creates a new sink factory. Metrics sinks register their
// counters with registry.
func NewSinkFactory(cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) *SinkFactory {
	return &SinkFactory{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}
}

// CreateSink builds the configured sinks as one fan-out. The returned
// closers release sink connections at shutdown.
func (f *SinkFactory) CreateSink() (events.Sink, []io.Closer, error) {
	eventsCfg, err := f.cfg.GetEvents()
	if err != nil {
		return nil, nil, err
	}

	var (
		sinks   sink.MultiSink
		closers []io.Closer
	)
	fail := func(err error) (events.Sink, []io.Closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, err
	}

	for _, name := range eventsCfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			sinks = append(sinks, sink.NewLogSink(f.logger))
		case "redis":
			rs, err := sink.NewRedisSink(eventsCfg.Redis, f.logger.Named("redis"))
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, rs)
			closers = append(closers, rs)
		case "metrics":
			ms, err := sink.NewMetricsSink(f.registry)
			if err != nil {
				return fail(fmt.Errorf("failed to register event metrics: %w", err))
			}
			sinks = append(sinks, ms)
		case "", "none":
		default:
			return fail(fmt.Errorf("unsupported event sink: %s", name))
		}
	}

	f.logger.Info("Event sinks configured", zap.Strings("sinks", eventsCfg.Sinks), zap.Int("capacity", eventsCfg.Capacity))
	return sinks, closers, nil
}
