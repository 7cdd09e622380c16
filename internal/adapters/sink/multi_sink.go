package sink

import (
	"context"
	"errors"

	"github.com/mikey/secure-mail-gateway/internal/events"
)

// MultiSink fans each event out to every sink in order
type MultiSink []events.Sink

// Publish delivers the event to all sinks, even when one of them fails
func (m MultiSink) Publish(ctx context.Context, ev events.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
