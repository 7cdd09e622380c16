package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout bounds Stop when no timeout is configured
const DefaultShutdownTimeout = 30 * time.Second

var errAlreadyStarted = errors.New("gateway already started")

// Manager starts and stops the protocol acceptors as a unit and owns the
// event pipeline they publish into
type Manager struct {
	acceptors       []*server.Acceptor
	pipeline        *events.Pipeline
	shutdownTimeout time.Duration
	logger          *zap.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
	err     error
}

// NewManager creates a new gateway manager
func NewManager(acceptors []*server.Acceptor, pipeline *events.Pipeline, shutdownTimeout time.Duration, logger *zap.Logger) *Manager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Manager{
		acceptors:       acceptors,
		pipeline:        pipeline,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// Start binds every acceptor and then serves them in the background. A bind
// failure is returned and leaves nothing listening.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errAlreadyStarted
	}

	for i, a := range m.acceptors {
		if err := a.Listen(); err != nil {
			for _, bound := range m.acceptors[:i] {
				_ = bound.Stop()
			}
			m.logger.Error("Failed to bind listener", zap.Error(err))
			return err
		}
	}
	m.started = true
	m.pipeline.Start()

	g, gctx := errgroup.WithContext(context.Background())
	for _, a := range m.acceptors {
		g.Go(a.Serve)
	}
	// One failing acceptor takes the others down with it
	go func() {
		<-gctx.Done()
		m.stopAcceptors()
	}()
	go func() {
		err := g.Wait()
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		if err != nil {
			m.logger.Error("Listener failed", zap.Error(err))
		}
		close(m.done)
	}()

	m.logger.Info("Gateway started", zap.Int("listeners", len(m.acceptors)))
	return nil
}

// Done is closed once every acceptor has stopped accepting
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the acceptors, if any
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stop shuts the gateway down within the configured timeout
func (m *Manager) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()
	return m.Shutdown(ctx)
}

// Shutdown stops accepting, waits for in-flight sessions and drains the
// event pipeline, giving up when ctx is done
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}

	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range m.acceptors {
		g.Go(func() error { return a.Shutdown(gctx) })
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", err))
	}

	select {
	case <-m.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := m.pipeline.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining events: %w", err))
	}
	m.logger.Info("Gateway stopped", zap.Uint64("dropped_events", m.pipeline.Dropped()))
	return errors.Join(errs...)
}

func (m *Manager) stopAcceptors() {
	for _, a := range m.acceptors {
		if err := a.Stop(); err != nil {
			m.logger.Warn("Failed to stop listener", zap.Error(err))
		}
	}
}
