package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"go.uber.org/zap"
)

// ErrNotListening is returned by Serve when Listen has not been called
var ErrNotListening = errors.New("acceptor is not listening")

// ErrStopped is returned by Listen once Stop has been called
var ErrStopped = errors.New("acceptor is stopped")

const maxAcceptBackoff = time.Second

// Handler runs one protocol session over an accepted connection and closes
// it when done
type Handler interface {
	Protocol() string
	Serve(ctx context.Context, conn net.Conn)
}

// Acceptor owns one listening socket and spawns a goroutine per connection
type Acceptor struct {
	addr    string
	handler Handler
	securer wire.Securer
	emitter events.Emitter
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool
	stopOnce sync.Once
	sessions sync.WaitGroup
}

// NewAcceptor creates a new acceptor for addr. A non-nil securer performs
// the TLS handshake on every connection before the handler sees it.
func NewAcceptor(addr string, handler Handler, securer wire.Securer, emitter events.Emitter, logger *zap.Logger) *Acceptor {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Acceptor{
		addr:    addr,
		handler: handler,
		securer: securer,
		emitter: emitter,
		logger:  logger.With(zap.String("protocol", handler.Protocol())),
	}
}

// Listen binds the listening socket. A stopped acceptor never binds again.
func (a *Acceptor) Listen() error {
	if a.closed.Load() {
		return fmt.Errorf("%s on %s: %w", a.handler.Protocol(), a.addr, ErrStopped)
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for %s: %w", a.addr, a.handler.Protocol(), err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		_ = ln.Close()
		return fmt.Errorf("%s on %s: %w", a.handler.Protocol(), a.addr, ErrStopped)
	}
	a.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve accepts connections until Stop is called. It returns nil after a
// stop and an error if the listener fails on its own.
func (a *Acceptor) Serve() error {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	a.emit(events.StageServerStart, ln.Addr().String(), map[string]any{
		"address":      ln.Addr().String(),
		"implicit_tls": a.securer != nil,
	})
	a.logger.Info("Listener started", zap.String("address", ln.Addr().String()), zap.Bool("implicit_tls", a.securer != nil))

	ctx := context.Background()
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.closed.Load() {
				return nil
			}
			a.emit(events.StageConnectionError, err.Error(), map[string]any{"error_type": protocol.ErrorTypeTransport})
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%s listener closed: %w", a.handler.Protocol(), err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			a.logger.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		a.sessions.Add(1)
		go a.handle(ctx, conn)
	}
}

// Start binds and serves. It blocks until Stop.
func (a *Acceptor) Start() error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve()
}

// Stop closes the listener. In-flight sessions keep running. Calling Stop
// more than once is safe, and a stopped acceptor cannot be started again.
func (a *Acceptor) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		ln := a.listener
		a.mu.Unlock()
		if ln == nil {
			return
		}
		err = ln.Close()
		a.emit(events.StageServerStop, ln.Addr().String(), nil)
		a.logger.Info("Listener stopped", zap.String("address", ln.Addr().String()))
	})
	return err
}

// Shutdown stops accepting and waits for in-flight sessions until ctx is
// done
func (a *Acceptor) Shutdown(ctx context.Context) error {
	err := a.Stop()

	done := make(chan struct{})
	go func() {
		a.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	defer a.sessions.Done()
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			a.emit(events.StageSessionPanic, fmt.Sprint(r), map[string]any{"remote": remote})
			a.logger.Error("Session panicked",
				zap.String("remote", remote),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	a.emit(events.StageConnectionAccept, remote, map[string]any{"remote": remote})

	if a.securer != nil {
		tlsConn, err := a.securer.Secure(ctx, conn)
		if err != nil {
			_ = conn.Close()
			a.emit(events.StageTLSFailure, err.Error(), map[string]any{"remote": remote, "error_type": protocol.ErrorTypeTransport})
			a.logger.Info("TLS handshake failed", zap.String("remote", remote), zap.Error(err))
			return
		}
		conn = tlsConn
	}

	a.handler.Serve(ctx, conn)
}

func (a *Acceptor) emit(stage events.Stage, detail string, data map[string]any) {
	a.emitter.Emit(a.handler.Protocol(), stage, detail, data)
}
