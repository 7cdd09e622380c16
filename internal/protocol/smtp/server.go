package smtp

import (
	"context"
	"net"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"go.uber.org/zap"
)

// Deliverer scores and persists a completed envelope
type Deliverer interface {
	Deliver(ctx context.Context, env *core.Envelope) (*core.DeliveryResult, error)
}

// Options configures the send-protocol sessions
type Options struct {
	Hostname        string
	Session         config.SessionConfig
	MaxMessageBytes int
	MaxRecipients   int
}

// Server runs one send-protocol session per connection
type Server struct {
	opts     Options
	delivery Deliverer
	auth     core.Authenticator
	tls      wire.Securer
	emitter  events.Emitter
	logger   *zap.Logger
}

// NewServer creates a new send-protocol server. A nil securer disables
// STARTTLS.
func NewServer(opts Options, delivery Deliverer, auth core.Authenticator, securer wire.Securer, emitter events.Emitter, logger *zap.Logger) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Server{
		opts:     opts,
		delivery: delivery,
		auth:     auth,
		tls:      securer,
		emitter:  emitter,
		logger:   logger,
	}
}

// Protocol returns the event tag of this server
func (s *Server) Protocol() string {
	return string(protocol.KindSMTP)
}

// Serve runs the state machine over conn until QUIT, a transport error or
// an idle timeout. It closes conn before returning.
func (s *Server) Serve(ctx context.Context, conn net.Conn) {
	replies := protocol.Replies{
		IdleTimeout: "421 4.4.2 " + s.opts.Hostname + " Error: timeout exceeded",
		LineTooLong: "500 5.5.2 Line too long",
	}
	sess := &session{
		Session: protocol.NewSession(protocol.KindSMTP, conn, s.opts.Session, replies, s.emitter, s.logger),
		srv:     s,
		ctx:     ctx,
		state:   stateGreeted,
	}
	defer sess.Close()
	sess.run()
}
