package imap

import (
	"context"
	"net"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"go.uber.org/zap"
)

// Options configures the sync-protocol sessions
type Options struct {
	Session config.SessionConfig
}

// Server runs one sync-protocol session per connection. Connections are
// expected to be secured by the acceptor before Serve is called.
type Server struct {
	opts    Options
	store   core.MessageStore
	auth    core.Authenticator
	emitter events.Emitter
	logger  *zap.Logger
}

// NewServer creates a new sync-protocol server
func NewServer(opts Options, store core.MessageStore, auth core.Authenticator, emitter events.Emitter, logger *zap.Logger) *Server {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Server{
		opts:    opts,
		store:   store,
		auth:    auth,
		emitter: emitter,
		logger:  logger,
	}
}

// Protocol returns the event tag of this server
func (s *Server) Protocol() string {
	return string(protocol.KindIMAP)
}

// Serve runs the state machine over conn until LOGOUT, a transport error or
// an idle timeout. It closes conn before returning.
func (s *Server) Serve(ctx context.Context, conn net.Conn) {
	replies := protocol.Replies{
		IdleTimeout: "* BYE Autologout; idle for too long",
		LineTooLong: "* BAD Line too long",
	}
	sess := &session{
		Session: protocol.NewSession(protocol.KindIMAP, conn, s.opts.Session, replies, s.emitter, s.logger),
		srv:     s,
		ctx:     ctx,
		state:   stateUnauthenticated,
	}
	defer sess.Close()
	sess.run()
}
