package pop3

import (
	"context"
	"net"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"go.uber.org/zap"
)

// Options configures the download-protocol sessions
type Options struct {
	Session config.SessionConfig
	// CommitDeletes marks messages deleted in the store at QUIT. When
	// false DELE only affects the current session.
	CommitDeletes bool
	// QueryLimit caps the mailbox snapshot; zero means unlimited
	QueryLimit int
}

// Server runs one download-protocol session per connection. Connections
// are expected to be secured by the acceptor before Serve is called.
type Server struct {
	opts    Options
	store   core.MessageStore
	auth    core.Authenticator
	emitter events.Emitter
	logger  *zap.Logger
}

// NewServer creates a new download-protocol server
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
	return string(protocol.KindPOP3)
}

// Serve runs the state machine over conn until QUIT, a transport error or
// an idle timeout. It closes conn before returning.
func (s *Server) Serve(ctx context.Context, conn net.Conn) {
	replies := protocol.Replies{
		IdleTimeout: "-ERR Idle timeout, closing connection",
		LineTooLong: "-ERR Line too long",
	}
	sess := &session{
		Session: protocol.NewSession(protocol.KindPOP3, conn, s.opts.Session, replies, s.emitter, s.logger),
		srv:     s,
		ctx:     ctx,
		state:   stateAuthorization,
	}
	defer sess.Close()
	sess.run()
}
