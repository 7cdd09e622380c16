package protocol

import (
	"errors"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"go.uber.org/zap"
)

// Kind tags events and logs with the protocol a session speaks
type Kind string

const (
	KindSMTP Kind = "SMTP"
	KindIMAP Kind = "IMAP"
	KindPOP3 Kind = "POP3"
)

// Error types attached to error events
const (
	ErrorTypeProtocol     = "protocol"
	ErrorTypeTransport    = "transport"
	ErrorTypeCollaborator = "collaborator"
)

// Replies holds the protocol-specific lines the shared read loop sends
type Replies struct {
	IdleTimeout string
	LineTooLong string
}

// Session carries the state every protocol session shares: its id, line
// connection, event emitter and scoped logger.
type Session struct {
	ID     string
	Kind   Kind
	Conn   *wire.Conn
	Logger *zap.Logger

	remote  string
	emitter events.Emitter
	replies Replies
}

// NewSession creates a new session over conn
func NewSession(kind Kind, conn net.Conn, cfg config.SessionConfig, replies Replies, emitter events.Emitter, logger *zap.Logger) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	if emitter == nil {
		emitter = events.Discard
	}
	return &Session{
		ID:   id,
		Kind: kind,
		Conn: wire.NewConn(conn, cfg.IdleTimeout, cfg.MaxLineLength),
		Logger: logger.With(
			zap.String("protocol", string(kind)),
			zap.String("session_id", id),
			zap.String("remote", remote)),
		remote:  remote,
		emitter: emitter,
		replies: replies,
	}
}

// Emit publishes an event tagged with the session id and peer address
func (s *Session) Emit(stage events.Stage, detail string, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["session_id"] = s.ID
	data["remote"] = s.remote
	s.emitter.Emit(string(s.Kind), stage, detail, data)
}

// Command records a received command verb. Arguments are never recorded.
func (s *Session) Command(verb string) {
	s.Emit(events.StageCommand, verb, nil)
}

// Transition records a state change
func (s *Session) Transition(from, to string) {
	s.Emit(events.StageStateChange, from+" -> "+to, map[string]any{"from": from, "to": to})
}

// ProtocolError records a recoverable command error
func (s *Session) ProtocolError(detail string) {
	s.Emit(events.StageProtocolError, detail, map[string]any{"error_type": ErrorTypeProtocol})
}

// Reply writes lines to the client. A false return means the transport
// failed and the session must end.
func (s *Session) Reply(lines ...string) bool {
	if err := s.Conn.WriteLines(lines...); err != nil {
		s.transportError(err)
		return false
	}
	return true
}

// Next reads the next command line. Over-long lines are answered and
// skipped. A false return means the session must end.
func (s *Session) Next() (string, bool) {
	for {
		line, err := s.Conn.ReadLine()
		if err == nil {
			return line, true
		}
		if !errors.Is(err, wire.ErrLineTooLong) {
			s.ReadFailed(err)
			return "", false
		}
		s.ProtocolError("line too long")
		if !s.Reply(s.replies.LineTooLong) {
			return "", false
		}
	}
}

// ReadFailed handles a terminal read error: an idle timeout is announced to
// the client, a peer close is silent and anything else is a transport error.
func (s *Session) ReadFailed(err error) {
	switch {
	case wire.IsTimeout(err):
		s.Emit(events.StageIdleTimeout, "idle timeout", map[string]any{"error_type": ErrorTypeTransport})
		s.Logger.Debug("Session idle timeout")
		if s.replies.IdleTimeout != "" {
			_ = s.Conn.WriteLine(s.replies.IdleTimeout)
		}
	case wire.IsClosed(err):
		s.Logger.Debug("Peer closed connection")
	default:
		s.transportError(err)
	}
}

func (s *Session) transportError(err error) {
	s.Emit(events.StageTransportError, err.Error(), map[string]any{"error_type": ErrorTypeTransport})
	s.Logger.Debug("Transport error", zap.Error(err))
}

// RemoteHost returns the peer address without its port
func (s *Session) RemoteHost() string {
	if host, _, err := net.SplitHostPort(s.remote); err == nil {
		return host
	}
	return s.remote
}

// Close closes the transport and records the end of the session
func (s *Session) Close() {
	_ = s.Conn.Close()
	s.Emit(events.StageSessionClose, "", map[string]any{"secured": s.Conn.Secured()})
}

// SplitCommand returns the upper-cased verb of line and the trimmed rest
func SplitCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}
