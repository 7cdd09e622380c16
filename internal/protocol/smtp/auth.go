package smtp

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"go.uber.org/zap"
)

var errIdentityMismatch = errors.New("authorization identity differs from username")

// handleAuth runs an AUTH PLAIN exchange, with or without an initial
// response.
func (s *session) handleAuth(arg string) bool {
	switch {
	case s.srv.auth == nil:
		s.ProtocolError("AUTH unavailable")
		return s.Reply("502 5.5.1 Authentication not available")
	case s.authenticated != "":
		s.ProtocolError("AUTH after authentication")
		return s.Reply("503 5.5.1 Already authenticated")
	case s.hasSender:
		s.ProtocolError("AUTH during mail transaction")
		return s.Reply("503 5.5.1 AUTH not permitted during a mail transaction")
	}

	mech, initial, _ := strings.Cut(arg, " ")
	if !strings.EqualFold(mech, sasl.Plain) {
		s.ProtocolError("unsupported AUTH mechanism")
		return s.Reply("504 5.5.4 Unrecognized authentication type")
	}

	var (
		account *core.Account
		authErr error
	)
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			authErr = errIdentityMismatch
			return authErr
		}
		account, authErr = s.srv.auth.Authenticate(s.ctx, username, password, s.RemoteHost())
		return authErr
	})

	var response []byte
	if initial = strings.TrimSpace(initial); initial != "" {
		decoded, ok := decodeResponse(initial)
		if !ok {
			s.ProtocolError("invalid base64 in AUTH")
			return s.Reply("501 5.5.2 Invalid base64 data")
		}
		response = decoded
	}

	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			return s.authFailed(authErr)
		}
		if done {
			break
		}
		if !s.Reply("334 " + base64.StdEncoding.EncodeToString(challenge)) {
			return false
		}

		line, err := s.Conn.ReadLine()
		if errors.Is(err, wire.ErrLineTooLong) {
			s.ProtocolError("line too long")
			return s.Reply("500 5.5.2 Line too long")
		}
		if err != nil {
			s.ReadFailed(err)
			return false
		}
		if line == "*" {
			s.Emit(events.StageAuthFailure, "cancelled", nil)
			return s.Reply("501 5.0.0 Authentication cancelled")
		}
		decoded, ok := decodeResponse(line)
		if !ok {
			s.ProtocolError("invalid base64 in AUTH")
			return s.Reply("501 5.5.2 Invalid base64 data")
		}
		response = decoded
	}

	s.authenticated = account.Username
	s.Emit(events.StageAuthSuccess, account.Username, map[string]any{"mechanism": sasl.Plain})
	s.Logger.Info("Client authenticated", zap.String("username", account.Username))
	return s.Reply("235 2.7.0 Authentication successful")
}

func (s *session) authFailed(authErr error) bool {
	data := map[string]any{"mechanism": sasl.Plain}
	switch {
	case authErr == nil:
		s.Emit(events.StageAuthFailure, "malformed response", data)
		return s.Reply("501 5.5.2 Malformed authentication response")
	case errors.Is(authErr, core.ErrAccountLocked), errors.Is(authErr, core.ErrInvalidCredentials), errors.Is(authErr, errIdentityMismatch):
		s.Emit(events.StageAuthFailure, authErr.Error(), data)
		return s.Reply("535 5.7.8 Authentication credentials invalid")
	default:
		data["error_type"] = protocol.ErrorTypeCollaborator
		s.Emit(events.StageAuthFailure, authErr.Error(), data)
		s.Logger.Error("Authenticator failed", zap.Error(authErr))
		return s.Reply("454 4.7.0 Temporary authentication failure")
	}
}

// decodeResponse decodes a base64 SASL response; "=" is the empty response
func decodeResponse(s string) ([]byte, bool) {
	if s == "=" {
		return []byte{}, true
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
