package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"go.uber.org/zap"
)

type state int

const (
	stateGreeted state = iota
	stateData
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateGreeted:
		return "GREETED"
	case stateData:
		return "DATA_MODE"
	default:
		return "CLOSED"
	}
}

type session struct {
	*protocol.Session
	srv *Server
	ctx context.Context

	state         state
	helo          string
	sender        string
	hasSender     bool
	recipients    []string
	authenticated string
}

func (s *session) run() {
	if !s.Reply("220 " + s.srv.opts.Hostname + " ESMTP Secure Mail Gateway ready") {
		return
	}
	s.Emit(events.StageGreeting, "", nil)

	for s.state != stateClosed {
		line, ok := s.Next()
		if !ok {
			return
		}
		if !s.handle(line) {
			return
		}
	}
}

// handle dispatches one command line. A false return ends the session.
func (s *session) handle(line string) bool {
	verb, arg := protocol.SplitCommand(line)
	s.Command(verb)

	switch verb {
	case "EHLO":
		return s.handleHello(arg, true)
	case "HELO":
		return s.handleHello(arg, false)
	case "MAIL":
		return s.handleMail(arg)
	case "RCPT":
		return s.handleRcpt(arg)
	case "DATA":
		return s.handleData(arg)
	case "STARTTLS":
		return s.handleStartTLS(arg)
	case "AUTH":
		return s.handleAuth(arg)
	case "RSET":
		s.reset()
		return s.Reply("250 2.0.0 Reset OK")
	case "NOOP":
		return s.Reply("250 2.0.0 OK")
	case "QUIT":
		s.Reply("221 2.0.0 Goodbye")
		s.setState(stateClosed)
		return false
	default:
		s.ProtocolError("unknown command " + verb)
		return s.Reply("500 5.5.1 Command not recognized")
	}
}

func (s *session) handleHello(domain string, extended bool) bool {
	if domain == "" {
		s.ProtocolError("hello without domain")
		if extended {
			return s.Reply("501 5.5.4 Syntax: EHLO hostname")
		}
		return s.Reply("501 5.5.4 Syntax: HELO hostname")
	}
	s.helo = domain
	s.reset()

	hostname := s.srv.opts.Hostname
	if !extended {
		return s.Reply("250 " + hostname + " Hello " + domain)
	}

	lines := []string{"250-" + hostname + " Hello " + domain}
	if s.srv.opts.MaxMessageBytes > 0 {
		lines = append(lines, "250-SIZE "+strconv.Itoa(s.srv.opts.MaxMessageBytes))
	}
	lines = append(lines, "250-8BITMIME")
	if s.srv.tls != nil && !s.Conn.Secured() {
		lines = append(lines, "250-STARTTLS")
	}
	if s.srv.auth != nil {
		lines = append(lines, "250-AUTH PLAIN")
	}
	lines = append(lines, "250 HELP")
	return s.Reply(lines...)
}

func (s *session) handleMail(arg string) bool {
	if s.hasSender {
		s.ProtocolError("nested MAIL command")
		return s.Reply("503 5.5.1 Sender already specified")
	}
	path, ok := utils.ExtractPathAddress(arg, "FROM")
	if !ok {
		s.ProtocolError("malformed MAIL command")
		return s.Reply("501 5.5.4 Syntax: MAIL FROM:<address>")
	}
	sender, err := utils.ValidateAddress(path)
	if err != nil {
		s.ProtocolError("invalid sender address")
		return s.Reply("550 5.1.7 Invalid sender address")
	}
	s.sender = sender
	s.hasSender = true
	return s.Reply("250 2.1.0 Sender OK")
}

func (s *session) handleRcpt(arg string) bool {
	if !s.hasSender {
		s.ProtocolError("RCPT before MAIL")
		return s.Reply("503 5.5.1 Need MAIL command first")
	}
	path, ok := utils.ExtractPathAddress(arg, "TO")
	if !ok {
		s.ProtocolError("malformed RCPT command")
		return s.Reply("501 5.5.4 Syntax: RCPT TO:<address>")
	}
	recipient, err := utils.ValidateAddress(path)
	if err != nil {
		s.ProtocolError("invalid recipient address")
		return s.Reply("550 5.1.1 Invalid recipient address")
	}
	if limit := s.srv.opts.MaxRecipients; limit > 0 && len(s.recipients) >= limit {
		s.ProtocolError("too many recipients")
		return s.Reply("452 4.5.3 Too many recipients")
	}
	s.recipients = append(s.recipients, recipient)
	return s.Reply("250 2.1.5 Recipient OK")
}

func (s *session) handleData(arg string) bool {
	if arg != "" {
		s.ProtocolError("DATA with arguments")
		return s.Reply("501 5.5.4 Syntax: DATA")
	}
	if !s.hasSender {
		s.ProtocolError("DATA before MAIL")
		return s.Reply("503 5.5.1 Need MAIL command first")
	}
	if len(s.recipients) == 0 {
		s.ProtocolError("DATA before RCPT")
		return s.Reply("503 5.5.1 Need RCPT command first")
	}

	if !s.Reply("354 Start mail input; end with <CRLF>.<CRLF>") {
		return false
	}
	s.setState(stateData)

	body, overflow, ok := s.readBody()
	if !ok {
		return false
	}
	defer func() {
		s.reset()
		s.setState(stateGreeted)
	}()

	if overflow {
		s.ProtocolError("message size limit exceeded")
		return s.Reply("552 5.3.4 Message size exceeds fixed maximum message size")
	}
	return s.deliver(body)
}

// readBody collects data lines up to the terminator, undoing dot-stuffing.
// Once the size limit is passed the rest is consumed and discarded.
func (s *session) readBody() (body string, overflow, ok bool) {
	var sb strings.Builder
	limit := s.srv.opts.MaxMessageBytes
	for {
		line, err := s.Conn.ReadLine()
		if errors.Is(err, wire.ErrLineTooLong) {
			overflow = true
			continue
		}
		if err != nil {
			s.ReadFailed(err)
			return "", false, false
		}
		if line == "." {
			return sb.String(), overflow, true
		}
		if overflow {
			continue
		}
		line = strings.TrimPrefix(line, ".")
		if limit > 0 && sb.Len()+len(line)+2 > limit {
			overflow = true
			sb.Reset()
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
}

func (s *session) deliver(body string) bool {
	env := &core.Envelope{
		Sender:          s.sender,
		Recipients:      append([]string(nil), s.recipients...),
		Body:            body,
		ReceivedAt:      time.Now().UTC(),
		Secured:         s.Conn.Secured(),
		AuthenticatedAs: s.authenticated,
	}

	// Scoring and storage run to completion even if the gateway is stopping
	result, err := s.srv.delivery.Deliver(context.WithoutCancel(s.ctx), env)
	switch {
	case errors.Is(err, core.ErrRejected):
		s.Emit(events.StageMessageRejected, err.Error(), verdictData(result))
		s.Logger.Info("Message rejected", zap.Error(err))
		return s.Reply("550 5.7.1 Message rejected as a threat")
	case err != nil:
		data := map[string]any{"error_type": protocol.ErrorTypeCollaborator}
		s.Emit(events.StageStorageFailure, err.Error(), data)
		s.Logger.Error("Failed to deliver message", zap.Error(err))
		return s.Reply("451 4.3.0 Requested action aborted: local error")
	}

	data := verdictData(result)
	data["id"] = result.ID
	data["size_bytes"] = env.Size()
	data["secured"] = env.Secured
	s.Emit(events.StageMessageStored, result.ID, data)
	return s.Reply("250 2.0.0 Message accepted for delivery")
}

func verdictData(result *core.DeliveryResult) map[string]any {
	if result == nil {
		return map[string]any{}
	}
	return map[string]any{
		"is_threat":  result.Verdict.IsThreat(),
		"confidence": result.Verdict.Confidence(),
		"tier":       result.Verdict.Tier().String(),
		"status":     string(result.Status),
	}
}

func (s *session) handleStartTLS(arg string) bool {
	switch {
	case arg != "":
		s.ProtocolError("STARTTLS with arguments")
		return s.Reply("501 5.5.4 Syntax: STARTTLS")
	case s.Conn.Secured():
		s.ProtocolError("STARTTLS on secured connection")
		return s.Reply("503 5.5.1 TLS already active")
	case s.srv.tls == nil:
		s.ProtocolError("STARTTLS unavailable")
		return s.Reply("454 4.7.0 TLS not available")
	}

	if !s.Reply("220 2.0.0 Ready to start TLS") {
		return false
	}
	if err := s.Conn.Upgrade(s.ctx, s.srv.tls); err != nil {
		s.Emit(events.StageTLSFailure, err.Error(), map[string]any{"error_type": protocol.ErrorTypeTransport})
		s.Logger.Info("STARTTLS handshake failed", zap.Error(err))
		return false
	}

	data := map[string]any{}
	if cs, ok := s.Conn.ConnectionState(); ok {
		data["version"] = tls.VersionName(cs.Version)
		data["cipher"] = tls.CipherSuiteName(cs.CipherSuite)
	}
	s.Emit(events.StageTLSUpgrade, "", data)

	// The client must start over after the upgrade
	s.helo = ""
	s.authenticated = ""
	s.reset()
	return true
}

func (s *session) reset() {
	s.sender = ""
	s.hasSender = false
	s.recipients = nil
}

func (s *session) setState(next state) {
	if next == s.state {
		return
	}
	s.Transition(s.state.String(), next.String())
	s.state = next
}
