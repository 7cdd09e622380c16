package pop3

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"go.uber.org/zap"
)

const greeting = "+OK POP3 Secure Mail Gateway ready"

type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAuthorization:
		return "AUTHORIZATION"
	case stateTransaction:
		return "TRANSACTION"
	default:
		return "CLOSED"
	}
}

// entry is one message of the mailbox snapshot taken at login
type entry struct {
	msg     *core.StoredMessage
	deleted bool
}

type session struct {
	*protocol.Session
	srv *Server
	ctx context.Context

	state    state
	user     string
	identity string
	mailbox  []entry
}

func (s *session) run() {
	if !s.Reply(greeting) {
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
	case "":
		s.ProtocolError("empty command")
		return s.Reply("-ERR Invalid command")
	case "USER":
		return s.handleUser(arg)
	case "PASS":
		return s.handlePass(arg)
	case "NOOP":
		return s.Reply("+OK")
	case "QUIT":
		return s.handleQuit()
	case "STAT", "LIST", "RETR", "DELE", "RSET":
		if s.state != stateTransaction {
			s.ProtocolError(verb + " before authentication")
			return s.Reply("-ERR Not authenticated")
		}
	default:
		s.ProtocolError("unknown command " + verb)
		return s.Reply("-ERR Command not recognized")
	}

	switch verb {
	case "STAT":
		count, size := s.totals()
		return s.Reply("+OK " + strconv.Itoa(count) + " " + strconv.Itoa(size))
	case "LIST":
		return s.handleList(arg)
	case "RETR":
		return s.handleRetr(arg)
	case "DELE":
		return s.handleDele(arg)
	default:
		for i := range s.mailbox {
			s.mailbox[i].deleted = false
		}
		count, size := s.totals()
		return s.Reply("+OK Mailbox has " + strconv.Itoa(count) + " messages (" + strconv.Itoa(size) + " octets)")
	}
}

func (s *session) handleUser(arg string) bool {
	if s.state != stateAuthorization {
		s.ProtocolError("USER after authentication")
		return s.Reply("-ERR Already authenticated")
	}
	if !utils.IsValidAddress(arg) {
		s.ProtocolError("invalid user")
		return s.Reply("-ERR Invalid user")
	}
	s.user = arg
	return s.Reply("+OK User " + arg + " accepted")
}

func (s *session) handlePass(arg string) bool {
	if s.state != stateAuthorization {
		s.ProtocolError("PASS after authentication")
		return s.Reply("-ERR Already authenticated")
	}
	if s.user == "" {
		s.ProtocolError("PASS before USER")
		return s.Reply("-ERR No user specified")
	}

	account, err := s.srv.auth.Authenticate(s.ctx, s.user, arg, s.RemoteHost())
	if err != nil {
		data := map[string]any{"username": s.user}
		if !errors.Is(err, core.ErrInvalidCredentials) && !errors.Is(err, core.ErrAccountLocked) {
			data["error_type"] = protocol.ErrorTypeCollaborator
			s.Logger.Error("Authenticator failed", zap.Error(err))
		}
		s.Emit(events.StageAuthFailure, err.Error(), data)
		return s.Reply("-ERR Authentication failed")
	}

	msgs, err := s.srv.store.FindByParticipant(s.ctx, account.Username, s.srv.opts.QueryLimit)
	if err != nil {
		s.Emit(events.StageStorageFailure, err.Error(), map[string]any{"error_type": protocol.ErrorTypeCollaborator})
		s.Logger.Error("Failed to load mailbox", zap.Error(err))
		return s.Reply("-ERR Mailbox unavailable")
	}
	s.mailbox = make([]entry, len(msgs))
	for i, m := range msgs {
		s.mailbox[i] = entry{msg: m}
	}

	s.identity = account.Username
	s.Emit(events.StageAuthSuccess, account.Username, map[string]any{"mechanism": "USER"})
	s.Emit(events.StageMailboxAccess, account.Username, map[string]any{"count": len(msgs)})
	s.setState(stateTransaction)
	return s.Reply("+OK Mailbox ready")
}

func (s *session) handleList(arg string) bool {
	if arg != "" {
		e, n, reply := s.lookup(arg)
		if e == nil {
			return s.Reply(reply)
		}
		return s.Reply("+OK " + strconv.Itoa(n) + " " + strconv.Itoa(e.msg.Size()))
	}

	count, _ := s.totals()
	lines := []string{"+OK " + strconv.Itoa(count) + " messages"}
	for i, e := range s.mailbox {
		if !e.deleted {
			lines = append(lines, strconv.Itoa(i+1)+" "+strconv.Itoa(e.msg.Size()))
		}
	}
	lines = append(lines, ".")
	return s.Reply(lines...)
}

func (s *session) handleRetr(arg string) bool {
	e, n, reply := s.lookup(arg)
	if e == nil {
		return s.Reply(reply)
	}

	lines := []string{"+OK " + strconv.Itoa(e.msg.Size()) + " octets"}
	body := strings.TrimSuffix(strings.ReplaceAll(e.msg.Body, "\r\n", "\n"), "\n")
	if body != "" {
		for _, l := range strings.Split(body, "\n") {
			if strings.HasPrefix(l, ".") {
				l = "." + l
			}
			lines = append(lines, l)
		}
	}
	lines = append(lines, ".")
	s.Logger.Debug("Retrieving message",
		zap.String("identity", s.identity),
		zap.Int("number", n),
		zap.String("id", e.msg.ID))
	return s.Reply(lines...)
}

func (s *session) handleDele(arg string) bool {
	e, n, reply := s.lookup(arg)
	if e == nil {
		return s.Reply(reply)
	}
	e.deleted = true
	return s.Reply("+OK Message " + strconv.Itoa(n) + " deleted")
}

// handleQuit ends the session. Leaving the transaction state commits
// deletion marks when configured to.
func (s *session) handleQuit() bool {
	reply := "+OK POP3 server signing off"
	if s.state == stateTransaction && s.srv.opts.CommitDeletes {
		if failed := s.commitDeletes(); failed > 0 {
			reply = "-ERR Some deleted messages not removed"
		}
	}
	s.Reply(reply)
	s.setState(stateClosed)
	return false
}

func (s *session) commitDeletes() int {
	ctx := context.WithoutCancel(s.ctx)
	failed := 0
	for _, e := range s.mailbox {
		if !e.deleted {
			continue
		}
		if _, err := s.srv.store.UpdateStatus(ctx, e.msg.ID, core.StatusDeleted); err != nil {
			failed++
			s.Emit(events.StageStorageFailure, err.Error(), map[string]any{"error_type": protocol.ErrorTypeCollaborator})
			s.Logger.Error("Failed to delete message", zap.String("id", e.msg.ID), zap.Error(err))
		}
	}
	return failed
}

// lookup resolves a 1-based message number. On failure it returns nil and
// the error reply to send.
func (s *session) lookup(arg string) (*entry, int, string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		s.ProtocolError("invalid message number")
		return nil, 0, "-ERR Invalid message number"
	}
	if n < 1 || n > len(s.mailbox) {
		s.ProtocolError("no such message")
		return nil, n, "-ERR No such message"
	}
	e := &s.mailbox[n-1]
	if e.deleted {
		s.ProtocolError("message already deleted")
		return nil, n, "-ERR Message " + strconv.Itoa(n) + " already deleted"
	}
	return e, n, ""
}

func (s *session) totals() (count, size int) {
	for _, e := range s.mailbox {
		if !e.deleted {
			count++
			size += e.msg.Size()
		}
	}
	return count, size
}

func (s *session) setState(next state) {
	if next == s.state {
		return
	}
	s.Transition(s.state.String(), next.String())
	s.state = next
}
