package imap

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol"
	"go.uber.org/zap"
)

const (
	greeting   = "* OK IMAP4rev1 Secure Mail Gateway ready"
	capability = "* CAPABILITY IMAP4rev1"
	inbox      = "INBOX"
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateSelected
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "UNAUTHENTICATED"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateSelected:
		return "MAILBOX_SELECTED"
	default:
		return "CLOSED"
	}
}

type session struct {
	*protocol.Session
	srv *Server
	ctx context.Context

	state    state
	identity string
	exists   int
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

// handle dispatches one tagged command line. A false return ends the session.
func (s *session) handle(line string) bool {
	tag, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	verb, arg := protocol.SplitCommand(rest)
	if tag == "" || verb == "" {
		s.Command("")
		s.ProtocolError("untagged or empty command")
		return s.Reply("* BAD Invalid command")
	}
	s.Command(verb)

	args, err := parseArgs(arg)
	if err != nil {
		s.ProtocolError(err.Error())
		return s.Reply(tag + " BAD Invalid arguments")
	}

	switch verb {
	case "CAPABILITY":
		return s.Reply(capability, tag+" OK CAPABILITY completed")
	case "NOOP":
		return s.Reply(tag + " OK NOOP completed")
	case "LOGIN":
		return s.handleLogin(tag, args)
	case "LIST":
		return s.handleList(tag)
	case "SELECT":
		return s.handleSelect(tag, args, false)
	case "EXAMINE":
		return s.handleSelect(tag, args, true)
	case "FETCH":
		return s.handleFetch(tag, args)
	case "LOGOUT":
		s.Reply("* BYE IMAP4rev1 Server logging out", tag+" OK LOGOUT completed")
		s.setState(stateClosed)
		return false
	default:
		s.ProtocolError("unknown command " + verb)
		return s.Reply(tag + " BAD Command not recognized")
	}
}

func (s *session) handleLogin(tag string, args []string) bool {
	if s.state != stateUnauthenticated {
		s.ProtocolError("LOGIN after authentication")
		return s.Reply(tag + " BAD Already authenticated")
	}
	if len(args) != 2 {
		s.ProtocolError("malformed LOGIN command")
		return s.Reply(tag + " BAD LOGIN command incomplete")
	}

	account, err := s.srv.auth.Authenticate(s.ctx, args[0], args[1], s.RemoteHost())
	if err != nil {
		data := map[string]any{"username": args[0]}
		if !errors.Is(err, core.ErrInvalidCredentials) && !errors.Is(err, core.ErrAccountLocked) {
			data["error_type"] = protocol.ErrorTypeCollaborator
			s.Logger.Error("Authenticator failed", zap.Error(err))
		}
		s.Emit(events.StageAuthFailure, err.Error(), data)
		return s.Reply(tag + " NO LOGIN failed")
	}

	s.identity = account.Username
	s.Emit(events.StageAuthSuccess, account.Username, map[string]any{"mechanism": "LOGIN"})
	s.setState(stateAuthenticated)
	return s.Reply(tag + " OK LOGIN completed")
}

func (s *session) handleList(tag string) bool {
	if s.state < stateAuthenticated {
		s.ProtocolError("LIST before authentication")
		return s.Reply(tag + " NO Not authenticated")
	}
	return s.Reply(`* LIST () "/" "`+inbox+`"`, tag+" OK LIST completed")
}

func (s *session) handleSelect(tag string, args []string, readOnly bool) bool {
	cmd := "SELECT"
	if readOnly {
		cmd = "EXAMINE"
	}
	if s.state < stateAuthenticated {
		s.ProtocolError(cmd + " before authentication")
		return s.Reply(tag + " NO " + cmd + " failed")
	}
	if len(args) != 1 {
		s.ProtocolError("malformed " + cmd + " command")
		return s.Reply(tag + " BAD " + cmd + " command incomplete")
	}
	if !strings.EqualFold(args[0], inbox) {
		s.ProtocolError("unknown mailbox " + args[0])
		return s.Reply(tag + " NO Mailbox does not exist")
	}

	count, err := s.srv.store.CountForMailbox(s.ctx, s.identity)
	if err != nil {
		s.Emit(events.StageStorageFailure, err.Error(), map[string]any{"error_type": protocol.ErrorTypeCollaborator})
		s.Logger.Error("Failed to count mailbox", zap.Error(err))
		return s.Reply(tag + " NO " + cmd + " failed")
	}

	s.exists = count
	s.Emit(events.StageMailboxAccess, inbox, map[string]any{
		"identity":  s.identity,
		"count":     count,
		"read_only": readOnly,
	})
	s.setState(stateSelected)

	n := strconv.Itoa(count)
	access := "[READ-WRITE]"
	if readOnly {
		access = "[READ-ONLY]"
	}
	return s.Reply(
		"* "+n+" EXISTS",
		"* "+n+" RECENT",
		`* FLAGS (\Seen \Answered \Flagged \Deleted \Draft)`,
		tag+" OK "+access+" "+cmd+" completed",
	)
}

// handleFetch answers with a flags-only descriptor of the first message.
// Body retrieval is served by the download protocol.
func (s *session) handleFetch(tag string, args []string) bool {
	if s.state != stateSelected {
		s.ProtocolError("FETCH without selected mailbox")
		return s.Reply(tag + " NO FETCH failed")
	}
	if len(args) < 2 {
		s.ProtocolError("malformed FETCH command")
		return s.Reply(tag + " BAD FETCH command incomplete")
	}
	if s.exists == 0 {
		return s.Reply(tag + " OK FETCH completed")
	}
	return s.Reply(`* 1 FETCH (FLAGS (\Seen))`, tag+" OK FETCH completed")
}

func (s *session) setState(next state) {
	if next == s.state {
		return
	}
	s.Transition(s.state.String(), next.String())
	s.state = next
}
