package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/mikey/secure-mail-gateway/internal/adapters/auth"
	"github.com/mikey/secure-mail-gateway/internal/adapters/store"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/protocol/protocoltest"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"github.com/mikey/secure-mail-gateway/internal/scoring"
	"github.com/mikey/secure-mail-gateway/internal/security"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const scamBody = "Subject: Final notice\r\n\r\n" +
	"Congratulations! You won the lottery prize. Send your bank details and " +
	"credit card number urgently to claim it.\r\n"

type setup struct {
	opts    Options
	securer wire.Securer
	policy  core.DeliveryPolicy
	store   core.MessageStore
}

type harness struct {
	addr  string
	store *store.MemoryStore
	rec   *protocoltest.Recorder
}

type failingStore struct{ core.MessageStore }

func (failingStore) Save(context.Context, *core.StoredMessage) (string, error) {
	return "", errors.New("database unavailable")
}

func testSecurer(t *testing.T) wire.Securer {
	t.Helper()
	certPEM, keyPEM, err := security.GenerateSelfSigned(nil, time.Hour)
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return security.NewManager(cert, 2*time.Second)
}

func startServer(t *testing.T, mutate ...func(*setup)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mem := store.NewMemoryStore(logger)
	s := &setup{
		opts: Options{
			Hostname:        "mx.test",
			Session:         config.SessionConfig{IdleTimeout: 5 * time.Second, MaxLineLength: 1000},
			MaxMessageBytes: 1 << 20,
			MaxRecipients:   10,
		},
		store: mem,
	}
	for _, m := range mutate {
		m(s)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	authenticator, err := auth.NewStaticAuthenticator(config.AuthConfig{
		Users:       []config.UserConfig{{Username: "alice@example.com", PasswordHash: string(hash)}},
		MaxFailures: 5,
		Lockout:     time.Minute,
	}, logger)
	require.NoError(t, err)

	engine := scoring.NewEngine(scoring.DefaultRuleSet(nil), nil, 0, logger)
	delivery := core.NewDeliveryService(engine, s.store, utils.NewMIMEParser(logger), s.policy, logger)
	rec := &protocoltest.Recorder{}
	srv := NewServer(s.opts, delivery, authenticator, s.securer, rec, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.Serve(context.Background(), conn)
		}
	}()

	return &harness{addr: ln.Addr().String(), store: mem, rec: rec}
}

// raw opens a textproto connection and consumes the greeting
func (h *harness) raw(t *testing.T) *textproto.Conn {
	t.Helper()
	c, err := textproto.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, _, err = c.ReadResponse(220)
	require.NoError(t, err)
	return c
}

func expect(t *testing.T, c *textproto.Conn, cmd string, code int) string {
	t.Helper()
	id, err := c.Cmd("%s", cmd)
	require.NoError(t, err)
	c.StartResponse(id)
	defer c.EndResponse(id)
	got, msg, err := c.ReadResponse(code)
	require.NoError(t, err, "%s -> %d %s", cmd, got, msg)
	return msg
}

func (h *harness) dial(t *testing.T) *gosmtp.Client {
	t.Helper()
	c, err := gosmtp.Dial(h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *gosmtp.Client, from, to, body string) error {
	t.Helper()
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func stored(t *testing.T, h *harness, recipient string) []*core.StoredMessage {
	t.Helper()
	msgs, err := h.store.FindByParticipant(context.Background(), recipient, 0)
	require.NoError(t, err)
	return msgs
}

func TestDeliverPlaintextMessage(t *testing.T) {
	h := startServer(t)
	c := h.dial(t)

	require.NoError(t, c.Hello("client.example"))
	require.NoError(t, send(t, c, "sender@example.com", "bob@example.org",
		"Subject: Lunch\r\n\r\nSee you at noon.\r\n"))
	require.NoError(t, c.Quit())

	msgs := stored(t, h, "bob@example.org")
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "sender@example.com", m.Sender)
	assert.Equal(t, []string{"bob@example.org"}, m.Recipients)
	assert.Equal(t, "Lunch", m.Subject)
	assert.False(t, m.Secured)
	assert.Equal(t, core.StatusInbox, m.Status)
	assert.False(t, m.Verdict.IsThreat())
	assert.Equal(t, 1, h.rec.Count(events.StageMessageStored))
	assert.True(t, h.rec.Has(events.StageGreeting, ""))
}

func TestThreatIsQuarantined(t *testing.T) {
	h := startServer(t)
	c := h.dial(t)

	require.NoError(t, send(t, c, "prize@example.com", "bob@example.org", scamBody))

	msgs := stored(t, h, "bob@example.org")
	require.Len(t, msgs, 1)
	assert.Equal(t, core.StatusQuarantine, msgs[0].Status)
	assert.Equal(t, core.TierCritical, msgs[0].Verdict.Tier())
	assert.Contains(t, msgs[0].Verdict.Categories(), scoring.CategoryFinancial)
}

func TestInvalidRecipientKeepsSession(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	expect(t, c, "EHLO a.example", 250)
	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<bad-address>", 550)
	expect(t, c, "RCPT TO:<good@example.com>", 250)
	expect(t, c, "QUIT", 221)
}

func TestEmptyDataProducesLowVerdict(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	expect(t, c, "HELO a.example", 250)
	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<bob@example.org>", 250)
	expect(t, c, "DATA", 354)
	expect(t, c, ".", 250)

	msgs := stored(t, h, "bob@example.org")
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Body)
	assert.Equal(t, core.TierLow, msgs[0].Verdict.Tier())
	assert.False(t, msgs[0].Verdict.IsThreat())
}

func TestCommandSequencing(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	expect(t, c, "DATA", 503)
	expect(t, c, "RCPT TO:<bob@example.org>", 503)
	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "MAIL FROM:<ok@example.com>", 503)
	expect(t, c, "DATA", 503)
	expect(t, c, "MAIL TO:<ok@example.com>", 503)
	expect(t, c, "RSET", 250)
	expect(t, c, "MAIL FROM ok@example.com", 501)
	expect(t, c, "MAIL FROM:<not an address>", 550)
	expect(t, c, "EHLO", 501)
	expect(t, c, "VRFY bob", 500)
	expect(t, c, "", 500)
	expect(t, c, "NOOP", 250)

	assert.Equal(t, 13, h.rec.Count(events.StageCommand))
}

func TestRecipientLimit(t *testing.T) {
	h := startServer(t, func(s *setup) { s.opts.MaxRecipients = 1 })
	c := h.raw(t)

	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<a@example.com>", 250)
	expect(t, c, "RCPT TO:<b@example.com>", 452)
}

func TestDotUnstuffing(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<bob@example.org>", 250)
	expect(t, c, "DATA", 354)
	require.NoError(t, c.PrintfLine("..leading dot"))
	require.NoError(t, c.PrintfLine("plain"))
	expect(t, c, ".", 250)

	msgs := stored(t, h, "bob@example.org")
	require.Len(t, msgs, 1)
	assert.Equal(t, ".leading dot\r\nplain\r\n", msgs[0].Body)
}

func TestMessageSizeLimit(t *testing.T) {
	h := startServer(t, func(s *setup) { s.opts.MaxMessageBytes = 64 })
	c := h.raw(t)

	ehlo := expect(t, c, "EHLO a.example", 250)
	assert.Contains(t, ehlo, "SIZE 64")

	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<bob@example.org>", 250)
	expect(t, c, "DATA", 354)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.PrintfLine("%s", strings.Repeat("x", 30)))
	}
	expect(t, c, ".", 552)

	// The transaction is reset and the session continues
	expect(t, c, "DATA", 503)
	expect(t, c, "NOOP", 250)
	assert.Empty(t, stored(t, h, "bob@example.org"))
}

func TestBlockPolicyRejects(t *testing.T) {
	h := startServer(t, func(s *setup) {
		s.policy = core.DeliveryPolicy{BlockThreats: true, BlockTier: core.TierHigh}
	})
	c := h.dial(t)

	err := send(t, c, "prize@example.com", "bob@example.org", scamBody)
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)
	assert.Empty(t, stored(t, h, "bob@example.org"))
	assert.Equal(t, 1, h.rec.Count(events.StageMessageRejected))

	require.NoError(t, c.Noop())
}

func TestStorageFailureIsTransient(t *testing.T) {
	h := startServer(t, func(s *setup) { s.store = failingStore{} })
	c := h.raw(t)

	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<bob@example.org>", 250)
	expect(t, c, "DATA", 354)
	require.NoError(t, c.PrintfLine("hello"))
	expect(t, c, ".", 451)
	expect(t, c, "NOOP", 250)
	assert.Equal(t, 1, h.rec.Count(events.StageStorageFailure))
}

func TestStartTLSUpgrade(t *testing.T) {
	h := startServer(t, func(s *setup) { s.securer = testSecurer(t) })
	c := h.dial(t)

	require.NoError(t, c.Hello("client.example"))
	ok, _ := c.Extension("STARTTLS")
	require.True(t, ok)

	require.NoError(t, c.StartTLS(&tls.Config{InsecureSkipVerify: true}))
	ok, _ = c.Extension("STARTTLS")
	assert.False(t, ok, "STARTTLS is not offered on a secured connection")

	require.NoError(t, send(t, c, "sender@example.com", "bob@example.org", "Subject: hi\r\n\r\nsecure\r\n"))
	msgs := stored(t, h, "bob@example.org")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Secured)
	assert.Equal(t, 1, h.rec.Count(events.StageTLSUpgrade))

	// A second upgrade is refused without breaking the session
	err := c.StartTLS(&tls.Config{InsecureSkipVerify: true})
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 503, smtpErr.Code)
	require.NoError(t, c.Noop())
}

func TestStartTLSUnavailable(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	ehlo := expect(t, c, "EHLO a.example", 250)
	assert.NotContains(t, ehlo, "STARTTLS")
	expect(t, c, "STARTTLS", 454)
	expect(t, c, "NOOP", 250)
}

func TestStartTLSDiscardsPipelinedPlaintext(t *testing.T) {
	h := startServer(t, func(s *setup) { s.securer = testSecurer(t) })

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(greeting, "220 "))

	_, err = io.WriteString(conn, "STARTTLS\r\nNOOP\r\n")
	require.NoError(t, err)
	ready, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ready, "220 "))

	tc := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tc.Handshake())
	tp := textproto.NewConn(tc)
	expect(t, tp, "NOOP", 250)

	assert.Equal(t, 1, h.rec.Count(events.StageTLSUpgrade))
	commands := 0
	for _, ev := range h.rec.Events() {
		if ev.Stage == events.StageCommand && ev.Detail == "NOOP" {
			commands++
		}
	}
	assert.Equal(t, 1, commands, "injected plaintext NOOP must not be executed")
}

func TestStartTLSHandshakeFailureClosesSession(t *testing.T) {
	h := startServer(t, func(s *setup) { s.securer = testSecurer(t) })
	c := h.raw(t)

	expect(t, c, "STARTTLS", 220)
	require.NoError(t, c.PrintfLine("this is not a client hello"))

	require.Eventually(t, func() bool {
		return h.rec.Count(events.StageTLSFailure) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthPlain(t *testing.T) {
	h := startServer(t)
	c := h.dial(t)

	require.NoError(t, c.Hello("client.example"))
	ok, params := c.Extension("AUTH")
	require.True(t, ok)
	assert.Contains(t, params, "PLAIN")

	require.NoError(t, c.Auth(sasl.NewPlainClient("", "alice@example.com", "s3cret")))
	require.NoError(t, send(t, c, "alice@example.com", "bob@example.org", "hello\r\n"))

	msgs := stored(t, h, "bob@example.org")
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@example.com", msgs[0].AuthenticatedAs)
	assert.True(t, h.rec.Has(events.StageAuthSuccess, "alice@example.com"))
}

func TestAuthPlainRejected(t *testing.T) {
	h := startServer(t)
	c := h.dial(t)

	err := c.Auth(sasl.NewPlainClient("", "alice@example.com", "wrong"))
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 535, smtpErr.Code)
	assert.Equal(t, 1, h.rec.Count(events.StageAuthFailure))
	require.NoError(t, c.Noop())
}

func TestLockedAccountLooksLikeBadCredentials(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	for i := 0; i < 5; i++ {
		expect(t, c, "AUTH PLAIN AGFsaWNlQGV4YW1wbGUuY29tAHdyb25n", 535)
	}
	msg := expect(t, c, "AUTH PLAIN AGFsaWNlQGV4YW1wbGUuY29tAHMzY3JldA==", 535)
	assert.NotContains(t, strings.ToLower(msg), "lock")
	assert.True(t, h.rec.Has(events.StageAuthFailure, core.ErrAccountLocked.Error()))
}

func TestAuthPlainWithChallenge(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	expect(t, c, "AUTH LOGIN", 504)
	expect(t, c, "AUTH PLAIN", 334)
	expect(t, c, "*", 501)
	expect(t, c, "AUTH PLAIN", 334)
	expect(t, c, "AGFsaWNlQGV4YW1wbGUuY29tAHMzY3JldA==", 235)
	expect(t, c, "AUTH PLAIN", 503)
}

func TestIdleTimeout(t *testing.T) {
	h := startServer(t, func(s *setup) { s.opts.Session.IdleTimeout = 50 * time.Millisecond })
	c := h.raw(t)

	code, _, err := c.ReadResponse(421)
	require.NoError(t, err)
	assert.Equal(t, 421, code)
	require.Eventually(t, func() bool {
		return h.rec.Count(events.StageIdleTimeout) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateTransitionsAreRecorded(t *testing.T) {
	h := startServer(t)
	c := h.raw(t)

	expect(t, c, "MAIL FROM:<ok@example.com>", 250)
	expect(t, c, "RCPT TO:<bob@example.org>", 250)
	expect(t, c, "DATA", 354)
	expect(t, c, ".", 250)
	expect(t, c, "QUIT", 221)

	require.Eventually(t, func() bool {
		return h.rec.Count(events.StageSessionClose) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var transitions []string
	for _, ev := range h.rec.Events() {
		if ev.Stage == events.StageStateChange {
			transitions = append(transitions, ev.Detail)
		}
	}
	assert.Equal(t, []string{"GREETED -> DATA_MODE", "DATA_MODE -> GREETED", "GREETED -> CLOSED"}, transitions)
}
