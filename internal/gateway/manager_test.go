package gateway

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type greeter struct{ name string }

func (g greeter) Protocol() string { return g.name }

func (g greeter) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_, _ = io.WriteString(conn, g.name+" ready\r\n")
}

type collectSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *collectSink) Publish(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) count(stage events.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Stage == stage {
			n++
		}
	}
	return n
}

func newManager(t *testing.T, addrs ...string) (*Manager, []*server.Acceptor, *collectSink) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sink := &collectSink{}
	pipeline := events.NewPipeline(64, sink, logger)

	names := []string{"SMTP", "IMAP", "POP3"}
	var acceptors []*server.Acceptor
	for i, addr := range addrs {
		acceptors = append(acceptors, server.NewAcceptor(addr, greeter{name: names[i%len(names)]}, nil, pipeline, logger))
	}
	return NewManager(acceptors, pipeline, time.Second, logger), acceptors, sink
}

func greeting(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestManagerStartsAndStopsAllListeners(t *testing.T) {
	m, acceptors, sink := newManager(t, "127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0")
	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), errAlreadyStarted)

	assert.Equal(t, "SMTP ready\r\n", greeting(t, acceptors[0].Addr().String()))
	assert.Equal(t, "IMAP ready\r\n", greeting(t, acceptors[1].Addr().String()))
	assert.Equal(t, "POP3 ready\r\n", greeting(t, acceptors[2].Addr().String()))

	require.NoError(t, m.Stop())
	select {
	case <-m.Done():
	default:
		t.Fatal("acceptors still running after Stop")
	}
	assert.NoError(t, m.Err())

	// The pipeline is drained before Stop returns
	assert.Equal(t, 3, sink.count(events.StageServerStart))
	assert.Equal(t, 3, sink.count(events.StageConnectionAccept))
	assert.Equal(t, 3, sink.count(events.StageServerStop))

	for _, a := range acceptors {
		_, err := net.Dial("tcp", a.Addr().String())
		assert.Error(t, err)
	}
}

func TestManagerBindFailureLeavesNothingListening(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	m, acceptors, _ := newManager(t, "127.0.0.1:0", taken.Addr().String(), "127.0.0.1:0")
	err = m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP")

	first := acceptors[0].Addr()
	require.NotNil(t, first)
	_, err = net.Dial("tcp", first.String())
	assert.Error(t, err, "already bound listeners are released")
	assert.Nil(t, acceptors[2].Addr(), "later listeners are never bound")

	assert.NoError(t, m.Stop(), "stopping an unstarted gateway is a no-op")
}

func TestSeqIsMonotonicAcrossListeners(t *testing.T) {
	m, acceptors, sink := newManager(t, "127.0.0.1:0", "127.0.0.1:0")
	require.NoError(t, m.Start())
	for i := 0; i < 5; i++ {
		greeting(t, acceptors[i%2].Addr().String())
	}
	require.NoError(t, m.Stop())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	for i := 1; i < len(sink.events); i++ {
		assert.Greater(t, sink.events[i].Seq, sink.events[i-1].Seq)
	}
}
