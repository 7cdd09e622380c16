package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxLineLength applies when no line limit is configured
const DefaultMaxLineLength = 4096

var (
	// ErrLineTooLong is returned when a line exceeds the configured limit.
	// The rest of the line has been consumed and the connection is usable.
	ErrLineTooLong = errors.New("line too long")
	// ErrAlreadySecured is returned by Upgrade on a connection that is
	// already running over TLS.
	ErrAlreadySecured = errors.New("connection already secured")
)

// Securer performs a server-side TLS handshake over a raw connection
type Securer interface {
	Secure(ctx context.Context, conn net.Conn) (*tls.Conn, error)
}

// Conn is a CRLF line-oriented connection whose transport can be swapped
// for TLS exactly once. It is owned by a single session goroutine.
type Conn struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	secured     bool
	idleTimeout time.Duration
	maxLine     int
}

// NewConn wraps conn. A *tls.Conn is reported as already secured.
func NewConn(conn net.Conn, idleTimeout time.Duration, maxLine int) *Conn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	_, secured := conn.(*tls.Conn)
	return &Conn{
		conn:        conn,
		r:           bufio.NewReader(conn),
		w:           bufio.NewWriter(conn),
		secured:     secured,
		idleTimeout: idleTimeout,
		maxLine:     maxLine,
	}
}

// ReadLine reads one line without its terminator. Each read is bounded by
// the idle timeout.
func (c *Conn) ReadLine() (string, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return "", err
		}
	}

	// CRLF is not counted against the limit
	limit := c.maxLine + 2
	var buf []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			if err == bufio.ErrBufferFull {
				err = c.discardLine()
			}
			if err == nil {
				return "", ErrLineTooLong
			}
			return "", err
		}
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	n := len(buf) - 1
	if n > 0 && buf[n-1] == '\r' {
		n--
	}
	return string(buf[:n]), nil
}

func (c *Conn) discardLine() error {
	for {
		_, err := c.r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

// WriteLine writes line followed by CRLF and flushes
func (c *Conn) WriteLine(line string) error {
	return c.WriteLines(line)
}

// WriteLines writes each line followed by CRLF and flushes once
func (c *Conn) WriteLines(lines ...string) error {
	if c.idleTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return err
		}
	}
	for _, line := range lines {
		if _, err := c.w.WriteString(line); err != nil {
			return err
		}
		if _, err := c.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Upgrade performs the server handshake over the current transport and
// swaps all further I/O onto the TLS connection. Plaintext the client
// pipelined behind the upgrade command is discarded. On failure the
// connection must be closed by the caller.
func (c *Conn) Upgrade(ctx context.Context, s Securer) error {
	if c.secured {
		return ErrAlreadySecured
	}
	if n := c.r.Buffered(); n > 0 {
		_, _ = c.r.Discard(n)
	}
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	tlsConn, err := s.Secure(ctx, c.conn)
	if err != nil {
		return err
	}

	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	c.secured = true
	return nil
}

// Secured reports whether I/O runs over TLS
func (c *Conn) Secured() bool {
	return c.secured
}

// ConnectionState returns the TLS state, or false on a plaintext connection
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the current transport
func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err means the peer or the server closed the
// connection
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
