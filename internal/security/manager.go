package security

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// DefaultHandshakeTimeout bounds a server handshake when none is configured
const DefaultHandshakeTimeout = 10 * time.Second

// cipherSuites restricts TLS 1.2 to forward-secret AEAD suites. TLS 1.3
// suites are not configurable and are always AEAD.
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// Manager owns the server TLS context and secures raw connections with it.
// It is read-only after construction and safe for concurrent use.
type Manager struct {
	config           *tls.Config
	handshakeTimeout time.Duration
}

// NewManager creates a new transport security manager for cert
func NewManager(cert tls.Certificate, handshakeTimeout time.Duration) *Manager {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Manager{
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			CipherSuites: cipherSuites,
		},
		handshakeTimeout: handshakeTimeout,
	}
}

// Config returns a copy of the server TLS configuration
func (m *Manager) Config() *tls.Config {
	return m.config.Clone()
}

// Secure performs a server-side handshake over conn. On failure the caller
// still owns conn and must close it.
func (m *Manager) Secure(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(conn, m.config)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s failed: %w", conn.RemoteAddr(), err)
	}
	return tlsConn, nil
}
