package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"go.uber.org/zap"
)

// ErrNoCertificate is returned when the key pair is missing and generation is disabled
var ErrNoCertificate = errors.New("no certificate material available")

// LoadOrGenerate loads the configured PEM key pair. When either file is
// missing and generation is enabled a self-signed pair is written first.
func LoadOrGenerate(cfg config.TLSConfig, logger *zap.Logger) (tls.Certificate, error) {
	if !exists(cfg.CertFile) || !exists(cfg.KeyFile) {
		if !cfg.Generate {
			return tls.Certificate{}, fmt.Errorf("%w: %s / %s", ErrNoCertificate, cfg.CertFile, cfg.KeyFile)
		}
		certPEM, keyPEM, err := GenerateSelfSigned(cfg.Hosts, cfg.Validity)
		if err != nil {
			return tls.Certificate{}, err
		}
		if err := writePEM(cfg.CertFile, certPEM, 0o644); err != nil {
			return tls.Certificate{}, err
		}
		if err := writePEM(cfg.KeyFile, keyPEM, 0o600); err != nil {
			return tls.Certificate{}, err
		}
		logger.Info("Generated self-signed certificate",
			zap.String("cert_file", cfg.CertFile),
			zap.String("key_file", cfg.KeyFile))
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}
	return cert, nil
}

// GenerateSelfSigned creates a PEM encoded ECDSA P-256 certificate and key
// valid for localhost, 127.0.0.1 and the extra hosts.
func GenerateSelfSigned(hosts []string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Secure Mail Gateway"}, CommonName: "localhost"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writePEM(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
