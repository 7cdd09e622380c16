package factory

import (
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/security"
	"go.uber.org/zap"
)

// TLSFactory creates the transport-security manager
type TLSFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewTLSFactory creates a new TLS factory
func NewTLSFactory(cfg *config.Config, logger *zap.Logger) *TLSFactory {
	return &TLSFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateManager loads or generates the certificate. It returns nil when
// tls.enabled is false, which disables STARTTLS and implicit TLS.
func (f *TLSFactory) CreateManager() (*security.Manager, error) {
	tlsCfg, err := f.cfg.GetTLS()
	if err != nil {
		return nil, err
	}
	if !tlsCfg.Enabled {
		f.logger.Warn("TLS disabled, all protocols run in plaintext")
		return nil, nil
	}

	cert, err := security.LoadOrGenerate(tlsCfg, f.logger.Named("tls"))
	if err != nil {
		return nil, err
	}
	return security.NewManager(cert, tlsCfg.HandshakeTimeout), nil
}
