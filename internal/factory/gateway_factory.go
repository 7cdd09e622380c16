package factory

import (
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/gateway"
	"github.com/mikey/secure-mail-gateway/internal/protocol/imap"
	"github.com/mikey/secure-mail-gateway/internal/protocol/pop3"
	"github.com/mikey/secure-mail-gateway/internal/protocol/smtp"
	"github.com/mikey/secure-mail-gateway/internal/protocol/wire"
	"github.com/mikey/secure-mail-gateway/internal/security"
	"github.com/mikey/secure-mail-gateway/internal/server"
	"go.uber.org/zap"
)

// GatewayFactory assembles the protocol servers and their acceptors
type GatewayFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewGatewayFactory creates a new gateway factory
func NewGatewayFactory(cfg *config.Config, logger *zap.Logger) *GatewayFactory {
	return &GatewayFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateGateway creates one acceptor per enabled protocol and a manager
// owning them and the pipeline. tlsManager may be nil.
func (f *GatewayFactory) CreateGateway(
	delivery smtp.Deliverer,
	store core.MessageStore,
	authenticator core.Authenticator,
	tlsManager *security.Manager,
	pipeline *events.Pipeline,
) (*gateway.Manager, error) {
	gatewayCfg, err := f.cfg.GetGateway()
	if err != nil {
		return nil, err
	}
	sessionCfg, err := f.cfg.GetSession()
	if err != nil {
		return nil, err
	}

	// A typed nil must not reach the Securer interface
	var securer wire.Securer
	if tlsManager != nil {
		securer = tlsManager
	}

	var acceptors []*server.Acceptor
	add := func(listener config.ListenerConfig, handler server.Handler) {
		if !listener.Enabled {
			f.logger.Info("Listener disabled", zap.String("protocol", handler.Protocol()))
			return
		}
		var implicit wire.Securer
		if listener.ImplicitTLS {
			if securer == nil {
				f.logger.Warn("Implicit TLS requested without a certificate, serving plaintext",
					zap.String("protocol", handler.Protocol()))
			}
			implicit = securer
		}
		acceptors = append(acceptors, server.NewAcceptor(listener.ListenAddress, handler, implicit, pipeline, f.logger))
	}

	smtpCfg := f.cfg.GetSMTP()
	add(smtpCfg.ListenerConfig, smtp.NewServer(smtp.Options{
		Hostname:        gatewayCfg.Hostname,
		Session:         sessionCfg,
		MaxMessageBytes: smtpCfg.MaxMessageBytes,
		MaxRecipients:   smtpCfg.MaxRecipients,
	}, delivery, authenticator, securer, pipeline, f.logger.Named("smtp")))

	add(f.cfg.GetIMAP(), imap.NewServer(imap.Options{
		Session: sessionCfg,
	}, store, authenticator, pipeline, f.logger.Named("imap")))

	pop3Cfg := f.cfg.GetPOP3()
	add(pop3Cfg.ListenerConfig, pop3.NewServer(pop3.Options{
		Session:       sessionCfg,
		CommitDeletes: pop3Cfg.CommitDeletes,
		QueryLimit:    f.cfg.GetStorage().QueryLimit,
	}, store, authenticator, pipeline, f.logger.Named("pop3")))

	return gateway.NewManager(acceptors, pipeline, gatewayCfg.ShutdownTimeout, f.logger.Named("gateway")), nil
}
