package di

import (
	"io"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/secure-mail-gateway/internal/adapters/auth"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/domainset"
	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/mikey/secure-mail-gateway/internal/factory"
	"github.com/mikey/secure-mail-gateway/internal/gateway"
	"github.com/mikey/secure-mail-gateway/internal/logging"
	"github.com/mikey/secure-mail-gateway/internal/metrics"
	"github.com/mikey/secure-mail-gateway/internal/scoring"
	"github.com/mikey/secure-mail-gateway/internal/security"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// SinkClosers are the event sink connections released at shutdown
type SinkClosers []io.Closer

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	return BuildContainerWith(config.New)
}

// BuildContainerWith builds the gateway container around a config provider
func BuildContainerWith(loadConfig func() (*config.Config, error)) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(loadConfig); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	for _, ctor := range []any{
		factory.NewTextProcessorFactory,
		factory.NewClassifierFactory,
		factory.NewStoreFactory,
		factory.NewSinkFactory,
		factory.NewTLSFactory,
		factory.NewGatewayFactory,
	} {
		if err := container.Provide(ctor); err != nil {
			return nil, err
		}
	}

	// Register text processing
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.TextProcessorFactory) core.MessageParser {
		return f.CreateMessageParser()
	}); err != nil {
		return nil, err
	}

	// Register metrics registry
	if err := container.Provide(metrics.NewRegistry); err != nil {
		return nil, err
	}

	// Register scoring
	if err := container.Provide(func(f *factory.ClassifierFactory) (core.Classifier, error) {
		return f.CreateClassifier()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *scoring.RuleSet {
		domains := cfg.GetScoring().FreeWebmailDomains
		if len(domains) > 0 {
			logger.Info("Loaded free webmail domains", zap.Strings("domains", domains))
		}
		return scoring.DefaultRuleSet(domainset.New(domains, logger))
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, rules *scoring.RuleSet, classifier core.Classifier, logger *zap.Logger) (core.Scorer, error) {
		classifierCfg, err := cfg.GetClassifier()
		if err != nil {
			return nil, err
		}
		return scoring.NewEngine(rules, classifier, classifierCfg.Timeout, logger.Named("scoring")), nil
	}); err != nil {
		return nil, err
	}

	// Register storage and authentication
	if err := container.Provide(func(f *factory.StoreFactory) (core.MessageStore, error) {
		return f.CreateStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (core.Authenticator, error) {
		authCfg, err := cfg.GetAuth()
		if err != nil {
			return nil, err
		}
		return auth.NewStaticAuthenticator(authCfg, logger.Named("auth"))
	}); err != nil {
		return nil, err
	}

	// Register delivery service
	if err := container.Provide(func(
		cfg *config.Config,
		scorer core.Scorer,
		store core.MessageStore,
		parser core.MessageParser,
		logger *zap.Logger,
	) (*core.DeliveryService, error) {
		scoringCfg := cfg.GetScoring()
		tier, err := core.ParseThreatTier(scoringCfg.BlockTier)
		if err != nil {
			return nil, err
		}
		policy := core.DeliveryPolicy{BlockThreats: scoringCfg.BlockThreats, BlockTier: tier}
		return core.NewDeliveryService(scorer, store, parser, policy, logger.Named("delivery")), nil
	}); err != nil {
		return nil, err
	}

	// Register event pipeline
	if err := container.Provide(func(f *factory.SinkFactory) (events.Sink, SinkClosers, error) {
		sink, closers, err := f.CreateSink()
		return sink, SinkClosers(closers), err
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, sink events.Sink, reg *prometheus.Registry, logger *zap.Logger) (*events.Pipeline, error) {
		eventsCfg, err := cfg.GetEvents()
		if err != nil {
			return nil, err
		}
		pipeline := events.NewPipeline(eventsCfg.Capacity, sink, logger.Named("events"))
		if err := metrics.RegisterPipeline(reg, pipeline); err != nil {
			return nil, err
		}
		return pipeline, nil
	}); err != nil {
		return nil, err
	}

	// Register transport security
	if err := container.Provide(func(f *factory.TLSFactory) (*security.Manager, error) {
		return f.CreateManager()
	}); err != nil {
		return nil, err
	}

	// Register gateway
	if err := container.Provide(func(
		f *factory.GatewayFactory,
		delivery *core.DeliveryService,
		store core.MessageStore,
		authenticator core.Authenticator,
		tlsManager *security.Manager,
		pipeline *events.Pipeline,
	) (*gateway.Manager, error) {
		return f.CreateGateway(delivery, store, authenticator, tlsManager, pipeline)
	}); err != nil {
		return nil, err
	}

	// Register metrics listener; nil when metrics.listen_address is empty
	if err := container.Provide(func(cfg *config.Config, reg *prometheus.Registry, logger *zap.Logger) *metrics.Server {
		addr := cfg.GetMetrics().ListenAddress
		if addr == "" {
			return nil
		}
		return metrics.NewServer(addr, reg, logger.Named("metrics"))
	}); err != nil {
		return nil, err
	}

	return container, nil
}
