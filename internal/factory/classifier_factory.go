package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/mikey/secure-mail-gateway/internal/adapters/bedrock"
	"github.com/mikey/secure-mail-gateway/internal/adapters/gemini"
	"github.com/mikey/secure-mail-gateway/internal/adapters/openai"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"go.uber.org/zap"
)

// ClassifierFactory creates the optional remote classifier
type ClassifierFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewClassifierFactory creates a new classifier factory
func NewClassifierFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *ClassifierFactory {
	return &ClassifierFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateClassifier creates the classifier named by classifier.provider. It
// returns a nil classifier for "none", which leaves scoring rule-based.
func (f *ClassifierFactory) CreateClassifier() (core.Classifier, error) {
	provider := strings.ToLower(f.cfg.GetString("classifier.provider"))
	logger := f.logger.Named("classifier").With(zap.String("provider", provider))

	switch provider {
	case "", "none":
		f.logger.Info("No classifier configured, using rule-based scoring only")
		return nil, nil
	case "openai":
		c := openai.NewClassifier(f.cfg.GetOpenAI(), f.textProcessor, logger)
		logger.Info("Classifier ready", zap.String("model", f.cfg.GetOpenAI().ModelName))
		return c, nil
	case "gemini":
		c, err := gemini.NewClassifier(context.Background(), f.cfg.GetGemini(), f.textProcessor, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Classifier ready", zap.String("model", f.cfg.GetGemini().ModelName))
		return c, nil
	case "bedrock":
		c, err := bedrock.NewClassifier(context.Background(), f.cfg.GetBedrock(), f.textProcessor, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Classifier ready", zap.String("model", f.cfg.GetBedrock().ModelID))
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", provider)
	}
}
