package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// generator is the part of genai.GenerativeModel the classifier calls
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Classifier asks a Gemini model for a threat verdict
type Classifier struct {
	client        *genai.Client
	model         generator
	cfg           config.GeminiConfig
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewClassifier creates a new Gemini classifier
func NewClassifier(ctx context.Context, cfg config.GeminiConfig, textProcessor *utils.TextProcessor, logger *zap.Logger) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini.api_key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SetTemperature(cfg.Temperature)
	model.SetTopP(cfg.TopP)
	model.SetMaxOutputTokens(int32(cfg.MaxTokens))
	model.SystemInstruction = genai.NewUserContent(genai.Text(core.ClassifierSystemPrompt))
	model.ResponseMIMEType = "application/json"

	c := newClassifier(model, cfg, textProcessor, logger)
	c.client = client
	return c, nil
}

func newClassifier(model generator, cfg config.GeminiConfig, textProcessor *utils.TextProcessor, logger *zap.Logger) *Classifier {
	return &Classifier{
		model:         model,
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// Close closes the Gemini client
func (c *Classifier) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Classify implements core.Classifier
func (c *Classifier) Classify(ctx context.Context, body, subject, sender string) (*core.Classification, error) {
	body = c.textProcessor.ProcessText(body, c.cfg.MaxBodySize)

	resp, err := c.model.GenerateContent(ctx, genai.Text(core.ClassifierUserPrompt(body, subject, sender)))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("empty response from Gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	result := core.ParseClassification(sb.String())
	result.Model = c.cfg.ModelName
	c.logger.Debug("Gemini classification",
		zap.Bool("is_threat", result.IsThreat),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}
