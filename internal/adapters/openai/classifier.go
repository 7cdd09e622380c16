package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Classifier asks an OpenAI compatible chat endpoint for a threat verdict
type Classifier struct {
	client        *openai.Client
	cfg           config.OpenAIConfig
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewClassifier creates a new OpenAI classifier. A non-empty BaseURL points
// the client at a compatible endpoint instead of api.openai.com.
func NewClassifier(cfg config.OpenAIConfig, textProcessor *utils.TextProcessor, logger *zap.Logger) *Classifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Classifier{
		client:        openai.NewClientWithConfig(clientCfg),
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// Classify implements core.Classifier
func (c *Classifier) Classify(ctx context.Context, body, subject, sender string) (*core.Classification, error) {
	body = c.textProcessor.ProcessText(body, c.cfg.MaxBodySize)

	req := openai.ChatCompletionRequest{
		Model: c.cfg.ModelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: core.ClassifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: core.ClassifierUserPrompt(body, subject, sender)},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	}
	if c.cfg.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty response from OpenAI")
	}

	result := core.ParseClassification(resp.Choices[0].Message.Content)
	result.Model = c.cfg.ModelName
	c.logger.Debug("OpenAI classification",
		zap.String("id", resp.ID),
		zap.Bool("is_threat", result.IsThreat),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}
