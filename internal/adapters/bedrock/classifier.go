package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"go.uber.org/zap"
)

const anthropicVersion = "bedrock-2023-05-31"

// invoker is the part of bedrockruntime.Client the classifier calls
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Classifier asks an Amazon Bedrock model for a threat verdict
type Classifier struct {
	client        invoker
	cfg           config.BedrockConfig
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewClassifier loads the default AWS credential chain and creates a new
// Bedrock classifier
func NewClassifier(ctx context.Context, cfg config.BedrockConfig, textProcessor *utils.TextProcessor, logger *zap.Logger) (*Classifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return newClassifier(bedrockruntime.NewFromConfig(awsCfg), cfg, textProcessor, logger), nil
}

func newClassifier(client invoker, cfg config.BedrockConfig, textProcessor *utils.TextProcessor, logger *zap.Logger) *Classifier {
	return &Classifier{
		client:        client,
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// Classify implements core.Classifier
func (c *Classifier) Classify(ctx context.Context, body, subject, sender string) (*core.Classification, error) {
	body = c.textProcessor.ProcessText(body, c.cfg.MaxBodySize)
	prompt := core.ClassifierUserPrompt(body, subject, sender)

	payload, err := c.requestBody(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.cfg.ModelID),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke Bedrock model: %w", err)
	}

	text, err := c.responseText(resp.Body)
	if err != nil {
		return nil, err
	}

	result := core.ParseClassification(text)
	result.Model = c.cfg.ModelID
	c.logger.Debug("Bedrock classification",
		zap.String("model", c.cfg.ModelID),
		zap.Bool("is_threat", result.IsThreat),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

func (c *Classifier) requestBody(prompt string) ([]byte, error) {
	switch {
	case c.isAnthropicMessagesModel():
		return json.Marshal(map[string]any{
			"anthropic_version": anthropicVersion,
			"max_tokens":        c.cfg.MaxTokens,
			"temperature":       c.cfg.Temperature,
			"top_p":             c.cfg.TopP,
			"system":            core.ClassifierSystemPrompt,
			"messages": []map[string]any{
				{"role": "user", "content": prompt},
			},
		})
	case c.isAnthropicModel():
		return json.Marshal(map[string]any{
			"prompt":               "\n\nHuman: " + core.ClassifierSystemPrompt + "\n\n" + prompt + "\n\nAssistant:",
			"max_tokens_to_sample": c.cfg.MaxTokens,
			"temperature":          c.cfg.Temperature,
			"top_p":                c.cfg.TopP,
		})
	case c.isAmazonTitanModel():
		return json.Marshal(map[string]any{
			"inputText": core.ClassifierSystemPrompt + "\n\n" + prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": c.cfg.MaxTokens,
				"temperature":   c.cfg.Temperature,
				"topP":          c.cfg.TopP,
			},
		})
	default:
		return json.Marshal(map[string]any{
			"prompt":      core.ClassifierSystemPrompt + "\n\n" + prompt,
			"max_tokens":  c.cfg.MaxTokens,
			"temperature": c.cfg.Temperature,
			"top_p":       c.cfg.TopP,
		})
	}
}

func (c *Classifier) responseText(body []byte) (string, error) {
	switch {
	case c.isAnthropicMessagesModel():
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return sb.String(), nil
	case c.isAnthropicModel():
		var resp struct {
			Completion string `json:"completion"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		return resp.Completion, nil
	case c.isAmazonTitanModel():
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Titan response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", errors.New("empty response from Titan model")
		}
		return resp.Results[0].OutputText, nil
	default:
		var resp struct {
			Output   string `json:"output"`
			Text     string `json:"text"`
			Response string `json:"response"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return string(body), nil
		}
		for _, s := range []string{resp.Output, resp.Text, resp.Response} {
			if s != "" {
				return s, nil
			}
		}
		return string(body), nil
	}
}

func (c *Classifier) isAnthropicModel() bool {
	return strings.Contains(c.cfg.ModelID, "anthropic.claude")
}

// Claude 3 and later only accept the messages API
func (c *Classifier) isAnthropicMessagesModel() bool {
	return c.isAnthropicModel() && !strings.Contains(c.cfg.ModelID, "claude-v2") && !strings.Contains(c.cfg.ModelID, "claude-instant")
}

func (c *Classifier) isAmazonTitanModel() bool {
	return strings.HasPrefix(c.cfg.ModelID, "amazon.titan")
}
