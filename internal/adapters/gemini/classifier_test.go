package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeModel struct {
	parts []genai.Part
	resp  *genai.GenerateContentResponse
	err   error
}

func (f *fakeModel) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	return f.resp, f.err
}

func answer(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}
}

func newTestClassifier(t *testing.T, model *fakeModel) *Classifier {
	logger := zaptest.NewLogger(t)
	return newClassifier(model, config.GeminiConfig{ModelName: "gemini-test", MaxBodySize: 1024}, utils.NewTextProcessor(logger), logger)
}

func TestClassifyJoinsTextParts(t *testing.T) {
	model := &fakeModel{resp: answer(
		genai.Text(`{"is_threat": true, "confidence": 0.8,`),
		genai.Text(` "categories": ["lottery_scam"]}`),
	)}
	c := newTestClassifier(t, model)

	got, err := c.Classify(context.Background(), "You have won!", "Prize", "lotto@example.net")
	require.NoError(t, err)
	assert.True(t, got.IsThreat)
	assert.Equal(t, 0.8, got.Confidence)
	assert.Equal(t, core.TierCritical, got.Tier)
	assert.Equal(t, []string{"lottery_scam"}, got.Categories)
	assert.Equal(t, "gemini-test", got.Model)

	require.Len(t, model.parts, 1)
	assert.Contains(t, string(model.parts[0].(genai.Text)), "SUBJECT: Prize")
	assert.NoError(t, c.Close())
}

func TestClassifyFailures(t *testing.T) {
	c := newTestClassifier(t, &fakeModel{err: errors.New("quota exceeded")})
	_, err := c.Classify(context.Background(), "b", "s", "f")
	assert.ErrorContains(t, err, "quota exceeded")

	c = newTestClassifier(t, &fakeModel{resp: &genai.GenerateContentResponse{}})
	_, err = c.Classify(context.Background(), "b", "s", "f")
	assert.ErrorContains(t, err, "empty response")
}

func TestNewClassifierRequiresKey(t *testing.T) {
	_, err := NewClassifier(context.Background(), config.GeminiConfig{}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
