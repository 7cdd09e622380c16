package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/domainset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubClassifier struct {
	result *core.Classification
	err    error
	block  bool
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, body, subject, sender string) (*core.Classification, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.result, s.err
}

func newEngine(t *testing.T, classifier core.Classifier) *Engine {
	t.Helper()
	rules := DefaultRuleSet(domainset.New([]string{"gmail.com", "yahoo.com", "hotmail.com", "outlook.com"}, nil))
	if classifier == nil {
		return NewEngine(rules, nil, time.Second, zaptest.NewLogger(t))
	}
	return NewEngine(rules, classifier, time.Second, zaptest.NewLogger(t))
}

func TestScoreFinancialPrizeScam(t *testing.T) {
	e := newEngine(t, nil)

	body := "Please send your bank details and ATM pin to claim your prize of 10 million dollars now!"
	a := e.Analyze(body, "URGENT", "prize@freeprovider.com")

	assert.Subset(t, a.Financial, []string{"bank details", "atm pin"})
	assert.Subset(t, a.Prize, []string{"prize", "million dollars"})
	assert.Equal(t, BonusFinancialCombo, a.Bonus)
	assert.Equal(t, 1.0, a.Total)

	v := e.Score(context.Background(), body, "URGENT", "prize@freeprovider.com")
	assert.True(t, v.IsThreat())
	assert.Equal(t, core.TierCritical, v.Tier())
	assert.Equal(t, 1.0, v.Confidence())
	assert.Contains(t, v.Categories(), CategoryFinancial)
	assert.Contains(t, v.Categories(), CategoryPrize)
	assert.Contains(t, v.Keywords(), "bank details")
	assert.Contains(t, v.Patterns(), "claim your prize of 10 million dollars now")
	assert.Contains(t, v.Reasons(), "CRITICAL: High-risk scam pattern combination detected")
}

func TestScoreBenignMessage(t *testing.T) {
	e := newEngine(t, nil)

	v := e.Score(context.Background(), "Meeting moved to 3pm, see you then.", "Re: schedule", "colleague@company.com")

	assert.False(t, v.IsThreat())
	assert.Equal(t, core.TierLow, v.Tier())
	assert.Zero(t, v.Confidence())
	assert.Empty(t, v.Keywords())
	assert.Empty(t, v.Patterns())
	assert.Empty(t, v.Categories())
	assert.Equal(t, []string{"No specific threat indicators detected"}, v.Reasons())
}

func TestScoreEmptyBody(t *testing.T) {
	e := newEngine(t, nil)

	a := e.Analyze("", "", "")
	assert.Empty(t, a.Keywords())
	assert.Empty(t, a.Patterns)
	assert.Empty(t, a.Indicators)
	assert.Zero(t, a.Total)

	v := a.Verdict()
	assert.False(t, v.IsThreat())
	assert.Equal(t, core.TierLow, v.Tier())
}

func TestScoreTierThresholds(t *testing.T) {
	e := newEngine(t, nil)

	tests := []struct {
		name     string
		body     string
		tier     core.ThreatTier
		isThreat bool
	}{
		{"urgency only", "this is urgent", core.TierLow, false},
		{"authority only", "a message from microsoft", core.TierMedium, true},
		{"single financial forces high", "what is your cvv", core.TierHigh, true},
		{"two financial phrases", "send cvv and iban", core.TierCritical, true},
		{"prize and authority", "you won the lottery from the government", core.TierHigh, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Score(context.Background(), tt.body, "", "")
			assert.Equal(t, tt.tier, v.Tier())
			assert.Equal(t, tt.isThreat, v.IsThreat())
		})
	}
}

func TestScoreBonusTakesMaximum(t *testing.T) {
	e := newEngine(t, nil)

	a := e.Analyze("urgent: send your cvv and iban", "", "")
	require.Len(t, a.Financial, 2)
	require.NotEmpty(t, a.Urgency)
	assert.Equal(t, BonusFinancialCombo, a.Bonus)

	a = e.Analyze("send your cvv and iban", "", "")
	assert.Equal(t, BonusMultipleFinancial, a.Bonus)
}

func TestScoreIsDeterministic(t *testing.T) {
	e := newEngine(t, nil)
	body := "CONGRATULATIONS!!! You have been SELECTED for a scholarship worth 50 crore. Visit http://example.test now!!"

	first, err := json.Marshal(e.Score(context.Background(), body, "Award", "office@gmail.com"))
	require.NoError(t, err)
	second, err := json.Marshal(e.Score(context.Background(), body, "Award", "office@gmail.com"))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestScoreMonotonicInFinancialMatches(t *testing.T) {
	e := newEngine(t, nil)
	base := "hello there, please reply"
	extras := []string{" credit card", " routing number", " bitcoin", " venmo"}

	prev := e.Score(context.Background(), base, "", "").Confidence()
	body := base
	for _, extra := range extras {
		body += extra
		conf := e.Score(context.Background(), body, "", "").Confidence()
		assert.GreaterOrEqual(t, conf, prev)
		assert.LessOrEqual(t, conf, 1.0)
		prev = conf
	}
}

func TestIndicators(t *testing.T) {
	rules := DefaultRuleSet(domainset.New([]string{"gmail.com"}, nil))

	found := rules.indicators("AAA BBB CCC DDD EEE FFF wow!! wow!! wow!! wow!! $100 and $200 https://x.test amazzon you recieved", "boss@gmail.com")
	assert.Contains(t, found, "Excessive capital letters")
	assert.Contains(t, found, "Multiple exclamation marks")
	assert.Contains(t, found, "Multiple currency amounts mentioned (2)")
	assert.Contains(t, found, "Contains external links")
	assert.Contains(t, found, "Contains misspelling: amazzon")
	assert.Contains(t, found, "Poor grammar/spelling detected")
	assert.NotContains(t, found, "Suspicious sender domain for official communication")

	found = rules.indicators("your scholarship is ready", "dean@gmail.com")
	assert.Equal(t, []string{"Suspicious sender domain for official communication"}, found)
}

func TestScoreCombinesUsableClassifier(t *testing.T) {
	stub := &stubClassifier{result: &core.Classification{
		IsThreat:   true,
		Confidence: 0.9,
		Tier:       core.TierCritical,
		Categories: []string{"phishing"},
		Reasons:    []string{"Impersonates a bank"},
	}}
	e := newEngine(t, stub)

	v := e.Score(context.Background(), "Meeting moved to 3pm, see you then.", "Re: schedule", "colleague@company.com")
	assert.Equal(t, 1, stub.calls)
	assert.True(t, v.IsThreat())
	assert.Equal(t, 0.9, v.Confidence())
	assert.Equal(t, core.TierCritical, v.Tier())
	assert.Equal(t, []string{"phishing"}, v.Categories())
	assert.Equal(t, []string{"No specific threat indicators detected", "Impersonates a bank"}, v.Reasons())
}

func TestScoreClassifierCannotLowerRuleVerdict(t *testing.T) {
	stub := &stubClassifier{result: &core.Classification{Confidence: 0.1, Tier: core.TierLow}}
	e := newEngine(t, stub)

	v := e.Score(context.Background(), "send your cvv and iban", "", "")
	assert.True(t, v.IsThreat())
	assert.Equal(t, core.TierCritical, v.Tier())
	assert.Equal(t, 1.0, v.Confidence())
}

func TestScoreDegradesWhenClassifierFails(t *testing.T) {
	e := newEngine(t, &stubClassifier{err: errors.New("connection refused")})

	v := e.Score(context.Background(), "what is your cvv", "", "")
	assert.Equal(t, core.TierHigh, v.Tier())
	assert.Contains(t, v.Reasons(), ReasonClassifierUnavailable)

	e = newEngine(t, &stubClassifier{result: core.ParseClassification("no idea")})
	v = e.Score(context.Background(), "what is your cvv", "", "")
	assert.Contains(t, v.Reasons(), ReasonClassifierUnavailable)
}

func TestScoreClassifierTimeout(t *testing.T) {
	rules := DefaultRuleSet(nil)
	e := NewEngine(rules, &stubClassifier{block: true}, 50*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	v := e.Score(context.Background(), "hello", "", "")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, v.Reasons(), ReasonClassifierUnavailable)
}
