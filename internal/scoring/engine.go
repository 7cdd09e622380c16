package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Rule-derived category names
const (
	CategoryFinancial = "financial_scam"
	CategoryPrize     = "lottery_scam"
	CategoryUrgency   = "urgency_tactics"
	CategoryAuthority = "impersonation"
	CategoryPhishing  = "phishing"
)

// ReasonClassifierUnavailable is added when a configured classifier could not answer
const ReasonClassifierUnavailable = "Classifier unavailable, rule-based analysis only"

// Analysis is the full rule evaluation of one message
type Analysis struct {
	Financial  []string
	Prize      []string
	Urgency    []string
	Authority  []string
	Patterns   []string
	Indicators []string

	Bonus float64
	Total float64
}

// Keywords returns every matched keyword in category order
func (a *Analysis) Keywords() []string {
	out := make([]string, 0, len(a.Financial)+len(a.Prize)+len(a.Urgency)+len(a.Authority))
	out = append(out, a.Financial...)
	out = append(out, a.Prize...)
	out = append(out, a.Urgency...)
	out = append(out, a.Authority...)
	return out
}

// Tier maps the analysis onto a threat tier
func (a *Analysis) Tier() core.ThreatTier {
	switch {
	case a.Total >= 0.7 || a.Bonus >= BonusMultipleFinancial:
		return core.TierCritical
	case a.Total >= 0.4 || len(a.Financial) > 0:
		return core.TierHigh
	case a.Total >= 0.25:
		return core.TierMedium
	default:
		return core.TierLow
	}
}

// IsThreat reports whether the analysis alone marks the message as a threat
func (a *Analysis) IsThreat() bool {
	return a.Total >= 0.25 || len(a.Financial) > 0
}

// Categories returns the category names for every non-empty rule group
func (a *Analysis) Categories() []string {
	var out []string
	if len(a.Financial) > 0 {
		out = append(out, CategoryFinancial)
	}
	if len(a.Prize) > 0 {
		out = append(out, CategoryPrize)
	}
	if len(a.Urgency) > 0 {
		out = append(out, CategoryUrgency)
	}
	if len(a.Authority) > 0 {
		out = append(out, CategoryAuthority)
	}
	if len(a.Patterns) > 0 {
		out = append(out, CategoryPhishing)
	}
	return out
}

// Reasons renders the human readable explanation of the analysis
func (a *Analysis) Reasons() []string {
	var reasons []string
	if len(a.Financial) > 0 {
		reasons = append(reasons, fmt.Sprintf("CRITICAL: Requests financial information (%s)", head(a.Financial, 3)))
	}
	if len(a.Prize) > 0 {
		reasons = append(reasons, fmt.Sprintf("Fake prize/scholarship indicators (%s)", head(a.Prize, 3)))
	}
	if len(a.Urgency) > 0 {
		reasons = append(reasons, fmt.Sprintf("Creates false urgency (%s)", head(a.Urgency, 2)))
	}
	if len(a.Authority) > 0 {
		reasons = append(reasons, fmt.Sprintf("Possible authority impersonation (%s)", head(a.Authority, 2)))
	}
	if len(a.Patterns) > 0 {
		reasons = append(reasons, fmt.Sprintf("Matches %d phishing patterns", len(a.Patterns)))
	}
	if len(a.Indicators) > 0 {
		reasons = append(reasons, fmt.Sprintf("Shows %d suspicious indicators", len(a.Indicators)))
	}
	if a.Bonus >= BonusMultipleFinancial {
		reasons = append(reasons, "CRITICAL: High-risk scam pattern combination detected")
	}
	if len(reasons) == 0 {
		return []string{"No specific threat indicators detected"}
	}
	return reasons
}

// Verdict converts the analysis into a verdict
func (a *Analysis) Verdict() core.Verdict {
	return core.NewVerdict(core.VerdictParams{
		IsThreat:   a.IsThreat(),
		Confidence: a.Total,
		Tier:       a.Tier(),
		Categories: a.Categories(),
		Keywords:   a.Keywords(),
		Patterns:   a.Patterns,
		Reasons:    a.Reasons(),
	})
}

// Engine combines the deterministic rule evaluation with an optional
// remote classifier
type Engine struct {
	rules      *RuleSet
	classifier core.Classifier
	timeout    time.Duration
	logger     *zap.Logger
}

// NewEngine creates a new scoring engine. classifier may be nil.
func NewEngine(rules *RuleSet, classifier core.Classifier, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		rules:      rules,
		classifier: classifier,
		timeout:    timeout,
		logger:     logger,
	}
}

// Analyze runs the rule catalogue over one message. It performs no I/O.
func (e *Engine) Analyze(body, subject, sender string) *Analysis {
	text := cases.Lower(language.Und).String(body + " " + subject + " " + sender)

	a := &Analysis{
		Financial: matchKeywords(text, e.rules.Financial),
		Prize:     matchKeywords(text, e.rules.Prize),
		Urgency:   matchKeywords(text, e.rules.Urgency),
		Authority: matchKeywords(text, e.rules.Authority),
	}
	for _, re := range e.rules.Patterns {
		a.Patterns = append(a.Patterns, re.FindAllString(text, -1)...)
	}
	a.Indicators = e.rules.indicators(body, sender)

	if len(a.Financial) > 0 && (len(a.Prize) > 0 || len(a.Urgency) > 0) {
		a.Bonus = BonusFinancialCombo
	}
	if len(a.Financial) >= 2 && a.Bonus < BonusMultipleFinancial {
		a.Bonus = BonusMultipleFinancial
	}

	sum := float64(len(a.Financial))*WeightFinancial +
		float64(len(a.Prize))*WeightPrize +
		float64(len(a.Urgency))*WeightUrgency +
		float64(len(a.Authority))*WeightAuthority +
		float64(len(a.Patterns))*WeightPattern +
		float64(len(a.Indicators))*WeightIndicator +
		a.Bonus
	if sum > 1 {
		sum = 1
	}
	a.Total = sum
	return a
}

// Score produces the final verdict for one message. The rule verdict is
// primary; a usable classifier answer can only raise confidence and tier.
func (e *Engine) Score(ctx context.Context, body, subject, sender string) core.Verdict {
	rule := e.Analyze(body, subject, sender).Verdict()
	if e.classifier == nil {
		return rule
	}

	cctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	classification, err := e.classifier.Classify(cctx, body, subject, sender)
	if err != nil {
		e.logger.Warn("Classifier call failed, using rules only", zap.Error(err))
		return rule.WithReason(ReasonClassifierUnavailable)
	}
	if !classification.Usable() {
		e.logger.Debug("Classifier answer not usable", zap.Strings("reasons", classification.Reasons))
		return rule.WithReason(ReasonClassifierUnavailable)
	}
	return Combine(rule, classification)
}

// Combine merges a rule verdict with a usable classifier answer
func Combine(rule core.Verdict, c *core.Classification) core.Verdict {
	p := rule.Params()
	if c.Confidence > p.Confidence {
		p.Confidence = c.Confidence
	}
	p.IsThreat = p.IsThreat || c.IsThreat
	p.Tier = core.MaxTier(p.Tier, c.Tier)
	p.Reasons = append(p.Reasons, c.Reasons...)
	p.Categories = append(p.Categories, c.Categories...)
	return core.NewVerdict(p)
}

func matchKeywords(text string, keywords []string) []string {
	var found []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			found = append(found, k)
		}
	}
	return found
}

func head(items []string, n int) string {
	if len(items) > n {
		items = items[:n]
	}
	return strings.Join(items, ", ")
}
