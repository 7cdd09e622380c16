package scoring

import (
	"regexp"

	"github.com/mikey/secure-mail-gateway/internal/domainset"
)

// Category weights applied per match
const (
	WeightFinancial = 0.40
	WeightPrize     = 0.30
	WeightUrgency   = 0.20
	WeightAuthority = 0.25
	WeightPattern   = 0.35
	WeightIndicator = 0.15

	// BonusFinancialCombo applies when financial requests co-occur with prize or urgency language
	BonusFinancialCombo = 0.50
	// BonusMultipleFinancial applies when two or more financial phrases are present
	BonusMultipleFinancial = 0.40
)

// RuleSet is the static keyword and pattern catalogue used by the engine.
// It is read-only after construction and safe for concurrent use.
type RuleSet struct {
	Financial []string
	Prize     []string
	Urgency   []string
	Authority []string
	Patterns  []*regexp.Regexp

	Misspellings []string
	Grammar      []*regexp.Regexp
	FreeWebmail  *domainset.Set
}

// DefaultRuleSet returns the built-in catalogue. freeWebmail lists the
// domains that should not be used for official business mail.
func DefaultRuleSet(freeWebmail *domainset.Set) *RuleSet {
	if freeWebmail == nil {
		freeWebmail = domainset.New(nil, nil)
	}
	return &RuleSet{
		Financial: []string{
			"bank details", "atm pin", "cvv", "credit card", "debit card",
			"banking password", "account number", "routing number", "sort code",
			"iban", "swift code", "pin number", "security code", "card details",
			"financial information", "transfer money", "wire transfer", "bitcoin",
			"cryptocurrency", "crypto wallet", "paypal login", "venmo", "cash app",
			"western union", "money gram",
		},
		Prize: []string{
			"scholarship", "grant", "award", "prize", "lottery", "sweepstakes",
			"winner", "congratulations", "selected", "chosen", "lucky", "crore",
			"lakh", "million", "million dollars", "billion", "thousand dollars",
		},
		Urgency: []string{
			"urgent", "immediate", "expire", "deadline", "limited time", "act now",
			"hurry", "quick", "fast", "asap", "emergency", "critical",
			"final notice", "last chance", "expires today", "time sensitive",
		},
		Authority: []string{
			"government", "irs", "tax office", "police", "fbi", "customs",
			"immigration", "court", "legal action", "warrant", "arrest", "amazon",
			"microsoft", "google", "apple", "paypal", "bank of", "wells fargo",
			"chase", "visa", "mastercard",
		},
		Patterns: compile(
			`verify.*account.*immediately`,
			`suspended.*account`,
			`click.*here.*urgent`,
			`update.*payment.*info`,
			`confirm.*identity.*now`,
			`security.*alert.*action`,
			`unauthorized.*access.*detected`,
			`account.*will.*be.*closed`,
			`provide.*bank.*details`,
			`send.*atm.*pin`,
			`give.*cvv.*number`,
			`share.*password`,
			`transfer.*money.*urgent`,
			`claim.*prize.*now`,
			`scholarship.*worth.*crore`,
		),
		Misspellings: []string{"amazzon", "microsft", "gooogle", "payp4l", "b4nk", "governmnt"},
		Grammar: compile(
			`(?i)\b(recieved|recieve)\b`,
			`(?i)\b(seperate|seperat)\b`,
			`(?i)\b(loosing|loose)\b`,
			`(?i)\byou\s+just\s+received\b`,
			`(?i)\bgive\s+us\s+yr\b`,
		),
		FreeWebmail: freeWebmail,
	}
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}
