package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ThreatTier is the ordered severity of a verdict
type ThreatTier int

const (
	TierLow ThreatTier = iota
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = [...]string{"low", "medium", "high", "critical"}

func (t ThreatTier) String() string {
	if t < TierLow || t > TierCritical {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseThreatTier converts a tier name into a ThreatTier
func ParseThreatTier(name string) (ThreatTier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	}
	return TierLow, fmt.Errorf("unknown threat tier %q", name)
}

// TierForScore maps a normalised score onto a tier using the rule thresholds
func TierForScore(score float64) ThreatTier {
	switch {
	case score >= 0.7:
		return TierCritical
	case score >= 0.4:
		return TierHigh
	case score >= 0.25:
		return TierMedium
	default:
		return TierLow
	}
}

// MaxTier returns the more severe of two tiers
func MaxTier(a, b ThreatTier) ThreatTier {
	if a > b {
		return a
	}
	return b
}

func (t ThreatTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ThreatTier) UnmarshalText(text []byte) error {
	parsed, err := ParseThreatTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Envelope is one accepted message as built by a send session
type Envelope struct {
	Sender          string
	Recipients      []string
	Body            string
	ReceivedAt      time.Time
	Secured         bool
	AuthenticatedAs string
}

// Size returns the body size in octets
func (e *Envelope) Size() int {
	return len(e.Body)
}

// MessageStatus is the mailbox placement of a stored message
type MessageStatus string

const (
	StatusInbox      MessageStatus = "inbox"
	StatusQuarantine MessageStatus = "quarantine"
	StatusDeleted    MessageStatus = "deleted"
)

// StoredMessage is an envelope plus its verdict as persisted by a MessageStore
type StoredMessage struct {
	ID              string
	Sender          string
	Recipients      []string
	Subject         string
	Body            string
	ReceivedAt      time.Time
	Secured         bool
	AuthenticatedAs string
	Verdict         Verdict
	Fingerprint     string
	Status          MessageStatus
}

// Size returns the body size in octets
func (m *StoredMessage) Size() int {
	return len(m.Body)
}

// HasRecipient reports whether address is one of the message recipients
func (m *StoredMessage) HasRecipient(address string) bool {
	for _, r := range m.Recipients {
		if strings.EqualFold(r, address) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message
func (m *StoredMessage) Clone() *StoredMessage {
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	return &c
}

// Account is an authenticated mailbox identity
type Account struct {
	Username  string
	LastLogin time.Time
}

// DeliveryResult describes what happened to a delivered envelope
type DeliveryResult struct {
	ID      string
	Verdict Verdict
	Status  MessageStatus
}

// Classification is the answer of a remote classifier
type Classification struct {
	IsThreat   bool
	Confidence float64
	Tier       ThreatTier
	Categories []string
	Reasons    []string
	Model      string
	// Partial is set when the answer was scraped from a malformed response
	Partial bool
}

// Usable reports whether the classification carries a verdict worth combining
func (c *Classification) Usable() bool {
	return c != nil && c.Confidence > 0
}

// Verdict is the immutable outcome of scoring one message.
// Use NewVerdict to build one; all accessors return copies.
type Verdict struct {
	isThreat   bool
	confidence float64
	tier       ThreatTier
	categories []string
	keywords   []string
	patterns   []string
	reasons    []string
}

// VerdictParams carries the fields of a verdict under construction
type VerdictParams struct {
	IsThreat   bool
	Confidence float64
	Tier       ThreatTier
	Categories []string
	Keywords   []string
	Patterns   []string
	Reasons    []string
}

// NewVerdict builds a verdict, clamping the confidence into [0,1] and
// de-duplicating categories and reasons while keeping their first-seen order.
func NewVerdict(p VerdictParams) Verdict {
	conf := p.Confidence
	if conf < 0 || math.IsNaN(conf) {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Verdict{
		isThreat:   p.IsThreat,
		confidence: conf,
		tier:       p.Tier,
		categories: dedupe(p.Categories),
		keywords:   copyStrings(p.Keywords),
		patterns:   copyStrings(p.Patterns),
		reasons:    dedupe(p.Reasons),
	}
}

func (v Verdict) IsThreat() bool       { return v.isThreat }
func (v Verdict) Confidence() float64  { return v.confidence }
func (v Verdict) Tier() ThreatTier     { return v.tier }
func (v Verdict) Categories() []string { return copyStrings(v.categories) }
func (v Verdict) Keywords() []string   { return copyStrings(v.keywords) }
func (v Verdict) Patterns() []string   { return copyStrings(v.patterns) }
func (v Verdict) Reasons() []string    { return copyStrings(v.reasons) }

// Params returns the verdict fields so a new verdict can be derived from it
func (v Verdict) Params() VerdictParams {
	return VerdictParams{
		IsThreat:   v.isThreat,
		Confidence: v.confidence,
		Tier:       v.tier,
		Categories: v.Categories(),
		Keywords:   v.Keywords(),
		Patterns:   v.Patterns(),
		Reasons:    v.Reasons(),
	}
}

// WithReason returns a copy of the verdict with one more reason appended
func (v Verdict) WithReason(reason string) Verdict {
	p := v.Params()
	p.Reasons = append(p.Reasons, reason)
	return NewVerdict(p)
}

type verdictJSON struct {
	IsThreat   bool       `json:"is_threat"`
	Confidence float64    `json:"confidence"`
	Tier       ThreatTier `json:"threat_level"`
	Categories []string   `json:"categories"`
	Keywords   []string   `json:"keywords"`
	Patterns   []string   `json:"patterns"`
	Reasons    []string   `json:"reasons"`
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(verdictJSON{
		IsThreat:   v.isThreat,
		Confidence: v.confidence,
		Tier:       v.tier,
		Categories: nonNil(v.categories),
		Keywords:   nonNil(v.keywords),
		Patterns:   nonNil(v.patterns),
		Reasons:    nonNil(v.reasons),
	})
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var raw verdictJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = NewVerdict(VerdictParams(raw))
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
