package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ClassifierSystemPrompt instructs a remote model to answer in the expected JSON shape
const ClassifierSystemPrompt = `You are an expert fraud and spam detection system. Analyze emails for:
1. Financial scams (asking for bank details, ATM pins, CVV numbers)
2. Phishing attempts (fake organizations, urgent account actions)
3. Lottery/prize scams (fake winnings, scholarships)
4. Authority impersonation (fake government, companies)
5. Romance/relationship scams
6. Investment scams

Respond with valid JSON only: {
  "is_threat": true/false,
  "confidence": 0.0-1.0,
  "threat_level": "low/medium/high/critical",
  "categories": ["financial_scam", "phishing", "lottery_scam", "impersonation"],
  "reasons": ["specific reasons"]
}`

// ClassifierUserPrompt formats the message under review for a remote model
func ClassifierUserPrompt(body, subject, sender string) string {
	return fmt.Sprintf("SENDER: %s\nSUBJECT: %s\n\nEMAIL CONTENT:\n%s", sender, subject, body)
}

var (
	embeddedObject  = regexp.MustCompile(`(?s)\{.*\}`)
	scrapedConfRe   = regexp.MustCompile(`(?i)confidence['"]?\s*:\s*([0-9.]+)`)
	reasonScraped   = "Extracted from malformed classifier response"
	reasonEmpty     = "Empty classifier response"
	reasonUnparsed  = "Classifier response parsing failed, defaulting to safe"
	threatFlagNames = []string{"is_threat", "is_spam"}
	tierFieldNames  = []string{"threat_level", "tier"}
)

// ParseClassification extracts a classification from raw model output.
// It tries strict JSON, then the outermost embedded object, then scrapes a
// boolean and confidence from the text, and finally returns a zero-confidence
// safe default. It never fails.
func ParseClassification(text string) *Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Classification{Reasons: []string{reasonEmpty}}
	}

	if c, ok := decodeClassification(text); ok {
		return c
	}
	if m := embeddedObject.FindString(text); m != "" {
		if c, ok := decodeClassification(m); ok {
			return c
		}
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "is_spam") || strings.Contains(lower, "is_threat") || scrapedConfRe.MatchString(text) {
		isThreat := strings.Contains(lower, "true") &&
			(strings.Contains(lower, "is_spam") || strings.Contains(lower, "is_threat"))
		var conf float64
		if m := scrapedConfRe.FindStringSubmatch(text); m != nil {
			conf, _ = strconv.ParseFloat(strings.TrimRight(m[1], "."), 64)
		}
		c := &Classification{
			IsThreat:   isThreat,
			Confidence: clamp(conf),
			Tier:       TierLow,
			Reasons:    []string{reasonScraped},
			Partial:    true,
		}
		if isThreat {
			c.Tier = TierMedium
			c.Categories = []string{"spam"}
		}
		return c
	}

	return &Classification{Reasons: []string{reasonUnparsed}}
}

func decodeClassification(text string) (*Classification, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, false
	}

	c := &Classification{}
	for _, key := range threatFlagNames {
		if b, ok := fields[key].(bool); ok {
			c.IsThreat = b
			break
		}
	}
	if f, ok := fields["confidence"].(float64); ok {
		c.Confidence = clamp(f)
	} else if f, ok := fields["score"].(float64); ok {
		c.Confidence = clamp(f)
	}

	c.Tier = TierForScore(c.Confidence)
	for _, key := range tierFieldNames {
		if s, ok := fields[key].(string); ok {
			if tier, err := ParseThreatTier(s); err == nil {
				c.Tier = tier
			}
			break
		}
	}

	c.Categories = stringList(fields["categories"])
	c.Reasons = stringList(fields["reasons"])
	if len(c.Reasons) == 0 {
		for _, key := range []string{"reason", "explanation"} {
			if s, ok := fields[key].(string); ok && s != "" {
				c.Reasons = []string{s}
				break
			}
		}
	}
	return c, true
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
