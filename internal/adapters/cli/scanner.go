package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"go.uber.org/zap"
)

const previewBytes = 500

// Report is the outcome of scanning one message
type Report struct {
	From        string        `json:"from"`
	To          []string      `json:"to"`
	Subject     string        `json:"subject"`
	BodyBytes   int           `json:"body_bytes"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Verdict     core.Verdict  `json:"verdict"`
	Duration    time.Duration `json:"duration_ns"`
}

// Scanner scores a single message read from a file or stdin and prints a
// report
type Scanner struct {
	parser     core.MessageParser
	scorer     core.Scorer
	out        io.Writer
	verbose    bool
	jsonOutput bool
	logger     *zap.Logger
}

// NewScanner creates a new scanner writing to out
func NewScanner(parser core.MessageParser, scorer core.Scorer, out io.Writer, verbose, jsonOutput bool, logger *zap.Logger) *Scanner {
	return &Scanner{
		parser:     parser,
		scorer:     scorer,
		out:        out,
		verbose:    verbose,
		jsonOutput: jsonOutput,
		logger:     logger,
	}
}

// Scan reads one RFC 5322 message from r, scores it and writes the report
func (s *Scanner) Scan(ctx context.Context, r io.Reader) (*Report, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	parsed, err := s.parser.Parse(raw)
	if err != nil {
		s.logger.Warn("Failed to parse message, scoring raw content", zap.Error(err))
		parsed = &core.ParsedMessage{Text: string(raw)}
	}
	s.logger.Debug("Scanning message", zap.String("sender", parsed.From))

	start := time.Now()
	verdict := s.scorer.Score(ctx, parsed.Text, parsed.Subject, parsed.From)
	report := &Report{
		From:        parsed.From,
		To:          parsed.To,
		Subject:     parsed.Subject,
		BodyBytes:   len(parsed.Text),
		Fingerprint: parsed.Fingerprint,
		Verdict:     verdict,
		Duration:    time.Since(start),
	}

	if s.jsonOutput {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		return report, enc.Encode(report)
	}
	s.print(report, parsed.Text)
	return report, nil
}

func (s *Scanner) print(r *Report, body string) {
	fmt.Fprintf(s.out, "\n=== Message Summary ===\n")
	fmt.Fprintf(s.out, "From: %s\n", r.From)
	fmt.Fprintf(s.out, "To: %s\n", strings.Join(r.To, ", "))
	fmt.Fprintf(s.out, "Subject: %s\n", r.Subject)
	fmt.Fprintf(s.out, "Body length: %d bytes\n", r.BodyBytes)
	if r.Fingerprint != "" {
		fmt.Fprintf(s.out, "Fingerprint: %s\n", r.Fingerprint)
	}

	if s.verbose {
		preview := body
		if len(preview) > previewBytes {
			preview = preview[:previewBytes] + "..."
		}
		fmt.Fprintf(s.out, "\nBody preview:\n%s\n", preview)
	}

	v := r.Verdict
	fmt.Fprintf(s.out, "\n=== Verdict ===\n")
	fmt.Fprintf(s.out, "Threat: %t\n", v.IsThreat())
	fmt.Fprintf(s.out, "Confidence: %.4f\n", v.Confidence())
	fmt.Fprintf(s.out, "Threat level: %s\n", v.Tier())
	if cats := v.Categories(); len(cats) > 0 {
		fmt.Fprintf(s.out, "Categories: %s\n", strings.Join(cats, ", "))
	}
	if kws := v.Keywords(); len(kws) > 0 {
		fmt.Fprintf(s.out, "Keywords: %s\n", strings.Join(kws, ", "))
	}
	if pats := v.Patterns(); len(pats) > 0 {
		fmt.Fprintf(s.out, "Patterns: %s\n", strings.Join(pats, ", "))
	}
	for _, reason := range v.Reasons() {
		fmt.Fprintf(s.out, "  - %s\n", reason)
	}
	fmt.Fprintf(s.out, "Processing time: %v\n", r.Duration)
}
