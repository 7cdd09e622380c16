package utils

import (
	"bytes"
	"strings"

	"github.com/glaslos/tlsh"
	"github.com/jhillyerd/enmime"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"go.uber.org/zap"
)

// MIMEParser extracts scoring text and a similarity fingerprint from raw
// DATA payloads.
type MIMEParser struct {
	logger *zap.Logger
}

// NewMIMEParser creates a new MIMEParser
func NewMIMEParser(logger *zap.Logger) *MIMEParser {
	return &MIMEParser{logger: logger}
}

// Parse decodes raw into its headers and readable text. A payload without a
// header block is treated as plain text.
func (p *MIMEParser) Parse(raw []byte) (*core.ParsedMessage, error) {
	if !hasHeaderBlock(raw) {
		text := string(raw)
		return &core.ParsedMessage{Text: text, Fingerprint: p.fingerprint(text)}, nil
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	for _, perr := range env.Errors {
		p.logger.Debug("MIME parse warning", zap.String("error", perr.Error()))
	}

	text := env.Text
	if strings.TrimSpace(text) == "" {
		text = env.HTML
	}

	parsed := &core.ParsedMessage{
		From:    env.GetHeader("From"),
		Subject: env.GetHeader("Subject"),
		Text:    text,
	}
	if to, err := env.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.To = append(parsed.To, addr.Address)
		}
	}
	parsed.Fingerprint = p.fingerprint(text)
	return parsed, nil
}

// fingerprint returns the TLSH digest of text, or "" when the content is
// too short or too uniform to hash.
func (p *MIMEParser) fingerprint(text string) string {
	h, err := tlsh.HashBytes([]byte(text))
	if err != nil {
		p.logger.Debug("Fingerprint unavailable", zap.Error(err))
		return ""
	}
	return "T1" + strings.ToUpper(h.String())
}

// hasHeaderBlock reports whether raw starts with an RFC 5322 header line
// followed somewhere by the blank separator line.
func hasHeaderBlock(raw []byte) bool {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return false
	}
	first := bytes.TrimRight(raw[:nl], "\r")
	colon := bytes.IndexByte(first, ':')
	if colon <= 0 || bytes.ContainsAny(first[:colon], " \t") {
		return false
	}
	return bytes.Contains(raw, []byte("\n\n")) || bytes.Contains(raw, []byte("\r\n\r\n"))
}
