package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "alice@example.com", "alice@example.com", false},
		{"angle brackets", " <bob@example.org> ", "bob@example.org", false},
		{"plus tag", "carol+news@mail.example.co.uk", "carol+news@mail.example.co.uk", false},
		{"idn domain", "dave@bücher.example", "dave@xn--bcher-kva.example", false},
		{"missing at", "example.com", "", true},
		{"empty local", "@example.com", "", true},
		{"empty domain", "eve@", "", true},
		{"no tld", "eve@localhost", "", true},
		{"space in local", "e ve@example.com", "", true},
		{"local too long", strings.Repeat("a", 65) + "@example.com", "", true},
		{"address too long", "a@" + strings.Repeat("b", 250) + ".com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				assert.False(t, IsValidAddress(tt.input))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractPathAddress(t *testing.T) {
	tests := []struct {
		arg, keyword, want string
		ok                 bool
	}{
		{"FROM:<alice@example.com>", "FROM", "alice@example.com", true},
		{"from: <alice@example.com> SIZE=1024", "FROM", "alice@example.com", true},
		{"TO:bob@example.com", "TO", "bob@example.com", true},
		{"FROM:<>", "FROM", "", true},
		{"TO:<bob@example.com", "TO", "", false},
		{"FROM alice@example.com", "FROM", "", false},
		{"TO:", "TO", "", false},
		{"", "FROM", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractPathAddress(tt.arg, tt.keyword)
		assert.Equal(t, tt.ok, ok, tt.arg)
		assert.Equal(t, tt.want, got, tt.arg)
	}
}

func TestTextProcessor(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))

	assert.Equal(t, "short", tp.TruncateText("short", 100))
	assert.Equal(t, "short", tp.TruncateText("short", 0))

	out := tp.TruncateText("héllo world", 2)
	assert.Equal(t, "h"+TruncationMarker, out, "must not split a multi-byte rune")

	dirty := "ok\xffok"
	clean := tp.SanitizeUTF8(dirty)
	assert.True(t, utf8.ValidString(clean))
	assert.Equal(t, "okok", clean)

	assert.Equal(t, "ab"+TruncationMarker, tp.ProcessText("a\xffbcdef", 2))
}

func TestMIMEParserPlainText(t *testing.T) {
	p := NewMIMEParser(zaptest.NewLogger(t))
	parsed, err := p.Parse([]byte("URGENT: wire transfer needed today"))
	require.NoError(t, err)
	assert.Equal(t, "URGENT: wire transfer needed today", parsed.Text)
	assert.Empty(t, parsed.Subject)
}

func TestMIMEParserHeadersAndBody(t *testing.T) {
	raw := "From: Prize Desk <desk@example.com>\r\n" +
		"To: alice@example.org, bob@example.org\r\n" +
		"Subject: You won\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Congratulations, claim your prize now.\r\n"

	p := NewMIMEParser(zaptest.NewLogger(t))
	parsed, err := p.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "You won", parsed.Subject)
	assert.Contains(t, parsed.From, "desk@example.com")
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, parsed.To)
	assert.Contains(t, parsed.Text, "claim your prize")
}

func TestMIMEParserMultipartPrefersText(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: Mixed\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"plain part\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html\r\n\r\n" +
		"<p>html part</p>\r\n" +
		"--XYZ--\r\n"

	p := NewMIMEParser(zaptest.NewLogger(t))
	parsed, err := p.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Contains(t, parsed.Text, "plain part")
	assert.NotContains(t, parsed.Text, "<p>")
}

func TestMIMEParserFingerprint(t *testing.T) {
	p := NewMIMEParser(zaptest.NewLogger(t))

	short, err := p.Parse([]byte("hi"))
	require.NoError(t, err)
	assert.Empty(t, short.Fingerprint)

	body := strings.Repeat("Dear customer, your account requires verification of banking details. ", 8)
	long, err := p.Parse([]byte(body))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(long.Fingerprint, "T1"))

	again, err := p.Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, long.Fingerprint, again.Fingerprint)
}

func TestHasHeaderBlock(t *testing.T) {
	assert.True(t, hasHeaderBlock([]byte("Subject: x\r\n\r\nbody")))
	assert.False(t, hasHeaderBlock([]byte("URGENT: act now\r\nmore text")))
	assert.False(t, hasHeaderBlock([]byte("hello world: no newline")))
	assert.False(t, hasHeaderBlock([]byte("Dear sir: hello\n\nbody")))
}
