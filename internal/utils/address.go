package utils

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxAddressLength   = 254
	maxLocalPartLength = 64
)

// ErrInvalidAddress is returned for a mailbox that fails validation
var ErrInvalidAddress = errors.New("invalid email address")

var addressPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateAddress checks a bare mailbox and returns it with an ASCII
// (punycode) domain. Angle brackets and surrounding space are stripped.
func ValidateAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", ErrInvalidAddress
	}
	local, domain := address[:at], address[at+1:]
	if len(local) > maxLocalPartLength {
		return "", ErrInvalidAddress
	}

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", ErrInvalidAddress
	}

	normalized := local + "@" + asciiDomain
	if len(normalized) > maxAddressLength || !addressPattern.MatchString(normalized) {
		return "", ErrInvalidAddress
	}
	return normalized, nil
}

// IsValidAddress reports whether ValidateAddress accepts address
func IsValidAddress(address string) bool {
	_, err := ValidateAddress(address)
	return err == nil
}

// ExtractPathAddress returns the mailbox inside a MAIL FROM or RCPT TO
// argument such as "FROM:<user@example.com> SIZE=100".
func ExtractPathAddress(arg, keyword string) (string, bool) {
	if len(arg) < len(keyword)+1 || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(keyword):])
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	rest = strings.TrimSpace(rest[1:])
	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", false
		}
		return rest[1:end], true
	}
	if fields := strings.Fields(rest); len(fields) > 0 {
		return fields[0], true
	}
	return "", false
}
