package domainset

import (
	"strings"

	"go.uber.org/zap"
)

// Set matches sender addresses against a list of mail domains
type Set struct {
	domains []string
	logger  *zap.Logger
}

// New creates a new domain set
func New(domains []string, logger *zap.Logger) *Set {
	normalized := make([]string, 0, len(domains))
	for _, domain := range domains {
		d := strings.ToLower(strings.Trim(strings.TrimSpace(domain), "."))
		if d != "" {
			normalized = append(normalized, d)
		}
	}

	if len(normalized) > 0 && logger != nil {
		logger.Debug("Initialized domain set", zap.Strings("domains", normalized))
	}

	return &Set{
		domains: normalized,
		logger:  logger,
	}
}

// Domain returns the lower-cased domain part of an address, or "" when the
// address has none.
func Domain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimRight(address[at+1:], ">. "))
}

// Contains reports whether the address domain is one of the set, or a
// subdomain of one.
func (s *Set) Contains(address string) bool {
	domain := Domain(address)
	if domain == "" {
		return false
	}
	for _, d := range s.domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			if s.logger != nil {
				s.logger.Debug("Domain matched",
					zap.String("domain", domain),
					zap.String("address", address))
			}
			return true
		}
	}
	return false
}

// Domains returns a copy of the configured domains
func (s *Set) Domains() []string {
	return append([]string(nil), s.domains...)
}
