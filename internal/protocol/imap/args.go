package imap

import (
	"errors"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quoted string")

// parseArgs splits command arguments on spaces. Double-quoted strings may
// contain spaces and backslash-escaped quotes or backslashes.
func parseArgs(s string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		inTok bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			j := i + 1
			for ; j < len(s) && s[j] != '"'; j++ {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				cur.WriteByte(s[j])
			}
			if j >= len(s) {
				return nil, errUnterminatedQuote
			}
			i = j
			inTok = true
		case c == ' ':
			if inTok {
				args = append(args, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteByte(c)
			inTok = true
		}
	}
	if inTok {
		args = append(args, cur.String())
	}
	return args, nil
}
