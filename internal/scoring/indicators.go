package scoring

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	capsRun      = regexp.MustCompile(`[A-Z]{3,}`)
	bangRun      = regexp.MustCompile(`!{2,}`)
	externalLink = regexp.MustCompile(`https?://\S+`)
	currencyRes  = compile(
		`\$\d+`,
		`(?i)\d+\s*crore`,
		`(?i)\d+\s*lakh`,
		`(?i)\d+\s*million`,
		`(?i)\d+\s*billion`,
	)
)

// indicators evaluates the heuristic catalogue against the raw body. Each
// returned description counts once towards the indicator score.
func (r *RuleSet) indicators(body, sender string) []string {
	var found []string

	if len(capsRun.FindAllString(body, -1)) > 5 {
		found = append(found, "Excessive capital letters")
	}
	if len(bangRun.FindAllString(body, -1)) > 3 {
		found = append(found, "Multiple exclamation marks")
	}

	currency := 0
	for _, re := range currencyRes {
		currency += len(re.FindAllString(body, -1))
	}
	if currency > 1 {
		found = append(found, fmt.Sprintf("Multiple currency amounts mentioned (%d)", currency))
	}

	if externalLink.MatchString(body) {
		found = append(found, "Contains external links")
	}

	lower := strings.ToLower(body)
	for _, m := range r.Misspellings {
		if strings.Contains(lower, m) {
			found = append(found, "Contains misspelling: "+m)
		}
	}

	for _, re := range r.Grammar {
		if re.MatchString(body) {
			found = append(found, "Poor grammar/spelling detected")
			break
		}
	}

	if r.FreeWebmail.Contains(sender) &&
		(strings.Contains(lower, "scholarship") || strings.Contains(lower, "award")) {
		found = append(found, "Suspicious sender domain for official communication")
	}

	return found
}
