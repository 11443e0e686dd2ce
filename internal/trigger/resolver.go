package trigger

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/signalix/autoresponder/internal/model"
)

// Match mode specificity. A more specific match beats a less specific one.
const (
	scoreContains   = 1
	scoreStartsWith = 2
	scoreExact      = 3
)

var folder = cases.Fold()

// Normalize trims, NFC-normalizes and case-folds inbound text for comparison
func Normalize(s string) string {
	return Fold(strings.TrimSpace(s))
}

// Fold NFC-normalizes and case-folds s. Surrounding spaces are kept, so a
// trigger such as " info" only matches where a space precedes the word.
func Fold(s string) string {
	return folder.String(norm.NFC.String(s))
}

// Resolve returns the enabled rule whose trigger best matches text, or nil.
// Rules and triggers are visited in order and only a strictly higher score replaces
// the current best, so ties go to the first declared rule.
func Resolve(rules []model.Rule, text string) *model.Rule {
	input := Normalize(text)
	if input == "" {
		return nil
	}

	var best *model.Rule
	bestScore := 0
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		for _, phrase := range rule.Triggers {
			if strings.TrimSpace(phrase) == "" {
				continue
			}
			t := Fold(phrase)
			if s := score(rule.Match, input, t); s > bestScore {
				best, bestScore = rule, s
			}
		}
	}
	return best
}

func score(mode model.MatchMode, input, phrase string) int {
	switch mode {
	case model.MatchExact:
		if input == phrase {
			return scoreExact
		}
	case model.MatchStartsWith:
		if strings.HasPrefix(input, phrase) {
			return scoreStartsWith
		}
	case model.MatchContains:
		if strings.Contains(input, phrase) {
			return scoreContains
		}
	}
	return 0
}
