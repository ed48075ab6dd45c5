package embedding

import (
	"strings"
	"unicode"
)

// #region stopwords

// stopwords are common English words that carry no signal about a task.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {},
	"be": {}, "been": {}, "being": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "can": {}, "shall": {},
	"and": {}, "or": {}, "but": {}, "if": {}, "then": {}, "than": {},
	"so": {}, "as": {}, "at": {}, "by": {}, "for": {}, "from": {}, "in": {},
	"into": {}, "of": {}, "on": {}, "to": {}, "with": {}, "about": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "what": {}, "which": {},
	"who": {}, "how": {}, "when": {}, "where": {}, "why": {},
	"you": {}, "me": {}, "i": {}, "my": {}, "your": {}, "we": {}, "they": {},
	"us": {}, "them": {},
}

// #endregion stopwords

// tokenize splits text into lowercase letter/digit runs in order, dropping
// stopwords. Negations such as "no" and "not" are kept.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}
