// Package facts pulls durable user facts out of free text.
package facts

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/domain"
)

const (
	KeyUserName     = "user.name"
	KeyUserLocation = "user.location"

	// MaxValueLength caps a normalized fact value, in runes.
	MaxValueLength = 80
)

// sentenceStart anchors a pattern to the start of the text or of a clause.
const sentenceStart = `(?i)(?:^|[.!?;,\n])\s*(?:please\s+)?`

// nameStopWords are never part of a name, in any case.
var nameStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "not": true, "no": true, "back": true,
	"just": true, "here": true, "now": true, "later": true, "when": true,
	"if": true, "and": true, "or": true, "but": true, "i": true, "it": true,
	"that": true, "this": true, "what": true, "maybe": true, "please": true,
}

// maxNameWords caps how many words a name may have.
const maxNameWords = 3

// Rule maps a pattern to a fact key. The first capture group is the value.
type Rule struct {
	Key       string
	Pattern   *regexp.Regexp
	Normalize func(string) string
}

// Store persists facts.
type Store interface {
	UpsertFact(ctx context.Context, key, value string) error
}

// DefaultRules returns the built-in rules, in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Key: KeyUserName, Pattern: regexp.MustCompile(sentenceStart + `remember(?:\s+that)?\s+my\s+name\s+is\s+([^\n.!?,;]+)`), Normalize: NormalizeName},
		{Key: KeyUserName, Pattern: regexp.MustCompile(sentenceStart + `my\s+name\s+is\s+([^\n.!?,;]+)`), Normalize: NormalizeName},
		{Key: KeyUserName, Pattern: regexp.MustCompile(sentenceStart + `call\s+me\s+([^\n.!?,;]+)`), Normalize: NormalizeName},
		{Key: KeyUserLocation, Pattern: regexp.MustCompile(`(?i)\bi\s+live\s+in\s+([^\n.!?;]+)`)},
	}
}

// Extractor applies rules to user text and records matches.
type Extractor struct {
	rules  []Rule
	store  Store
	logger *zap.Logger
}

// NewExtractor creates an extractor. With no rules, DefaultRules is used.
func NewExtractor(store Store, logger *zap.Logger, rules ...Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{rules: rules, store: store, logger: logger}
}

// Match returns the facts found in text. For each key only the first
// matching rule counts.
func (e *Extractor) Match(text string) []domain.Fact {
	var out []domain.Fact
	seen := make(map[string]bool)
	for _, r := range e.rules {
		if seen[r.Key] {
			continue
		}
		normalize := r.Normalize
		if normalize == nil {
			normalize = NormalizeValue
		}
		var v string
		for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			if v = normalize(m[1]); v != "" {
				break
			}
		}
		if v == "" {
			continue
		}
		seen[r.Key] = true
		out = append(out, domain.Fact{Key: r.Key, Value: v})
	}
	return out
}

// Extract matches text and upserts every fact found. Failures are logged
// and never returned.
func (e *Extractor) Extract(ctx context.Context, text string) []domain.Fact {
	found := e.Match(text)
	if e.store == nil {
		return found
	}
	for _, f := range found {
		if err := e.store.UpsertFact(ctx, f.Key, f.Value); err != nil {
			e.logger.Debug("fact upsert failed", zap.String("key", f.Key), zap.Error(err))
		}
	}
	return found
}

// NormalizeValue trims, collapses whitespace, caps the length and strips
// trailing punctuation.
func NormalizeValue(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if r := []rune(v); len(r) > MaxValueLength {
		v = string(r[:MaxValueLength])
	}
	return strings.TrimRightFunc(v, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// NormalizeName keeps the leading run of up to three capitalised words
// and returns "" when the value does not start with one.
func NormalizeName(v string) string {
	var words []string
	for _, w := range strings.Fields(v) {
		if len(words) == maxNameWords || !isNameWord(w) {
			break
		}
		words = append(words, w)
	}
	return NormalizeValue(strings.Join(words, " "))
}

func isNameWord(w string) bool {
	if nameStopWords[strings.ToLower(w)] {
		return false
	}
	for i, r := range w {
		switch {
		case i == 0 && !unicode.IsUpper(r):
			return false
		case unicode.IsLetter(r), r == '-', r == '\'':
		default:
			return false
		}
	}
	return true
}
