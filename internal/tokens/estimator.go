// Package tokens estimates prompt sizes without a tokenizer.
package tokens

import (
	"unicode/utf8"

	"github.com/xiaot623/localapi/internal/domain"
)

const (
	DefaultCharsPerToken = 4
	DefaultTextBias      = 1
	DefaultMessageBias   = 4
)

// Estimator is a character-ratio token heuristic. Counts are approximate
// and only used for budgeting.
type Estimator struct {
	CharsPerToken int
	TextBias      int
	MessageBias   int
}

// NewEstimator returns an estimator with the default ratios.
func NewEstimator() Estimator {
	return Estimator{
		CharsPerToken: DefaultCharsPerToken,
		TextBias:      DefaultTextBias,
		MessageBias:   DefaultMessageBias,
	}
}

func (e Estimator) ratio() int {
	if e.CharsPerToken <= 0 {
		return DefaultCharsPerToken
	}
	return e.CharsPerToken
}

// Text estimates a plain string. Never returns less than 1.
func (e Estimator) Text(s string) int {
	return max(1, utf8.RuneCountInString(s)/e.ratio()+e.TextBias)
}

// Content estimates message content. Image parts contribute nothing.
func (e Estimator) Content(c domain.Content) int {
	return e.Text(c.PlainText())
}

// Message estimates one chat message including its framing overhead.
func (e Estimator) Message(c domain.Content) int {
	return e.Content(c) + e.MessageBias
}

// Message is anything whose content can be estimated.
type Message interface {
	TokenContent() domain.Content
}

// Count sums the per-message estimate over msgs.
func Count[M Message](e Estimator, msgs []M) int {
	total := 0
	for _, m := range msgs {
		total += e.Message(m.TokenContent())
	}
	return total
}
