package channel

import (
	"strings"
	"unicode"
)

// Consent is the classified reply to an attachment offer.
type Consent int

const (
	ConsentUnrelated Consent = iota
	ConsentYes
	ConsentNo
)

// String returns a short label for logs.
func (c Consent) String() string {
	switch c {
	case ConsentYes:
		return "yes"
	case ConsentNo:
		return "no"
	default:
		return "unrelated"
	}
}

// ConsentClassifier decides whether a reply accepts or declines a pending offer.
type ConsentClassifier func(text string) Consent

var consentYes = map[string]struct{}{
	"да":            {},
	"ага":           {},
	"угу":           {},
	"давай":         {},
	"конечно":       {},
	"хорошо":        {},
	"ок":            {},
	"окей":          {},
	"отправь":       {},
	"отправьте":     {},
	"пришли":        {},
	"пришлите":      {},
	"да отправь":    {},
	"да пожалуйста": {},
	"да давай":      {},
	"yes":           {},
	"yep":           {},
	"yeah":          {},
	"sure":          {},
	"ok":            {},
	"okay":          {},
	"send":          {},
	"send it":       {},
	"yes please":    {},
	"y":             {},
	"+":             {},
}

var consentNo = map[string]struct{}{
	"нет":           {},
	"неа":           {},
	"не":            {},
	"не надо":       {},
	"не нужно":      {},
	"не отправляй":  {},
	"нет спасибо":   {},
	"no":            {},
	"nope":          {},
	"no thanks":     {},
	"dont":          {},
	"do not send":   {},
	"don't":         {},
	"n":             {},
	"-":             {},
}

// ClassifyConsent matches the normalized reply against fixed Russian and English phrase sets.
func ClassifyConsent(text string) Consent {
	normalized := normalizeConsentText(text)
	if normalized == "" {
		return ConsentUnrelated
	}
	if _, ok := consentYes[normalized]; ok {
		return ConsentYes
	}
	if _, ok := consentNo[normalized]; ok {
		return ConsentNo
	}
	return ConsentUnrelated
}

// normalizeConsentText lower-cases text, drops punctuation and emoji, and
// collapses whitespace. A bare "+" or "-" reply is kept as is.
func normalizeConsentText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "+" || text == "-" {
		return text
	}
	text = strings.ReplaceAll(text, "ё", "е")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == ',':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
