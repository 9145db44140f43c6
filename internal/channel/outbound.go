package channel

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// ellipsis is appended to clipped text.
const ellipsis = "…"

// Prompts holds the user-facing texts emitted by Runners.
type Prompts struct {
	// OfferHeader introduces the list of documents found for an answer.
	OfferHeader string
	// OfferQuestion asks the user to confirm delivery.
	OfferQuestion string
	// Declined acknowledges a refused offer.
	Declined string
	// FallbackHeader precedes documents that could not be uploaded.
	FallbackHeader string
}

// DefaultPrompts returns the Russian prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		OfferHeader:    "Нашёл подходящие документы:",
		OfferQuestion:  "Отправить их сюда? Ответьте «да» или «нет».",
		Declined:       "Хорошо, не отправляю.",
		FallbackHeader: "Не удалось приложить файлы, вот ссылки:",
	}
}

func (p Prompts) withDefaults() Prompts {
	def := DefaultPrompts()
	if strings.TrimSpace(p.OfferHeader) == "" {
		p.OfferHeader = def.OfferHeader
	}
	if strings.TrimSpace(p.OfferQuestion) == "" {
		p.OfferQuestion = def.OfferQuestion
	}
	if strings.TrimSpace(p.Declined) == "" {
		p.Declined = def.Declined
	}
	if strings.TrimSpace(p.FallbackHeader) == "" {
		p.FallbackHeader = def.FallbackHeader
	}
	return p
}

// TextUnit selects how a platform measures message length.
type TextUnit int

const (
	// TextUnitRune counts Unicode code points.
	TextUnitRune TextUnit = iota
	// TextUnitUTF16 counts UTF-16 code units. Characters outside the Basic
	// Multilingual Plane, such as most emoji, count twice.
	TextUnitUTF16
)

// Len returns the length of text in unit u.
func (u TextUnit) Len(text string) int {
	if u != TextUnitUTF16 {
		return utf8.RuneCountInString(text)
	}
	n := 0
	for _, r := range text {
		n += u.width(r)
	}
	return n
}

func (u TextUnit) width(r rune) int {
	if u != TextUnitUTF16 {
		return 1
	}
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// ClipText trims text to at most limit units. Clipped output ends with an
// ellipsis and never splits a character, so it can be one unit shorter than
// limit when the last kept character is two UTF-16 units wide. limit <= 0
// disables clipping.
func ClipText(text string, limit int, unit TextUnit) string {
	if limit <= 0 || unit.Len(text) <= limit {
		return text
	}
	budget := limit - unit.Len(ellipsis)
	if budget <= 0 {
		return ellipsis
	}
	used := 0
	for i, r := range text {
		w := unit.width(r)
		if used+w > budget {
			return text[:i] + ellipsis
		}
		used += w
	}
	return text
}

// formatOffer renders the preview shown before a confirmation prompt.
func formatOffer(prompts Prompts, attachments []Attachment) string {
	lines := make([]string, 0, len(attachments)+2)
	lines = append(lines, prompts.OfferHeader)
	for _, att := range attachments {
		line := "• " + att.DisplayName()
		if desc := strings.TrimSpace(att.Description); desc != "" {
			line += " — " + desc
		}
		lines = append(lines, line)
	}
	lines = append(lines, prompts.OfferQuestion)
	return strings.Join(lines, "\n")
}

// fallbackLine describes an attachment that could not be delivered as a file.
func fallbackLine(att Attachment) string {
	line := "• " + att.DisplayName()
	if desc := strings.TrimSpace(att.Description); desc != "" {
		line += " — " + desc
	}
	if link := strings.TrimSpace(att.URL); link != "" {
		line += ": " + link
	}
	return line
}
