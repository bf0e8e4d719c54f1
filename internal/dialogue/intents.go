package dialogue

import (
	"strings"

	"github.com/ashureev/leadqual/internal/domain"
)

var affirmatives = wordSet("confirm", "confirmed", "yes", "correct", "right", "ok", "y")

var exitCommands = wordSet("exit", "bye", "goodbye", "quit", "stop", "leave", "end", "finish")

var suggestionKeywords = []string{
	"suggestion", "recommend", "what do you have", "show me products", "product catalog",
	"catalog", "what products", "products available", "what can you offer", "suggest",
}

// correctionKeywords maps words that name a field in a correction request.
var correctionKeywords = []struct {
	field domain.Field
	words []string
}{
	{domain.FieldName, []string{"name"}},
	{domain.FieldAge, []string{"age", "years old", "old"}},
	{domain.FieldCountry, []string{"country", "live in", "from"}},
	{domain.FieldInterest, []string{"interest", "product", "category", "looking for"}},
}

// IsAffirmative reports whether the message is an explicit confirmation token.
func IsAffirmative(message string) bool {
	_, ok := affirmatives[bareToken(message)]
	return ok
}

// IsExitCommand reports whether the whole message asks to end the chat.
func IsExitCommand(message string) bool {
	_, ok := exitCommands[bareToken(message)]
	return ok
}

// IsSuggestionRequest reports whether the lead is asking for product ideas.
func IsSuggestionRequest(message string) bool {
	text := normalize(message)
	for _, k := range suggestionKeywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// CorrectionTarget returns the field a correction message refers to and the
// text following the field keyword.
func CorrectionTarget(message string) (domain.Field, string, bool) {
	text := normalize(message)
	for _, c := range correctionKeywords {
		for _, w := range c.words {
			i := indexWord(text, w)
			if i < 0 {
				continue
			}
			rest := strings.TrimSpace(text[i+len(w):])
			rest = strings.TrimLeft(rest, ":,- ")
			rest = strings.TrimPrefix(rest, "is ")
			rest = strings.TrimPrefix(rest, "should be ")
			rest = strings.TrimPrefix(rest, "to ")
			return c.field, strings.TrimSpace(rest), true
		}
	}
	return "", "", false
}

// indexWord finds w in text on word boundaries.
func indexWord(text, w string) int {
	from := 0
	for {
		i := strings.Index(text[from:], w)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(w)
		before := i == 0 || !isWordByte(text[i-1])
		after := end == len(text) || !isWordByte(text[end])
		if before && after {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '\''
}

func bareToken(message string) string {
	return trailingPunct.ReplaceAllString(normalize(message), "")
}
