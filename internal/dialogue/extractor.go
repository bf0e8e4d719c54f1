// Package dialogue implements the lead qualification conversation: slot
// extraction, the stage machine, and reply composition.
package dialogue

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/leadqual/internal/domain"
)

// Outcome classifies an extraction attempt.
type Outcome int

const (
	// OutcomeMiss means nothing resembling a value for the focus field was found.
	OutcomeMiss Outcome = iota
	// OutcomeRejected means a candidate was found but failed validation.
	OutcomeRejected
	// OutcomeAccepted means Value holds a validated slot value.
	OutcomeAccepted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "miss"
	}
}

// Extraction is the result of running the extractor for one field.
type Extraction struct {
	Field   domain.Field
	Value   string
	Outcome Outcome
}

// Accepted reports whether a value was produced.
func (e Extraction) Accepted() bool {
	return e.Outcome == OutcomeAccepted
}

const (
	DefaultMinAge = 10
	DefaultMaxAge = 120

	minNameLen      = 2
	maxNameLen      = 15
	minCountryLen   = 3
	minInterestLen  = 3
	maxInterestLen  = 100
	maxCountryWords = 4
)

// Category labels produced by keyword normalization.
const (
	CategoryTechnology = "Technology"
	CategoryFashion    = "Fashion"
	CategoryHome       = "Home & Living"
)

// Captures take whole words in any script and must end where a word ends, so
// a value is never cut short at a character the class does not cover.
const (
	wordExpr    = `\p{L}[\p{L}\p{M}]*`
	placeExpr   = `\p{L}[\p{L}\p{M}' -]*`
	wordEndExpr = `(?:[^\p{L}\p{M}\p{N}]|$)`
)

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bmy name is (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bname is (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bname's (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bi'm (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bi am (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bcall me (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bit's (` + wordExpr + `)` + wordEndExpr),
		regexp.MustCompile(`^(` + wordExpr + `) is my name\b`),
		regexp.MustCompile(`^(` + wordExpr + `)[.!]*$`),
	}

	agePattern = regexp.MustCompile(`\b(\d{1,3})\b`)

	countryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:i live in|live in|living in|based in)\s+(` + placeExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\b(?:i'm from|i am from|from)\s+(` + placeExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\bcountry is\s+(` + placeExpr + `)` + wordEndExpr),
		regexp.MustCompile(`\b(?:i'm in|i am in|in)\s+(` + placeExpr + `)` + wordEndExpr),
	}
	singleWordPattern = regexp.MustCompile(`^(` + wordExpr + `)[.!]*$`)

	interestPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\binterested in (.+)`),
		regexp.MustCompile(`\blooking for (.+)`),
		regexp.MustCompile(`\bwant to buy (.+)`),
		regexp.MustCompile(`\bwant (.+)`),
		regexp.MustCompile(`\bneed (.+)`),
		regexp.MustCompile(`\bbuying (.+)`),
	}

	trailingPunct = regexp.MustCompile(`[\s.,;:!?]+$`)
)

// nameStoplist holds greetings, affirmations and filler that are never names.
var nameStoplist = wordSet(
	"hi", "hello", "hey", "hiya", "there", "good", "nice", "great", "fine", "thanks",
	"thank", "yes", "yeah", "yep", "no", "nope", "ok", "okay", "sure", "the", "a", "an",
	"and", "but", "confirm", "correct", "right", "well", "here", "from", "in", "not",
	"just", "looking", "interested", "very", "so", "also", "what", "who", "how", "why",
	"morning", "afternoon", "evening", "bye", "please", "sorry", "doing", "fine", "cool",
	"name", "is", "my", "me", "you", "it", "this", "that", "years", "old",
)

var greetings = wordSet(
	"hi", "hello", "hey", "hiya", "yo", "thanks", "thank you", "ok", "okay", "yes", "no",
	"sure", "good morning", "good afternoon", "good evening", "how are you",
)

var vaguePhrases = []string{
	"something", "anything", "everything", "some things", "some products", "suggestions",
	"suggestion", "options", "catalog", "whatever", "not sure", "don't know", "dont know",
	"no idea", "stuff",
}

var questionPrefixes = []string{
	"what", "how", "when", "where", "why", "who", "which", "can you", "could you",
	"do you", "is there", "are there", "would you",
}

type category struct {
	label    string
	keywords map[string]struct{}
}

var categories = []category{
	{CategoryTechnology, wordSet("technology", "tech", "smartphone", "smartphones", "phone", "phones",
		"laptop", "laptops", "computer", "computers", "electronics", "headphones", "tablet", "tablets", "gadgets")},
	{CategoryFashion, wordSet("fashion", "clothes", "clothing", "dress", "dresses", "shirt", "shirts",
		"shoes", "accessories", "jeans", "apparel")},
	{CategoryHome, wordSet("home", "furniture", "decoration", "decor", "living", "kitchen", "bedroom",
		"bed", "storage", "sofa")},
}

// Extractor pulls a single slot value out of one user utterance.
type Extractor struct {
	minAge int
	maxAge int
}

// NewExtractor returns an extractor accepting ages in [minAge, maxAge].
// Zero bounds fall back to the defaults.
func NewExtractor(minAge, maxAge int) *Extractor {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Extractor{minAge: minAge, maxAge: maxAge}
}

// AgeBounds returns the accepted age range.
func (e *Extractor) AgeBounds() (int, int) {
	return e.minAge, e.maxAge
}

// Extract attempts to fill only the focus field.
func (e *Extractor) Extract(utterance string, focus domain.Field) Extraction {
	text := normalize(utterance)
	if text == "" {
		return Extraction{Field: focus, Outcome: OutcomeMiss}
	}

	var value string
	var outcome Outcome
	switch focus {
	case domain.FieldName:
		value, outcome = extractName(text)
	case domain.FieldAge:
		value, outcome = e.extractAge(text)
	case domain.FieldCountry:
		value, outcome = extractCountry(text)
	case domain.FieldInterest:
		value, outcome = extractInterest(utterance, text)
	default:
		outcome = OutcomeMiss
	}
	return Extraction{Field: focus, Value: value, Outcome: outcome}
}

func extractName(text string) (string, Outcome) {
	outcome := OutcomeMiss
	for _, p := range namePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := m[1]
		if validName(candidate) {
			return titleCase(candidate), OutcomeAccepted
		}
		outcome = OutcomeRejected
	}
	return "", outcome
}

func validName(s string) bool {
	if n := utf8.RuneCountInString(s); n < minNameLen || n > maxNameLen {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.Is(unicode.Mn, r) {
			return false
		}
	}
	_, stop := nameStoplist[s]
	return !stop
}

func (e *Extractor) extractAge(text string) (string, Outcome) {
	m := agePattern.FindStringSubmatch(text)
	if m == nil {
		return "", OutcomeMiss
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < e.minAge || n > e.maxAge {
		return "", OutcomeRejected
	}
	return m[1], OutcomeAccepted
}

func extractCountry(text string) (string, Outcome) {
	outcome := OutcomeMiss
	for _, p := range countryPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := trimCountry(m[1])
		if validCountry(candidate) {
			return titleCase(candidate), OutcomeAccepted
		}
		outcome = OutcomeRejected
	}

	if m := singleWordPattern.FindStringSubmatch(text); m != nil {
		if validCountry(m[1]) {
			return titleCase(m[1]), OutcomeAccepted
		}
		return "", OutcomeRejected
	}
	return "", outcome
}

// trimCountry cuts a captured country phrase at conjunctions and caps its length.
func trimCountry(s string) string {
	for _, sep := range []string{" and ", " but ", " for ", " since ", " now "} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	words := strings.Fields(s)
	if len(words) > maxCountryWords {
		words = words[:maxCountryWords]
	}
	return strings.Join(words, " ")
}

func validCountry(s string) bool {
	if utf8.RuneCountInString(s) < minCountryLen {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.Is(unicode.Mn, r) && !strings.ContainsRune(" '-", r) {
			return false
		}
	}
	_, stop := nameStoplist[s]
	return !stop
}

func extractInterest(raw, text string) (string, Outcome) {
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		for _, c := range categories {
			if _, ok := c.keywords[w]; ok {
				return c.label, OutcomeAccepted
			}
		}
	}

	for _, p := range interestPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := trailingPunct.ReplaceAllString(strings.TrimSpace(m[1]), "")
		if validInterest(candidate) {
			return candidate, OutcomeAccepted
		}
		return "", OutcomeRejected
	}

	if isQuestion(text) || isGreeting(text) {
		return "", OutcomeMiss
	}
	candidate := trailingPunct.ReplaceAllString(strings.TrimSpace(raw), "")
	if validInterest(strings.ToLower(candidate)) {
		return candidate, OutcomeAccepted
	}
	return "", OutcomeRejected
}

func validInterest(s string) bool {
	if n := utf8.RuneCountInString(s); n < minInterestLen || n > maxInterestLen {
		return false
	}
	lower := strings.ToLower(s)
	for _, v := range vaguePhrases {
		if strings.Contains(lower, v) {
			return false
		}
	}
	return !isQuestion(lower)
}

func isQuestion(text string) bool {
	if strings.Contains(text, "?") {
		return true
	}
	for _, p := range questionPrefixes {
		if text == p || strings.HasPrefix(text, p+" ") {
			return true
		}
	}
	return false
}

func isGreeting(text string) bool {
	_, ok := greetings[trailingPunct.ReplaceAllString(text, "")]
	return ok
}

// normalize lowercases, trims and folds typographic apostrophes.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "’", "'")
	return strings.ToLower(strings.TrimSpace(s))
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// FormName resolves a name supplied through a form field. Conversational
// phrasing is understood; otherwise the trimmed input is kept title-cased when
// it is 2 to 50 characters long.
func (e *Extractor) FormName(raw string) (string, bool) {
	if ex := e.Extract(raw, domain.FieldName); ex.Accepted() {
		return ex.Value, true
	}
	name := strings.Join(strings.Fields(raw), " ")
	if n := utf8.RuneCountInString(name); n < 2 || n > 50 {
		return "", false
	}
	return titleCase(strings.ToLower(name)), true
}
