package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/leadqual/internal/domain"
)

// Generator phrases display text. Its output is never parsed for slot values.
type Generator interface {
	Complete(ctx context.Context, prompt string, meta map[string]string) (string, error)
}

// Hint tells the composer why a reply is being produced.
type Hint int

const (
	// HintPrompt asks for the stage's field for the first time.
	HintPrompt Hint = iota
	// HintRetry re-asks after nothing usable was found.
	HintRetry
	// HintRejected re-asks after a value failed validation.
	HintRejected
	// HintCorrectionRequest asks what to change during confirmation.
	HintCorrectionRequest
	// HintCorrected re-issues the summary after a slot was corrected.
	HintCorrected
	// HintConfirmed thanks the lead after the confirmation gate fired.
	HintConfirmed
	// HintSuggestions answers a request for product ideas.
	HintSuggestions
	// HintExit says goodbye.
	HintExit
)

// Request is the input to Compose.
type Request struct {
	Stage domain.Stage
	Slots domain.Slots
	Hint  Hint
}

// DefaultGeneratorTimeout bounds a single generator call.
const DefaultGeneratorTimeout = 5 * time.Second

// Composer renders outbound messages.
type Composer struct {
	generator Generator
	timeout   time.Duration
	minAge    int
	maxAge    int
	logger    *slog.Logger
}

// ComposerConfig configures a Composer. Generator may be nil.
type ComposerConfig struct {
	Generator Generator
	Timeout   time.Duration
	MinAge    int
	MaxAge    int
	Logger    *slog.Logger
}

// NewComposer creates a composer.
func NewComposer(cfg ComposerConfig) *Composer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGeneratorTimeout
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Composer{
		generator: cfg.Generator,
		timeout:   cfg.Timeout,
		minAge:    cfg.MinAge,
		maxAge:    cfg.MaxAge,
		logger:    cfg.Logger,
	}
}

// HasGenerator reports whether replies may be rephrased by a generator.
func (c *Composer) HasGenerator() bool {
	return c.generator != nil
}

// Compose returns the reply for req. It always produces text: generator
// failures and timeouts fall back to the template.
func (c *Composer) Compose(ctx context.Context, req Request) string {
	text := c.Template(req)
	if c.generator == nil || !rephrasable(req) {
		return text
	}
	return c.Rephrase(ctx, text, req.Slots)
}

// Rephrase asks the generator to restate text, returning text unchanged on failure.
func (c *Composer) Rephrase(ctx context.Context, text string, slots domain.Slots) string {
	if c.generator == nil {
		return text
	}

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := "Rephrase the following message from a friendly sales assistant. " +
		"Keep the same question and do not ask for any other information.\n\n" + text
	out, err := c.generator.Complete(genCtx, prompt, map[string]string{
		"name":     slots.Name,
		"age":      slots.Age,
		"country":  slots.Country,
		"interest": slots.Interest,
	})
	if err != nil {
		c.logger.Warn("Generator unavailable, using template reply", "error", err)
		return text
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	return out
}

// rephrasable excludes replies whose wording must match stored state exactly.
func rephrasable(req Request) bool {
	switch req.Hint {
	case HintCorrectionRequest, HintCorrected, HintExit, HintSuggestions:
		return false
	}
	return req.Stage != domain.StageConfirmation
}

// Template returns the deterministic reply for req.
func (c *Composer) Template(req Request) string {
	s := req.Slots
	switch req.Hint {
	case HintExit:
		return "Thank you for chatting with me! Goodbye!"
	case HintSuggestions:
		return categoryOverview(s.Name) + "\n\n" + c.Template(Request{Stage: req.Stage, Slots: s, Hint: HintRetry})
	case HintConfirmed:
		return fmt.Sprintf("Excellent! Thank you for confirming your information, %s. "+
			"Your details have been saved and we'll follow up with recommendations for %s.", s.Name, s.Interest)
	case HintCorrected:
		return "Got it, I've updated that.\n\n" + Summary(s)
	case HintCorrectionRequest:
		return "No problem! What would you like to correct? You can say something like \"my age is 30\" " +
			"or \"my country is Spain\".\n\n" + Summary(s)
	}

	retry := req.Hint == HintRetry || req.Hint == HintRejected
	switch req.Stage {
	case domain.StageGreeting:
		return "Hello! Welcome to our sales assistant. I'm here to help you find the perfect products. " +
			"To get started, could you please tell me your name?"
	case domain.StageName:
		if retry {
			return "I'd love to know your name so I can personalize your experience. What should I call you?"
		}
		return "To get started, could you please tell me your name?"
	case domain.StageAge:
		if req.Hint == HintRejected {
			return fmt.Sprintf("Hmm, that doesn't look like a valid age. Could you share your age as a number between %d and %d?", c.minAge, c.maxAge)
		}
		if retry {
			return "Could you please tell me your age? Just the number is fine."
		}
		return fmt.Sprintf("Nice to meet you, %s! Now, could you please tell me your age?", s.Name)
	case domain.StageCountry:
		if retry {
			return "Which country are you from? This helps me suggest products available in your region."
		}
		return fmt.Sprintf("Thank you! And which country are you from, %s?", s.Name)
	case domain.StageInterest:
		if req.Hint == HintRejected {
			return "Could you be a bit more specific? For example: laptops, smartphones, headphones, clothing or furniture."
		}
		if retry {
			return "What type of products are you interested in purchasing? For example: laptops, smartphones, headphones, etc."
		}
		return "Great! Now, what kind of products are you interested in or looking to purchase?\n\n" + categoryList()
	case domain.StageConfirmation:
		return Summary(s)
	case domain.StageComplete:
		return fmt.Sprintf("Thanks again, %s! Your details are already confirmed. Is there anything else I can help you with?", s.Name)
	}
	return "Thank you for sharing that! Let me help you find what you're looking for."
}

// Summary renders the collected slots for confirmation.
func Summary(s domain.Slots) string {
	var b strings.Builder
	b.WriteString("Perfect! Let me summarize your information:\n\n")
	fmt.Fprintf(&b, "Name: %s\n", orNotProvided(s.Name))
	fmt.Fprintf(&b, "Age: %s\n", orNotProvided(s.Age))
	fmt.Fprintf(&b, "Country: %s\n", orNotProvided(s.Country))
	fmt.Fprintf(&b, "Product Interest: %s\n\n", orNotProvided(s.Interest))
	b.WriteString("Please type 'confirm' if everything is correct, or tell me what you'd like to change.")
	return b.String()
}

// FollowUp returns the escalating re-engagement template for the given count.
func FollowUp(count int, name string) string {
	if name == "" {
		name = "there"
	}
	switch count {
	case 0:
		return fmt.Sprintf("Hi %s! I noticed you might have stepped away. I'm still here to help you find the perfect products. What would you like to explore?", name)
	case 1:
		return fmt.Sprintf("Just checking in, %s. I have some great product recommendations based on our conversation. Would you like to see them?", name)
	default:
		return fmt.Sprintf("Hi %s, I'll be here whenever you're ready to continue our conversation. Feel free to message me anytime!", name)
	}
}

func categoryOverview(name string) string {
	intro := "Here are our main product categories:"
	if name != "" {
		intro = fmt.Sprintf("Happy to help, %s! Here are our main product categories:", name)
	}
	return intro + "\n\n" + categoryList()
}

func categoryList() string {
	return "- Technology (smartphones, laptops)\n" +
		"- Home & Living (furniture, storage)\n" +
		"- Fashion (clothing, accessories)"
}

func orNotProvided(v string) string {
	if v == "" {
		return "[Not provided]"
	}
	return v
}
