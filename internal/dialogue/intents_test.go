package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/leadqual/internal/domain"
)

func TestIsExitCommandMatchesWholeMessage(t *testing.T) {
	t.Parallel()

	assert.True(t, IsExitCommand("bye"))
	assert.True(t, IsExitCommand("  Goodbye! "))
	assert.False(t, IsExitCommand("recommend something"))
	assert.False(t, IsExitCommand("I can't stop buying shoes"))
}

func TestIsSuggestionRequest(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSuggestionRequest("Can you recommend anything?"))
	assert.True(t, IsSuggestionRequest("show me your catalog"))
	assert.False(t, IsSuggestionRequest("France"))
}

func TestCorrectionTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		field domain.Field
		rest  string
		ok    bool
	}{
		{"my name is Bob", domain.FieldName, "bob", true},
		{"age: 31", domain.FieldAge, "31", true},
		{"country should be Italy", domain.FieldCountry, "italy", true},
		{"my interest is shoes", domain.FieldInterest, "shoes", true},
		{"interested in tablets", "", "", false},
		{"looks great", "", "", false},
	}
	for _, tc := range cases {
		field, rest, ok := CorrectionTarget(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.field, field, "input %q", tc.in)
		assert.Equal(t, tc.rest, rest, "input %q", tc.in)
	}
}
