package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Message string `json:"message" validate:"required,max=10"`
}

func TestValidatorDescribeUsesJSONNames(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	err := v.Struct(sample{})
	require.Error(t, err)
	assert.Equal(t, "message failed required", Describe(err))

	assert.NoError(t, v.Struct(sample{Message: "hi"}))
	assert.Error(t, v.Var("abc", "numeric"))
}
