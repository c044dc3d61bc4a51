package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "wrapped: %d", 7)

	assert.Contains(t, wrapped.Error(), "wrapped: 7")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")

	assert.True(t, IsNotFound(err))
	assert.False(t, IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "job abc")
}

func TestNewInvalidRequestError(t *testing.T) {
	err := Wrap(NewInvalidRequestError("bad hour %d", 25), "plan")

	assert.True(t, IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "bad hour 25")
}

func TestWithHint(t *testing.T) {
	err := WithHint(New("no accounts"), "run `reelbatch accounts` first")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "run `reelbatch accounts` first", hints[0])
}

func TestNilChecks(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsInvalidRequest(nil))
}
