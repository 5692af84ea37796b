package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWalksWrapChain(t *testing.T) {
	base := Conflict("conversation already claimed by another agent")
	wrapped := fmt.Errorf("claim failed: %w", base)

	assert.Equal(t, CodeConflict, CodeOf(wrapped))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Infra("database unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMessageOfHidesInternalDetail(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(Infra("pg pool exhausted", errors.New("pq: too many clients"))))
	assert.Equal(t, "internal error", MessageOf(errors.New("raw")))
	assert.Equal(t, "service window expired - use a template message",
		MessageOf(Policy("service window expired - use a template message")))
}
