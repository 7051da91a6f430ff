package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := newError(KindTimeout, "153", errors.New("deadline"))
	wrapped := fmt.Errorf("poll: %w", err)

	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.NotErrorIs(t, wrapped, ErrUnreachable)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("other")))
	assert.Contains(t, err.Error(), "target 153: timeout")
	assert.Equal(t, "not_found", ErrNotFound.Error())
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(newError(KindUnreachable, "1", nil)))
	assert.True(t, IsConnectionError(fmt.Errorf("wrapped: %w", newError(KindTimeout, "1", nil))))
	assert.False(t, IsConnectionError(newError(KindCommandFailed, "1", nil)))
	assert.False(t, IsConnectionError(errors.New("plain")))
}
