package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeNetwork, "max retries exceeded")
	wrapped := fmt.Errorf("fetch package: %w", err)

	require.ErrorIs(t, wrapped, ErrNetwork)
	require.NotErrorIs(t, wrapped, ErrSecurityViolation)
	require.Equal(t, CodeNetwork, CodeOf(wrapped))
	require.Equal(t, "network_error: max retries exceeded", err.Error())
}

func TestTemporaryFlag(t *testing.T) {
	require.True(t, IsTemporary(Temporary(CodeNetwork, "status %d", 503)))
	require.False(t, IsTemporary(New(CodeNetwork, "status %d", 503)))
	require.False(t, IsTemporary(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeInvalidPackage, cause, "persist asset")

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrInvalidPackage)
	require.Nil(t, Wrap(CodeNetwork, nil, "noop"))
	require.Equal(t, Code(""), CodeOf(cause))
}
