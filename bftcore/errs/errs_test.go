package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesClassifiedKind(t *testing.T) {
	err := New(StaleMessage, "ProcessPropose", errors.New("boom"))
	require.True(t, Is(err, StaleMessage))
	require.False(t, Is(err, BadSignature))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), BadFraming))
}

func TestOnlyDurabilityFailureIsFatal(t *testing.T) {
	require.True(t, DurabilityFailure.Fatal())
	require.False(t, StaleMessage.Fatal())
}
