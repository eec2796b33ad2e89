package merr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHasNoCause(t *testing.T) {
	err := New(ClientInput, "bad input")
	require.Nil(t, errors.Unwrap(err))
	require.Contains(t, err.Error(), "bad input")
}

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(Crypto, "encryption failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "encryption failed")
	require.Contains(t, err.Error(), "underlying")
}

func TestErrorsAsRecoversKind(t *testing.T) {
	var target *Error
	err := error(New(KeyBroker, "no such key"))

	require.True(t, errors.As(err, &target))
	require.Equal(t, KeyBroker, target.Kind)
}
