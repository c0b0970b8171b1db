package oops

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapKeepsIdentity(t *testing.T) {
	err := Wrap(io.EOF)
	require.True(t, errors.Is(err, io.EOF))
	require.Equal(t, "EOF", err.Error())

	var oopsErr *Error
	require.True(t, errors.As(err, &oopsErr))
	require.NotEmpty(t, oopsErr.StackTrace())
	require.True(t, strings.HasPrefix(oopsErr.FullString(), "EOF\n"))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(nil))
	require.NoError(t, Wrapf(nil, "context"))
}

func TestWrapIsIdempotent(t *testing.T) {
	err := New("circular")
	require.Same(t, err, Wrap(err))
}

func TestWrapf(t *testing.T) {
	err := Wrapf(io.ErrUnexpectedEOF, "reading %s", "feed")
	require.Equal(t, "reading feed: unexpected EOF", err.Error())
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
