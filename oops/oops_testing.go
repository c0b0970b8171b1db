package oops

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// RequireNoError is require.NoError that prints the stack of an *Error
func RequireNoError(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		return
	}

	var message string
	if oopsErr, ok := err.(*Error); ok {
		message = fmt.Sprintf("Received unexpected error:\n%s", oopsErr.FullString())
	} else {
		message = fmt.Sprintf("Received unexpected error:\n%+v", err)
	}
	require.Fail(t, message, msgAndArgs...)
}
