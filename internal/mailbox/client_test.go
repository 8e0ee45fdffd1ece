package mailbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionError(t *testing.T) {
	base := errors.New("connection refused")
	connErr := &ConnectionError{Addr: "imap.example.com:993", Err: base}

	assert.Contains(t, connErr.Error(), "imap.example.com:993")
	assert.Contains(t, connErr.Error(), "connection refused")
	assert.ErrorIs(t, connErr, base)
}

func TestIsConnectionError(t *testing.T) {
	base := errors.New("connection refused")
	connErr := &ConnectionError{Addr: "imap.example.com:993", Err: base}

	assert.True(t, IsConnectionError(connErr))

	// Wrapping preserves detection, as the orchestrator wraps dial
	// failures with the mailbox id.
	wrapped := fmt.Errorf("mailbox work: %w", connErr)
	assert.True(t, IsConnectionError(wrapped))

	require.False(t, IsConnectionError(base))
	assert.False(t, IsConnectionError(nil))
}
