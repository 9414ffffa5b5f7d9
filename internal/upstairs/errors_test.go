package upstairs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrucibleErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := newErr(ErrTransientReplica, "write", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "write")
	require.Contains(t, err.Error(), "connection reset")
}

func TestKindOfWalksWrappedErrors(t *testing.T) {
	base := newErr(ErrQuorumLoss, "flush", errors.New("only one replica reachable"))
	wrapped := fmt.Errorf("upstream: %w", base)

	require.Equal(t, ErrQuorumLoss, KindOf(wrapped))
}

func TestKindOfOnPlainErrorIsZeroValue(t *testing.T) {
	require.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}
