package eventloop

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPanicError_Unwrap_SeesThroughErrorValue(t *testing.T) {
	err := &PanicError{Value: io.EOF}
	require.True(t, errors.Is(err, io.EOF))
}

func TestPanicError_Unwrap_NilForNonError(t *testing.T) {
	err := &PanicError{Value: "boom"}
	require.Nil(t, err.Unwrap())
}

func TestAppendShutdownError_AccumulatesAcrossCalls(t *testing.T) {
	var err error
	err = AppendShutdownError(err, io.EOF)
	err = AppendShutdownError(err, io.ErrUnexpectedEOF)

	var agg *ShutdownError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Errors, 2)
	require.True(t, errors.Is(err, io.EOF))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestAppendShutdownError_NilCauseIsNoop(t *testing.T) {
	require.Nil(t, AppendShutdownError(nil, nil))
}

func TestWrapError_PreservesCauseChain(t *testing.T) {
	wrapped := WrapError("loading config", io.EOF)
	require.True(t, errors.Is(wrapped, io.EOF))
}
