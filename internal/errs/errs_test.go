package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := E(KindProviderFail, "quote fetch failed for %s", "NIFTY")
	assert.Equal(t, KindProviderFail, KindOf(err))
	assert.Equal(t, "quote fetch failed for NIFTY", err.Error())

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindProviderFail, "quotes", cause)
	require.Error(t, err)

	assert.True(t, errors.Is(err, cause), "wrapped cause should remain matchable")
	assert.Equal(t, KindProviderFail, KindOf(err))
	assert.Contains(t, err.Error(), "quotes")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindPersistenceFail, "csv", nil))
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("select expiry: %w", ErrNoFutureExpiries)
	assert.True(t, errors.Is(err, ErrNoFutureExpiries))
	assert.Equal(t, KindNoFutureExpiries, KindOf(err))

	// Two distinct errors of the same kind match through errors.Is.
	other := E(KindNoFutureExpiries, "nothing after holiday filter")
	assert.True(t, errors.Is(other, ErrNoFutureExpiries))
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(ErrInvalidEvent, KindInputInvalid))
	assert.False(t, IsKind(ErrInvalidEvent, KindBackpressure))
}
