package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("capture: %w", New(CodeExhausted, "allocator.next", "lease [0,100) used up"))

	assert.True(t, errors.Is(err, ErrExhausted))
	assert.False(t, errors.Is(err, ErrNotAuthorized))
	assert.Equal(t, CodeExhausted, CodeOf(err))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(CodeStorageUnavailable, "queue.enqueue", errors.New("disk full"))
	assert.Equal(t, "queue.enqueue: LOCAL_STORAGE_UNAVAILABLE: disk full", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(CodeNetworkUnavailable, "op", nil))
	assert.NoError(t, Storage("op", nil))
}

func TestDuplicateError(t *testing.T) {
	var err error = &DuplicateError{Reference: "AG0500000002", ExistingMax: 5}
	wrapped := fmt.Errorf("submit: %w", err)

	assert.True(t, errors.Is(wrapped, ErrDuplicateReference))

	de, ok := AsDuplicate(wrapped)
	require.True(t, ok)
	assert.Equal(t, int64(5), de.ExistingMax)
	assert.Equal(t, CodeDuplicateReference, CodeOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Network("op", errors.New("timeout"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(New(CodeRejected, "op", "bad payload")))
	assert.False(t, IsRetryable(&DuplicateError{}))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsDuplicate(fmt.Errorf("x: %w", &DuplicateError{})))
	assert.True(t, IsExhausted(New(CodeExhausted, "op", "")))
	assert.True(t, IsNotAuthorized(New(CodeNotAuthorized, "op", "")))
	assert.True(t, IsNetwork(Network("op", errors.New("eof"))))
	assert.True(t, IsStorage(Storage("op", errors.New("disk"))))
	assert.False(t, IsStorage(errors.New("plain")))
}
