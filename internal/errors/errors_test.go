package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaError_Is(t *testing.T) {
	err := NewSchemaError("text", "must be a string")
	assert.ErrorIs(t, err, ErrSchemaInvalid)
	assert.Contains(t, err.Error(), "text")
}

func TestSchemaError_Wrapped(t *testing.T) {
	err := fmt.Errorf("applying op: %w", NewSchemaError("isDone", "must be a bool"))
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrStorageFault))
	assert.True(t, IsRetryable(fmt.Errorf("flush: %w", ErrStorageFault)))
	assert.False(t, IsRetryable(ErrNotWritable))
	assert.False(t, IsRetryable(errors.New("other")))
}

func TestIsUserActionable(t *testing.T) {
	assert.True(t, IsUserActionable(ErrNotWritable))
	assert.True(t, IsUserActionable(ErrPairingTimeout))
	assert.False(t, IsUserActionable(ErrSchemaInvalid))
}
