package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	err := WrapError("reading leaf", ErrIO)
	require.Error(t, err)
	assert.Equal(t, "reading leaf: buffer read failed", err.Error())
	assert.ErrorIs(t, err, ErrIO)

	var idxErr *IdxError
	require.True(t, errors.As(err, &idxErr))
	assert.Equal(t, "reading leaf", idxErr.Context)
	assert.Equal(t, ErrIO, errors.Unwrap(err))
}

func TestWrapErrorNil(t *testing.T) {
	assert.NoError(t, WrapError("anything", nil))
}

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{ErrIO, ErrNoSpace, ErrNotFound, ErrInvalid, ErrCorrupt}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j {
				assert.NotErrorIs(t, a, b)
			}
		}
	}
}
