package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	transient := NewError(Transient, "CurrentPrice", "rate limited", nil)
	permanent := NewError(Permanent, "SubmitLimitOrder", "bad symbol", nil)

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestErrorClassification_SurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("submitting order: %w", NewError(Permanent, "SubmitLimitOrder", "rejected", nil))
	assert.True(t, IsPermanent(err))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(Transient, "Holdings", "request failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "Holdings")
}
