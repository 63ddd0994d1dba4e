package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectFormatsGateAndReason(t *testing.T) {
	t.Parallel()

	rejection := Reject(GateFeeCoverage, "Expected edge %.1f bps below required %.1f bps", 29.0, 30.0)
	assert.Equal(t, GateFeeCoverage, rejection.Gate)
	assert.Equal(t, "Expected edge 29.0 bps below required 30.0 bps", rejection.Reason)
	assert.Contains(t, rejection.Error(), GateFeeCoverage)

	var target *GateRejection
	assert.True(t, errors.As(fmt.Errorf("submit: %w", rejection), &target))
}

func TestIsRetryableExecution(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryableExecution(fmt.Errorf("venue: %w", ErrExecutionTimeout)))
	assert.False(t, IsRetryableExecution(ErrExecutionRejected))
}
