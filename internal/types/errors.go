package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the admission core. Persistence failures are kept
// distinct from execution failures: "trade happened but wasn't recorded"
// must never be reported as "trade failed".
var (
	ErrValidation        = errors.New("invalid request")
	ErrDuplicateInFlight = errors.New("duplicate order in flight")
	ErrPersistence       = errors.New("ledger write failed")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrExecutionRejected = errors.New("execution rejected by venue")
	ErrDataUnavailable   = errors.New("ledger data unavailable")
	ErrBotNotFound       = errors.New("bot not found")
)

// GateRejection is a business-rule rejection from one admission gate. It is
// returned to callers as a structured result with the gate name and the
// numeric threshold crossed, never thrown past the pipeline boundary.
type GateRejection struct {
	Gate   string
	Reason string
}

func (g *GateRejection) Error() string {
	return fmt.Sprintf("gate %s rejected order: %s", g.Gate, g.Reason)
}

// Reject builds a GateRejection with a formatted reason.
func Reject(gate, format string, args ...interface{}) *GateRejection {
	return &GateRejection{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryableExecution reports whether an execution failure may be retried
// without risking a duplicate trade. Timeouts and transport failures leave
// the idempotency slot open; venue rejects consume it.
func IsRetryableExecution(err error) bool {
	return errors.Is(err, ErrExecutionTimeout)
}
