package banext

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// CloseCodePolicyViolation is the transport close status a host must use
// when a Decision terminates a connection.
const CloseCodePolicyViolation = websocket.ClosePolicyViolation

var (
	// ErrPolicyViolation is matched by every termination error the gate
	// produces. It is never retryable.
	ErrPolicyViolation = errors.New("connection closed: policy violation")

	// ErrStorageUnavailable wraps backing-store failures that survived the
	// retry budget. It never reaches the admission path.
	ErrStorageUnavailable = errors.New("ban store unavailable")

	// ErrRegistryNotLoaded is returned when a gate is built over a registry
	// whose LoadAll has not completed.
	ErrRegistryNotLoaded = errors.New("ban registry not loaded")
)

// PolicyViolationError is the error form of a terminating Decision.
type PolicyViolationError struct {
	Status int
	Reason Reason
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("connection closed: policy violation (status %d)", e.Status)
}

func (e *PolicyViolationError) Is(target error) bool {
	return target == ErrPolicyViolation
}
