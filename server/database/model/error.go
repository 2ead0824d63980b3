package dbmodel

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// Returned when deleting a pod synchronously. Pods must be removed
	// with the asynchronous deletion which decomposes their machines.
	ErrPodDeleteRequiresAsync = errors.New("pods must be deleted asynchronously")
	// Returned when deleting a composed machine which still has a pod.
	ErrMachineNeedsDecompose = errors.New("machine composed in a pod must be decomposed")
)

// Raised when a record violates a model invariant.
type ValidationError struct {
	Message string
}

// Creates a validation error.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Returns error string.
func (e *ValidationError) Error() string {
	return e.Message
}

// Raised when no address can be allocated in a subnet.
type StaticIPAddressExhaustionError struct {
	CIDR string
}

// Creates an address exhaustion error for the subnet.
func NewStaticIPAddressExhaustionError(cidr string) *StaticIPAddressExhaustionError {
	return &StaticIPAddressExhaustionError{CIDR: cidr}
}

// Returns error string.
func (e *StaticIPAddressExhaustionError) Error() string {
	return fmt.Sprintf("no more IPs available in subnet: %s", e.CIDR)
}
