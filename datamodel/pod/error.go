package pod

import "fmt"

// Raised when a pod operation fails. It may carry the capacity the
// hypervisor reported when the failure happened.
type PodProblemError struct {
	Message string
	Hints   *DiscoveredPodHints
}

// Creates a pod problem error.
func NewPodProblemError(format string, args ...any) *PodProblemError {
	return &PodProblemError{Message: fmt.Sprintf(format, args...)}
}

// Returns error string.
func (e *PodProblemError) Error() string {
	return e.Message
}

// Raised when the requested resources cannot be satisfied by the pod.
type PodInvalidResourcesError struct {
	PodProblemError
}

// Creates an invalid resources error.
func NewPodInvalidResourcesError(format string, args ...any) *PodInvalidResourcesError {
	return &PodInvalidResourcesError{PodProblemError{Message: fmt.Sprintf(format, args...)}}
}

// Returns error string.
func (e *PodInvalidResourcesError) Error() string {
	return e.Message
}

// Raised when a driver is not registered.
type UnknownDriverError struct {
	Name string
}

// Returns error string.
func (e *UnknownDriverError) Error() string {
	return fmt.Sprintf("unknown pod driver %s", e.Name)
}
