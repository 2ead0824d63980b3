package agentcomm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	agentapi "github.com/metalyard/region/api"
	"github.com/metalyard/region/datamodel/pod"
)

// An error returned when none of the requested racks is connected.
type NoConnectionsAvailableError struct {
	SystemIDs []string
}

// Instantiates the NoConnectionsAvailableError.
func NewNoConnectionsAvailableError(systemIDs ...string) *NoConnectionsAvailableError {
	return &NoConnectionsAvailableError{SystemIDs: systemIDs}
}

// Returns an error string.
func (err *NoConnectionsAvailableError) Error() string {
	if len(err.SystemIDs) == 0 {
		return "no connections to rack controllers available"
	}
	return fmt.Sprintf("no connections available for rack controller(s) %s", strings.Join(err.SystemIDs, ", "))
}

// An error returned when the agent does not know the command, e.g. an
// older agent receiving a command introduced later.
type UnhandledCommandError struct {
	SystemID string
	Command  string
}

// Instantiates the UnhandledCommandError.
func NewUnhandledCommandError(systemID, command string) *UnhandledCommandError {
	return &UnhandledCommandError{SystemID: systemID, Command: command}
}

// Returns an error string.
func (err *UnhandledCommandError) Error() string {
	return fmt.Sprintf("rack controller %s does not handle the %s command", err.SystemID, err.Command)
}

// Converts the status error returned by a call to the error taxonomy of
// the region.
func convertStatusError(systemID, command string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(err, "problem calling %s on rack controller %s", command, systemID)
	}
	switch st.Code() {
	case codes.Unimplemented:
		return NewUnhandledCommandError(systemID, command)
	case codes.Unavailable:
		return NewNoConnectionsAvailableError(systemID)
	case codes.ResourceExhausted:
		invalid := pod.NewPodInvalidResourcesError("%s", st.Message())
		invalid.Hints = agentapi.HintsFromStatus(st)
		return invalid
	case codes.FailedPrecondition, codes.Aborted, codes.Internal, codes.Unknown:
		problem := pod.NewPodProblemError("%s", st.Message())
		problem.Hints = agentapi.HintsFromStatus(st)
		return problem
	default:
		return errors.Errorf("problem calling %s on rack controller %s: %s", command, systemID, st.Message())
	}
}
