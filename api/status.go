package agentapi

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/metalyard/region/datamodel/pod"
)

// Domain of the error details attached to the statuses.
const errorDomain = "region.metalyard"

// Key of the error detail metadata holding the pod hints.
const hintsMetadataKey = "hints"

// Converts an error returned by a pod driver to a gRPC status error.
// Invalid resources become ResourceExhausted and other pod problems
// FailedPrecondition. The hints carried by the error are attached as
// the status details. Unknown drivers are reported as NotFound and any
// other error as Internal.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		invalid       *pod.PodInvalidResourcesError
		problem       *pod.PodProblemError
		unknownDriver *pod.UnknownDriverError
	)
	switch {
	case errors.As(err, &invalid):
		return withHints(codes.ResourceExhausted, invalid.Message, invalid.Hints)
	case errors.As(err, &problem):
		return withHints(codes.FailedPrecondition, problem.Message, problem.Hints)
	case errors.As(err, &unknownDriver):
		return status.Error(codes.NotFound, unknownDriver.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Creates a status error with the hints attached.
func withHints(code codes.Code, message string, hints *pod.DiscoveredPodHints) error {
	st := status.New(code, message)
	if hints == nil {
		return st.Err()
	}
	data, err := json.Marshal(hints)
	if err != nil {
		return st.Err()
	}
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   code.String(),
		Domain:   errorDomain,
		Metadata: map[string]string{hintsMetadataKey: string(data)},
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// Returns the pod hints attached to the status or nil.
func HintsFromStatus(st *status.Status) *pod.DiscoveredPodHints {
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		data, ok := info.GetMetadata()[hintsMetadataKey]
		if !ok {
			continue
		}
		hints := &pod.DiscoveredPodHints{}
		if err := json.Unmarshal([]byte(data), hints); err != nil {
			return nil
		}
		return hints
	}
	return nil
}
