package agentapi

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// Name of the codec used on the region to rack calls. It is sent as the
// content subtype, i.e. application/grpc+json.
const CodecName = "json"

// gRPC codec marshalling the messages as JSON. The messages exchanged
// with the racks are plain Go structures rather than protocol buffers.
type jsonCodec struct{}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Marshals the message.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "problem marshalling %T message", v)
	}
	return data, nil
}

// Unmarshals the message. An empty payload leaves the message intact.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "problem unmarshalling %T message", v)
	}
	return nil
}

// Returns the codec name.
func (jsonCodec) Name() string {
	return CodecName
}
