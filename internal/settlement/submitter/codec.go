// Package submitter implements the settlement driver's gRPC client
// handoff to the external on-chain submission service. The submitter
// service itself, and its .proto contract, are deliberately external
// collaborators; this package only needs to speak a stable wire format
// to whatever implements them, so it registers a JSON codec over
// google.golang.org/grpc's transport instead of vendoring generated
// protobuf stubs for a service this repository does not own.
package submitter

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec, letting
// grpc.ClientConn.Invoke ship plain Go structs over the wire without a
// protoc-generated message set.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("submitter: marshal request: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("submitter: unmarshal response: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
