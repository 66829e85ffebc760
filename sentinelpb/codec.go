package sentinelpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the JSON codec below is
// registered and selected by callers via grpc.CallContentSubtype.
const CodecName = "json"

// jsonCodec marshals Sentinel wire messages as JSON rather than protobuf
// wire format. Transport remains genuine gRPC-over-HTTP/2 binary framing;
// only the payload encoding changes, which sidesteps depending on
// protoc-generated reflection metadata for messages that are hand-written.
// See the sentinelpb package doc for the rationale.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
