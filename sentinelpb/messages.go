/*
Package sentinelpb defines the wire messages and gRPC service descriptor for
the Sentinel peer-exchange protocol. Field names are fixed for
cross-version compatibility.

No protoc-generated stubs ship in this repository; instead the service is
registered by hand against a small JSON codec (see codec.go) rather than the
full protobuf reflection machinery, so that the message field names below
are what actually travels on the wire. Transport is still genuine
gRPC-over-HTTP/2 binary framing.
*/
package sentinelpb

// MetricData carries one segment's locally-measured rates.
type MetricData struct {
	RequestRate         float32 `json:"request_rate"`
	AcceptedRequestRate float32 `json:"accepted_request_rate"`
}

// Metrics is the payload exchanged by ExchangeMetrics: a peer's id and its
// current per-segment local rates.
type Metrics struct {
	Source   string                 `json:"source"`
	Segments map[string]*MetricData `json:"segments"`
}

// SegmentConfig is a segment's initial/steady target and optional bounds.
// MinTPS and MaxTPS are nil when unset, each defaulting to TargetTPS per
// peer configuration.
type SegmentConfig struct {
	TargetTPS float32  `json:"target_tps"`
	MinTPS    *float32 `json:"min_tps,omitempty"`
	MaxTPS    *float32 `json:"max_tps,omitempty"`
}

// ShouldThrottleRequest names the segment a remote admission query targets.
// Reserved surface; not required to be enabled.
type ShouldThrottleRequest struct {
	Segment string `json:"segment"`
}

// ShouldThrottleResponse reports the outcome of a remote admission query.
// ShouldThrottle uses the source's historical (inverted) polarity: true
// means the request should be rejected, keeping the verb's historical
// meaning for callers that predate the Allow/Deny vocabulary.
type ShouldThrottleResponse struct {
	ShouldThrottle bool `json:"should_throttle"`
}
