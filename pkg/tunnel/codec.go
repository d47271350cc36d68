package tunnel

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a TunnelMessage into an opaque frame. Pure, stateless,
// total for any well-formed TunnelMessage. Binary payloads in Arg are
// carried as base64 by encoding/json's native []byte handling, which
// gives a round-trip-byte-identical guarantee without a hand-rolled
// length-prefixed format.
func Encode(msg *TunnelMessage) ([]byte, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		// json.Marshal only fails on unsupported types (channels, funcs,
		// cyclic maps), none of which TunnelMessage contains; kept as a
		// defensive wrap rather than a panic so Encode stays total in
		// practice for any value a caller can actually construct.
		return nil, fmt.Errorf("tunnel: encode failed: %w", err)
	}
	return frame, nil
}

// Decode parses a frame into a TunnelMessage. Returns ErrMalformedFrame,
// wrapped with the underlying parse error, if the frame is not a valid
// JSON object or is missing required fields.
func Decode(frame []byte) (*TunnelMessage, error) {
	var msg TunnelMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	if msg.TunnelID == "" || msg.Event == "" {
		return nil, fmt.Errorf("%w: missing tunnelId or event", ErrMalformedFrame)
	}
	return &msg, nil
}
