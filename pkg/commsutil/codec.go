package commsutil

import (
	"bytes"
	"encoding/json"
	"fmt"

	comms "github.com/nats-io/nats.go"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DecodeEnvelope decodes a request envelope, rejecting unknown fields and
// trailing data.
func DecodeEnvelope(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after envelope")
	}
	return nil
}

// RespondJSON encodes v and replies to msg.
func RespondJSON(msg *comms.Msg, v any) error {
	data, err := EncodePayload(v)
	if err != nil {
		return fmt.Errorf("commsutil:codec - failed to encode reply: %w", err)
	}
	return msg.Respond(data)
}
