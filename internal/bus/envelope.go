package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelopeVersion is the current wire version. Decoding rejects anything else.
const envelopeVersion = 1

// Envelope wraps a payload for delivery on a topic. CorrelationID ties a
// request to its reply and a signal to the orders it produced.
type Envelope struct {
	Topic         Topic     `json:"topic"`
	SourceID      string    `json:"source_id"`
	TS            time.Time `json:"ts"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Version       int       `json:"version"`
	Payload       any       `json:"payload"`
}

// NewEnvelope builds a versioned envelope stamped with the current time.
func NewEnvelope(topic Topic, sourceID string, payload any) Envelope {
	return Envelope{
		Topic:    topic,
		SourceID: sourceID,
		TS:       time.Now().UTC(),
		Version:  envelopeVersion,
		Payload:  payload,
	}
}

type wireEnvelope struct {
	Topic         Topic           `json:"topic"`
	SourceID      string          `json:"source_id"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode serializes the envelope to its self-describing wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.Topic, err)
	}
	return data, nil
}

// Decode parses a wire envelope and rebuilds the typed payload for its topic.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if w.Version != envelopeVersion {
		return Envelope{}, fmt.Errorf("decode envelope: unsupported version %d", w.Version)
	}
	payload, err := decodePayload(w.Topic, w.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", w.Topic, err)
	}
	return Envelope{
		Topic:         w.Topic,
		SourceID:      w.SourceID,
		TS:            w.TS,
		CorrelationID: w.CorrelationID,
		Version:       w.Version,
		Payload:       payload,
	}, nil
}
