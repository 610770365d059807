// Package metadata names the headers carried next to a frame payload and
// converts them to and from Watermill messages.
package metadata

import "github.com/ThreeDotsLabs/watermill/message"

const (
	// KeyCodec names the wire codec of the payload.
	KeyCodec = "smockron_codec"
	// KeyDomain repeats frame 0 so brokers and tooling can route on it.
	KeyDomain = "smockron_domain"
	// KeyCorrelationID ties a message to log lines and traces.
	KeyCorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside a payload.
type Metadata map[string]string

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Codec returns the codec header, or fallback when it is missing.
func (m Metadata) Codec(fallback string) string {
	if c := m[KeyCodec]; c != "" {
		return c
	}
	return fallback
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a Watermill map.
func ToWatermill(m Metadata) message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		wm[k] = v
	}
	return wm
}
