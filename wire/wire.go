// Package wire defines the framed, length-prefixed envelopes exchanged
// between Splinter nodes. Every envelope round-trips through JSON,
// keeping the wire format debuggable without pulling in a schema
// compiler.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt or hostile length
// prefix cannot force an unbounded allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// MessageType tags the outermost envelope.
type MessageType string

const (
	NetworkHeartbeat MessageType = "NETWORK_HEARTBEAT"
	Authorization    MessageType = "AUTHORIZATION"
	Circuit          MessageType = "CIRCUIT"
)

// NetworkMessage is the outermost envelope carried on every connection.
type NetworkMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WriteFrame length-prefixes and writes a NetworkMessage to w.
func WriteFrame(w io.Writer, msg NetworkMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed NetworkMessage from r.
func ReadFrame(r io.Reader) (NetworkMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return NetworkMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return NetworkMessage{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return NetworkMessage{}, err
	}
	var msg NetworkMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return NetworkMessage{}, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return msg, nil
}

// Pack marshals v and wraps it as the payload of a NetworkMessage of the
// given type.
func Pack(t MessageType, v interface{}) (NetworkMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return NetworkMessage{}, fmt.Errorf("wire: marshal payload: %w", err)
	}
	return NetworkMessage{Type: t, Payload: body}, nil
}

// Unpack decodes msg.Payload into v.
func Unpack(msg NetworkMessage, v interface{}) error {
	return json.Unmarshal(msg.Payload, v)
}
