package gateway

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Frame is the wire envelope for every gateway message: {op, d, s, t}. The sequence number and event type are only
// present on Dispatch frames.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type *EventType      `json:"t,omitempty"`
}

// DecodeFrame parses a raw inbound message into a Frame. Malformed JSON yields ErrDecodeError; a syntactically valid
// frame with an opcode the client may not send yields ErrUnknownOpcode.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	if !f.Op.Valid() || !f.Op.ClientSendable() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, f.Op)
	}
	return &f, nil
}

// NewHelloFrame returns a serialised Hello frame with the given heartbeat interval in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int64) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatIntervalMS: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeHello, Data: data})
}

// NewHeartbeatACKFrame returns a serialised HeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeHeartbeatACK})
}

// NewDispatchFrame returns a serialised Dispatch frame with the given sequence number, event type, and raw data
// payload.
func NewDispatchFrame(seq int64, eventType EventType, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Seq:  &seq,
		Type: &eventType,
		Data: data,
	})
}

// NewEphemeralDispatchFrame returns a serialised Dispatch frame without a sequence number. Ephemeral events (typing
// indicators) are not stored in the replay buffer and carry no seq.
func NewEphemeralDispatchFrame(eventType EventType, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Type: &eventType,
		Data: data,
	})
}

// NewReconnectFrame returns a serialised Reconnect frame instructing the client to reconnect.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeReconnect})
}

// NewInvalidSessionFrame returns a serialised InvalidSession frame. The resumable flag indicates whether the client
// should attempt to resume or must re-identify.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	data, err := json.Marshal(resumable)
	if err != nil {
		return nil, fmt.Errorf("marshal invalid session data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeInvalidSession, Data: data})
}
