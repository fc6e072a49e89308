package gateway

import "strconv"

// Opcode identifies the type of a gateway frame. The numbering is part of the wire protocol and must not change.
type Opcode int

const (
	// OpcodeDispatch carries a server-originated event with an event name and sequence number.
	OpcodeDispatch Opcode = 0
	// OpcodeHeartbeat is the client keep-alive; its data is the last received sequence number or null.
	OpcodeHeartbeat Opcode = 1
	// OpcodeIdentify authenticates a new session.
	OpcodeIdentify Opcode = 2
	// OpcodePresenceUpdate changes the client's presence status.
	OpcodePresenceUpdate Opcode = 3
	// OpcodeResume re-attaches to an existing detached session.
	OpcodeResume Opcode = 4
	// OpcodeReconnect asks the client to disconnect and reconnect cleanly.
	OpcodeReconnect Opcode = 5
	// OpcodeInvalidSession tells the client its session is invalid; data is a resumable flag.
	OpcodeInvalidSession Opcode = 7
	// OpcodeHello is sent unsolicited on socket accept and advertises the heartbeat interval.
	OpcodeHello Opcode = 10
	// OpcodeHeartbeatACK acknowledges a client heartbeat.
	OpcodeHeartbeatACK Opcode = 11
)

// Valid reports whether the opcode is part of the protocol.
func (o Opcode) Valid() bool {
	switch o {
	case OpcodeDispatch, OpcodeHeartbeat, OpcodeIdentify, OpcodePresenceUpdate, OpcodeResume,
		OpcodeReconnect, OpcodeInvalidSession, OpcodeHello, OpcodeHeartbeatACK:
		return true
	default:
		return false
	}
}

// ClientSendable reports whether a client may legitimately send this opcode. All other valid opcodes are
// server-to-client only and are treated as unknown when received.
func (o Opcode) ClientSendable() bool {
	switch o {
	case OpcodeHeartbeat, OpcodeIdentify, OpcodePresenceUpdate, OpcodeResume:
		return true
	default:
		return false
	}
}

func (o Opcode) String() string {
	switch o {
	case OpcodeDispatch:
		return "Dispatch"
	case OpcodeHeartbeat:
		return "Heartbeat"
	case OpcodeIdentify:
		return "Identify"
	case OpcodePresenceUpdate:
		return "PresenceUpdate"
	case OpcodeResume:
		return "Resume"
	case OpcodeReconnect:
		return "Reconnect"
	case OpcodeInvalidSession:
		return "InvalidSession"
	case OpcodeHello:
		return "Hello"
	case OpcodeHeartbeatACK:
		return "HeartbeatACK"
	default:
		return "Unknown(" + strconv.Itoa(int(o)) + ")"
	}
}
