// Package relay implements a WebSocket hub mapping (user_id, device_id)
// to a live desktop connection, with resumable sessions: a multi-tenant,
// multi-device hub keyed by user and device, where a dropped client can
// reclaim its session with a resume token instead of starting over.
package relay

import "encoding/json"

// MessageType tags the envelope carried over the device-link WebSocket.
type MessageType string

const (
	// MessageTypeRegister is sent by the desktop on connect to claim a device id.
	MessageTypeRegister MessageType = "register"

	// MessageTypeRegistered is the hub's acknowledgement of a register.
	MessageTypeRegistered MessageType = "registered"

	// MessageTypeRelay carries a remote client's RPC request to the desktop.
	MessageTypeRelay MessageType = "relay"

	// MessageTypeRelayResponse carries the desktop's RPC response back to the hub.
	MessageTypeRelayResponse MessageType = "relay_response"

	// MessageTypeEvent carries an unsolicited desktop-originated event.
	MessageTypeEvent MessageType = "event"

	// MessageTypePing is a heartbeat sent by the hub to the desktop.
	MessageTypePing MessageType = "ping"

	// MessageTypePong is the desktop's heartbeat reply.
	MessageTypePong MessageType = "pong"
)

// Envelope is the text-framed JSON message exchanged over the device-link
// WebSocket. The tag field is "type"; the remaining fields are populated
// according to which MessageType is set.
type Envelope struct {
	Type MessageType `json:"type"`

	// DeviceID and DeviceName are set on MessageTypeRegister.
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`

	// SessionID and ResumeToken are set on MessageTypeRegistered (hub -> desktop)
	// and may be presented by the desktop on a subsequent MessageTypeRegister
	// to resume a prior session instead of starting a fresh one.
	SessionID   string `json:"session_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`

	// ClientID identifies the remote client a relay/relay_response pairs with.
	ClientID string `json:"client_id,omitempty"`

	// Request carries the RPC call being relayed to the desktop.
	Request *RPCRequest `json:"request,omitempty"`

	// Response carries the desktop's RPC result back to the originating client.
	Response json.RawMessage `json:"response,omitempty"`

	// EventType and Payload are set on MessageTypeEvent.
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RPCRequest is the method call forwarded to the desktop over a relay envelope.
type RPCRequest struct {
	CorrelationID string          `json:"correlationId"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// Marshal encodes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes a text frame into an Envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
