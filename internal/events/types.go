// Package events defines the session events published on the EventBus and
// consumed by the audit log, telemetry and metrics.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Socket lifecycle
	EventSocketBound   EventType = "socket_bound"
	EventSocketUnbound EventType = "socket_unbound"

	// Transport-level peers
	EventPeerAdded   EventType = "peer_added"
	EventPeerRemoved EventType = "peer_removed"

	// Handshake outcomes
	EventHandshakeAccepted EventType = "handshake_accepted"
	EventHandshakeRefused  EventType = "handshake_refused"

	// Session traffic
	EventGlobalMessage EventType = "global_message"
	EventProtocolError EventType = "protocol_error"

	// System
	EventShutdown EventType = "shutdown"
)

// AllEventTypes lists every event type, for subscribers that want them all.
var AllEventTypes = []EventType{
	EventSocketBound,
	EventSocketUnbound,
	EventPeerAdded,
	EventPeerRemoved,
	EventHandshakeAccepted,
	EventHandshakeRefused,
	EventGlobalMessage,
	EventProtocolError,
	EventShutdown,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// SocketPayload describes a bound or unbound socket.
type SocketPayload struct {
	Transport string `json:"transport"`
	Port      uint16 `json:"port"`
}

// PeerPayload describes a transport-level peer.
type PeerPayload struct {
	ClientID  string `json:"client_id"`
	Address   string `json:"address"`
	Transport string `json:"transport"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state"`
}

// HandshakePayload describes the outcome of a handshake.
type HandshakePayload struct {
	ClientID string `json:"client_id"`
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// ChatPayload is a relayed global message.
type ChatPayload struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ProtocolErrorPayload describes a packet answered with an error reply.
type ProtocolErrorPayload struct {
	ClientID string `json:"client_id"`
	Address  string `json:"address"`
	Packet   string `json:"packet"`
	Reply    string `json:"reply"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
}
