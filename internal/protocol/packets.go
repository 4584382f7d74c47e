// Package protocol implements the binary packet catalogue exchanged between
// exocore peers: the 8-byte header, the fixed-layout payloads, the codec that
// validates declared sizes, the stream framer and the connection state
// machine. All multi-byte fields are little-endian.
package protocol

import (
	"fmt"

	"github.com/exoengine/exocore/internal/message"
)

// Type identifies a packet. It is the first header field on the wire.
type Type int32

// Packet types. The numeric values are part of the wire format.
const (
	TypeInvalidPacketType Type = iota
	TypeInvalidPacketSize
	TypeInvalidState
	TypeDiscoverRequest
	TypeServerProperties
	TypeConnectRequest
	TypeIncompatibleVersion
	TypeServerFull
	TypeInvalidRsaKey
	TypeAuthRequest
	TypeAuth
	TypeConnexionAccepted
	TypeConnexionRefused
	TypeGlobalMessage
	TypeDisconnect
)

var typeNames = map[Type]string{
	TypeInvalidPacketType:   "INVALID_PACKET_TYPE",
	TypeInvalidPacketSize:   "INVALID_PACKET_SIZE",
	TypeInvalidState:        "INVALID_STATE",
	TypeDiscoverRequest:     "DISCOVER_REQUEST",
	TypeServerProperties:    "SERVER_PROPERTIES",
	TypeConnectRequest:      "CONNECT_REQUEST",
	TypeIncompatibleVersion: "INCOMPATIBLE_VERSION",
	TypeServerFull:          "SERVER_FULL",
	TypeInvalidRsaKey:       "INVALID_RSA_KEY",
	TypeAuthRequest:         "AUTH_REQUEST",
	TypeAuth:                "AUTH",
	TypeConnexionAccepted:   "CONNEXION_ACCEPTED",
	TypeConnexionRefused:    "CONNEXION_REFUSED",
	TypeGlobalMessage:       "GLOBAL_MESSAGE",
	TypeDisconnect:          "DISCONNECT",
}

// String returns the catalogue name of t, or UNKNOWN(n).
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// Known reports whether t is part of the catalogue.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// IsError reports whether t is one of the protocol error replies.
// Error replies are accepted in every state and never answered.
func (t Type) IsError() bool {
	return t == TypeInvalidPacketType || t == TypeInvalidPacketSize || t == TypeInvalidState
}

// Types returns every catalogue type in wire order.
func Types() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := TypeInvalidPacketType; t <= TypeDisconnect; t++ {
		out = append(out, t)
	}
	return out
}

// State is the connection state of a peer as seen from the local end.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

var stateNames = map[State]string{
	StateDisconnected:  "DISCONNECTED",
	StateConnecting:    "CONNECTING",
	StateConnected:     "CONNECTED",
	StateDisconnecting: "DISCONNECTING",
}

// String returns the state name, or UNKNOWN(n).
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// States returns every state in declaration order.
func States() []State {
	return []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting}
}

// RefuseReason explains a CONNEXION_REFUSED reply.
type RefuseReason int32

// Refusal reasons.
const (
	RefusedInvalidToken RefuseReason = iota
	RefusedInvalidName
	RefusedNameTaken
)

// String returns the reason name.
func (r RefuseReason) String() string {
	switch r {
	case RefusedInvalidToken:
		return "INVALID_TOKEN"
	case RefusedInvalidName:
		return "INVALID_NAME"
	case RefusedNameTaken:
		return "NAME_TAKEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(r))
	}
}

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 8
	// MaxPacketSize bounds the declared size of any packet.
	MaxPacketSize = 8192
	// TokenSize is the length of the handshake challenge token.
	TokenSize = 8
	// MaxNameLength bounds player names carried by AUTH.
	MaxNameLength = 32
)

// Header prefixes every packet. Size counts the header itself.
type Header struct {
	Type Type
	Size uint32
}

// Token is the random challenge issued in AUTH_REQUEST and echoed in AUTH.
type Token [TokenSize]byte

// Payload is a typed packet body.
type Payload interface {
	// Type returns the packet type the payload is sent under.
	Type() Type
	encode(w *message.Writer)
}

type decodable interface {
	Payload
	decode(r *message.Reader) error
}

// InvalidPacketType answers a packet whose type is not in the catalogue.
type InvalidPacketType struct {
	Offending Type
}

// InvalidPacketSize answers a packet whose declared size is wrong.
type InvalidPacketSize struct {
	Offending Type
	Size      uint32
}

// InvalidState answers a packet that is not valid in the current state.
type InvalidState struct {
	Offending Type
	State     State
}

// DiscoverRequest asks a server for its properties.
type DiscoverRequest struct{}

// ServerProperties answers DiscoverRequest.
type ServerProperties struct {
	Version    uint32
	Clients    uint32
	ClientsMax uint32
	Name       string
}

// ConnectRequest opens the handshake and carries the client public key.
type ConnectRequest struct {
	Version   uint32
	PublicKey string
}

// IncompatibleVersion rejects a ConnectRequest with the server version.
type IncompatibleVersion struct {
	Version uint32
}

// ServerFull rejects a ConnectRequest when no slot is left.
type ServerFull struct {
	ClientsMax uint32
}

// InvalidRsaKey rejects a ConnectRequest whose key can not be parsed.
type InvalidRsaKey struct{}

// AuthRequest carries a Challenge encrypted under the client key.
type AuthRequest struct {
	Data []byte
}

// Auth carries a Response encrypted under the server key.
type Auth struct {
	Data []byte
}

// ConnexionAccepted completes the handshake.
type ConnexionAccepted struct{}

// ConnexionRefused ends the handshake with a reason.
type ConnexionRefused struct {
	Reason RefuseReason
}

// GlobalMessage is a chat line broadcast to every connected peer.
// Name is filled in by the server when relaying.
type GlobalMessage struct {
	Name string
	Text string
}

// Disconnect announces an orderly disconnect.
type Disconnect struct{}

func (InvalidPacketType) Type() Type { return TypeInvalidPacketType }
func (InvalidPacketSize) Type() Type { return TypeInvalidPacketSize }
func (InvalidState) Type() Type { return TypeInvalidState }
func (DiscoverRequest) Type() Type { return TypeDiscoverRequest }
func (ServerProperties) Type() Type { return TypeServerProperties }
func (ConnectRequest) Type() Type { return TypeConnectRequest }
func (IncompatibleVersion) Type() Type { return TypeIncompatibleVersion }
func (ServerFull) Type() Type { return TypeServerFull }
func (InvalidRsaKey) Type() Type { return TypeInvalidRsaKey }
func (AuthRequest) Type() Type { return TypeAuthRequest }
func (Auth) Type() Type { return TypeAuth }
func (ConnexionAccepted) Type() Type { return TypeConnexionAccepted }
func (ConnexionRefused) Type() Type { return TypeConnexionRefused }
func (GlobalMessage) Type() Type { return TypeGlobalMessage }
func (Disconnect) Type() Type { return TypeDisconnect }

// newPayload returns an empty payload for t, or nil if t is unknown.
func newPayload(t Type) decodable {
	switch t {
	case TypeInvalidPacketType:
		return &InvalidPacketType{}
	case TypeInvalidPacketSize:
		return &InvalidPacketSize{}
	case TypeInvalidState:
		return &InvalidState{}
	case TypeDiscoverRequest:
		return &DiscoverRequest{}
	case TypeServerProperties:
		return &ServerProperties{}
	case TypeConnectRequest:
		return &ConnectRequest{}
	case TypeIncompatibleVersion:
		return &IncompatibleVersion{}
	case TypeServerFull:
		return &ServerFull{}
	case TypeInvalidRsaKey:
		return &InvalidRsaKey{}
	case TypeAuthRequest:
		return &AuthRequest{}
	case TypeAuth:
		return &Auth{}
	case TypeConnexionAccepted:
		return &ConnexionAccepted{}
	case TypeConnexionRefused:
		return &ConnexionRefused{}
	case TypeGlobalMessage:
		return &GlobalMessage{}
	case TypeDisconnect:
		return &Disconnect{}
	default:
		return nil
	}
}
