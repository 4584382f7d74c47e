package protocol

var accepted = map[State]map[Type]bool{
	StateDisconnected: {
		TypeDiscoverRequest:  true,
		TypeServerProperties: true,
		TypeConnectRequest:   true,
	},
	StateConnecting: {
		TypeIncompatibleVersion: true,
		TypeServerFull:          true,
		TypeInvalidRsaKey:       true,
		TypeAuthRequest:         true,
		TypeAuth:                true,
		TypeConnexionAccepted:   true,
		TypeConnexionRefused:    true,
	},
	StateConnected: {
		TypeDiscoverRequest:  true,
		TypeServerProperties: true,
		TypeGlobalMessage:    true,
		TypeDisconnect:       true,
	},
	StateDisconnecting: {
		TypeDisconnect: true,
	},
}

// Accepts reports whether a packet of type t may be received in state s.
// Error replies are accepted everywhere.
func Accepts(s State, t Type) bool {
	if t.IsError() {
		return true
	}
	return accepted[s][t]
}

type transition struct {
	from State
	typ  Type
}

// Transitions are symmetric: sending or receiving the same packet moves the
// local view of the peer the same way.
var transitions = map[transition]State{
	{StateDisconnected, TypeConnectRequest}:    StateConnecting,
	{StateConnecting, TypeConnexionAccepted}:   StateConnected,
	{StateConnecting, TypeConnexionRefused}:    StateDisconnected,
	{StateConnecting, TypeIncompatibleVersion}: StateDisconnected,
	{StateConnecting, TypeServerFull}:          StateDisconnected,
	{StateConnecting, TypeInvalidRsaKey}:       StateDisconnected,
	{StateConnected, TypeDisconnect}:           StateDisconnecting,
}

// Next returns the state reached from s once a packet of type t has been
// sent or received. Packets that do not drive the state machine leave s as is.
func Next(s State, t Type) State {
	if next, ok := transitions[transition{s, t}]; ok {
		return next
	}
	return s
}

// Role is the side of a session a Machine runs on.
type Role int

const (
	// RoleAny checks the state table only.
	RoleAny Role = iota
	RoleServer
	RoleClient
)

var inbound = map[Role]map[Type]bool{
	RoleServer: {
		TypeDiscoverRequest: true,
		TypeConnectRequest:  true,
		TypeAuth:            true,
		TypeGlobalMessage:   true,
		TypeDisconnect:      true,
	},
	RoleClient: {
		TypeServerProperties:    true,
		TypeIncompatibleVersion: true,
		TypeServerFull:          true,
		TypeInvalidRsaKey:       true,
		TypeAuthRequest:         true,
		TypeConnexionAccepted:   true,
		TypeConnexionRefused:    true,
		TypeGlobalMessage:       true,
		TypeDisconnect:          true,
	},
}

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "any"
	}
}

// Receives reports whether a packet of type t may travel towards r.
func (r Role) Receives(t Type) bool {
	if r == RoleAny || t.IsError() {
		return true
	}
	return inbound[r][t]
}

// Machine tracks the state of one peer. It is not safe for concurrent use.
//
// A Machine with a role also orders the handshake inside CONNECTING: the
// challenge must precede the answer, and the verdict must follow it.
type Machine struct {
	role       Role
	state      State
	challenged bool
	answered   bool
}

// NewMachine returns a disconnected machine for role.
func NewMachine(role Role) Machine {
	return Machine{role: role}
}

// Role returns the side the machine runs on.
func (m *Machine) Role() Role {
	return m.role
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Receive validates an inbound packet type. When it is not accepted in the
// current state, or only ever travels away from the machine's role, the
// returned reply must be sent back and the state is left untouched.
func (m *Machine) Receive(t Type) (Payload, bool) {
	if !m.accepts(t) {
		return InvalidState{Offending: t, State: m.state}, false
	}
	m.advance(t)
	return nil, true
}

// Send records an outbound packet type.
func (m *Machine) Send(t Type) {
	m.advance(t)
}

// Close records a transport close.
func (m *Machine) Close() {
	m.state = StateDisconnected
	m.challenged, m.answered = false, false
}

func (m *Machine) accepts(t Type) bool {
	if !Accepts(m.state, t) || !m.role.Receives(t) {
		return false
	}
	if m.role == RoleAny || m.state != StateConnecting {
		return true
	}
	switch t {
	case TypeIncompatibleVersion, TypeServerFull, TypeInvalidRsaKey, TypeAuthRequest:
		return !m.challenged
	case TypeAuth:
		return m.challenged && !m.answered
	case TypeConnexionAccepted, TypeConnexionRefused:
		return m.answered
	}
	return true
}

func (m *Machine) advance(t Type) {
	switch t {
	case TypeAuthRequest:
		m.challenged = true
	case TypeAuth:
		m.answered = true
	}
	m.state = Next(m.state, t)
	if m.state != StateConnecting {
		m.challenged, m.answered = false, false
	}
}
