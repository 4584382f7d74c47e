package protocol

import (
	"errors"
	"fmt"

	"github.com/exoengine/exocore/internal/message"
)

var (
	// ErrInvalidType is returned for a header type outside the catalogue.
	ErrInvalidType = errors.New("invalid packet type")
	// ErrInvalidSize is returned when a declared size does not match the data.
	ErrInvalidSize = errors.New("invalid packet size")
	// ErrShortPacket is returned when fewer bytes arrived than declared.
	// It wraps ErrInvalidSize.
	ErrShortPacket = fmt.Errorf("short packet: %w", ErrInvalidSize)
)

// PacketError describes a rejected inbound packet with enough context to
// build the error reply.
type PacketError struct {
	Header Header
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("packet %s (size %d): %v", e.Header.Type, e.Header.Size, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}

// Reply returns the error packet answering the rejected packet.
func (e *PacketError) Reply() Payload {
	if errors.Is(e.Err, ErrInvalidType) {
		return InvalidPacketType{Offending: e.Header.Type}
	}
	return InvalidPacketSize{Offending: e.Header.Type, Size: e.Header.Size}
}

// ReadHeader reads a header from the start of data.
func ReadHeader(data []byte) (Header, error) {
	r := message.NewBytesReader(data)
	t, err := r.Int32()
	if err != nil {
		return Header{}, fmt.Errorf("read header: %w", ErrShortPacket)
	}
	size, err := r.Uint32()
	if err != nil {
		return Header{Type: Type(t)}, fmt.Errorf("read header: %w", ErrShortPacket)
	}
	return Header{Type: Type(t), Size: size}, nil
}

// Decode validates and parses one complete packet. The declared size must
// equal the message size and be checked before any payload field is read.
// Failures are returned as *PacketError.
func Decode(m *message.Message) (Header, Payload, error) {
	data := m.Bytes()

	h, err := ReadHeader(data)
	if err != nil {
		return h, nil, &PacketError{Header: h, Err: ErrShortPacket}
	}
	if h.Size < HeaderSize || h.Size > MaxPacketSize {
		return h, nil, &PacketError{Header: h, Err: ErrInvalidSize}
	}
	if int(h.Size) > len(data) {
		return h, nil, &PacketError{Header: h, Err: ErrShortPacket}
	}
	if int(h.Size) < len(data) {
		return h, nil, &PacketError{Header: h, Err: fmt.Errorf("%d trailing bytes: %w", len(data)-int(h.Size), ErrInvalidSize)}
	}

	p := newPayload(h.Type)
	if p == nil {
		return h, nil, &PacketError{Header: h, Err: ErrInvalidType}
	}

	r := message.NewBytesReader(data[HeaderSize:h.Size])
	if err := p.decode(r); err != nil {
		return h, nil, &PacketError{Header: h, Err: fmt.Errorf("%v: %w", err, ErrShortPacket)}
	}
	if r.Remaining() != 0 {
		return h, nil, &PacketError{Header: h, Err: fmt.Errorf("%d unread payload bytes: %w", r.Remaining(), ErrInvalidSize)}
	}
	return h, p, nil
}

func readString(r *message.Reader) (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	if int(n) > r.Remaining() {
		return "", fmt.Errorf("string of %d bytes: %w", n, message.ErrShortRead)
	}
	return r.String(int(n))
}

func readBlob(r *message.Reader) ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Remaining() {
		return nil, fmt.Errorf("blob of %d bytes: %w", n, message.ErrShortRead)
	}
	return r.Bytes(int(n))
}

func (p *InvalidPacketType) decode(r *message.Reader) error {
	t, err := r.Int32()
	p.Offending = Type(t)
	return err
}

func (p *InvalidPacketSize) decode(r *message.Reader) error {
	t, err := r.Int32()
	if err != nil {
		return err
	}
	p.Offending = Type(t)
	p.Size, err = r.Uint32()
	return err
}

func (p *InvalidState) decode(r *message.Reader) error {
	t, err := r.Int32()
	if err != nil {
		return err
	}
	s, err := r.Int32()
	p.Offending, p.State = Type(t), State(s)
	return err
}

func (*DiscoverRequest) decode(*message.Reader) error { return nil }

func (p *ServerProperties) decode(r *message.Reader) error {
	var err error
	if p.Version, err = r.Uint32(); err != nil {
		return err
	}
	if p.Clients, err = r.Uint32(); err != nil {
		return err
	}
	if p.ClientsMax, err = r.Uint32(); err != nil {
		return err
	}
	p.Name, err = readString(r)
	return err
}

func (p *ConnectRequest) decode(r *message.Reader) error {
	var err error
	if p.Version, err = r.Uint32(); err != nil {
		return err
	}
	p.PublicKey, err = readString(r)
	return err
}

func (p *IncompatibleVersion) decode(r *message.Reader) error {
	var err error
	p.Version, err = r.Uint32()
	return err
}

func (p *ServerFull) decode(r *message.Reader) error {
	var err error
	p.ClientsMax, err = r.Uint32()
	return err
}

func (*InvalidRsaKey) decode(*message.Reader) error { return nil }

func (p *AuthRequest) decode(r *message.Reader) error {
	var err error
	p.Data, err = readBlob(r)
	return err
}

func (p *Auth) decode(r *message.Reader) error {
	var err error
	p.Data, err = readBlob(r)
	return err
}

func (*ConnexionAccepted) decode(*message.Reader) error { return nil }

func (p *ConnexionRefused) decode(r *message.Reader) error {
	v, err := r.Int32()
	p.Reason = RefuseReason(v)
	return err
}

func (p *GlobalMessage) decode(r *message.Reader) error {
	nameLen, err := r.Uint32()
	if err != nil {
		return err
	}
	textLen, err := r.Uint32()
	if err != nil {
		return err
	}
	if uint64(nameLen)+uint64(textLen) > uint64(r.Remaining()) {
		return fmt.Errorf("message of %d+%d bytes: %w", nameLen, textLen, message.ErrShortRead)
	}
	if p.Name, err = r.String(int(nameLen)); err != nil {
		return err
	}
	p.Text, err = r.String(int(textLen))
	return err
}

func (*Disconnect) decode(*message.Reader) error { return nil }

// ParseChallenge decodes the plaintext of AuthRequest.Data.
func ParseChallenge(data []byte) (Challenge, error) {
	var c Challenge
	r := message.NewBytesReader(data)
	token, err := r.Bytes(TokenSize)
	if err != nil {
		return c, fmt.Errorf("parse challenge: %w", err)
	}
	copy(c.Token[:], token)
	if c.ServerKey, err = readString(r); err != nil {
		return c, fmt.Errorf("parse challenge: %w", err)
	}
	return c, nil
}

// ParseResponse decodes the plaintext of Auth.Data.
func ParseResponse(data []byte) (Response, error) {
	var resp Response
	r := message.NewBytesReader(data)
	token, err := r.Bytes(TokenSize)
	if err != nil {
		return resp, fmt.Errorf("parse response: %w", err)
	}
	copy(resp.Token[:], token)
	if resp.Name, err = readString(r); err != nil {
		return resp, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}
