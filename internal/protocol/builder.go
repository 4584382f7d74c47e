package protocol

import (
	"fmt"

	"github.com/exoengine/exocore/internal/message"
)

// Encode serialises p behind a header whose size covers the whole packet.
func Encode(p Payload) (*message.Message, error) {
	w := message.NewWriter(message.New(0))
	w.Int32(int32(p.Type())).Uint32(0)
	p.encode(w)

	size := w.Len()
	if size > MaxPacketSize {
		return nil, fmt.Errorf("encode %s: %d bytes exceeds %d: %w", p.Type(), size, MaxPacketSize, ErrInvalidSize)
	}
	if err := w.PutUint32At(4, uint32(size)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return w.Message(), nil
}

// EncodeHeader writes a bare header. Used to build raw packets in tests and
// tooling; regular traffic goes through Encode.
func EncodeHeader(h Header) *message.Message {
	return message.NewWriter(nil).Int32(int32(h.Type)).Uint32(h.Size).Message()
}

func (p InvalidPacketType) encode(w *message.Writer) {
	w.Int32(int32(p.Offending))
}

func (p InvalidPacketSize) encode(w *message.Writer) {
	w.Int32(int32(p.Offending)).Uint32(p.Size)
}

func (p InvalidState) encode(w *message.Writer) {
	w.Int32(int32(p.Offending)).Int32(int32(p.State))
}

func (DiscoverRequest) encode(*message.Writer) {}

func (p ServerProperties) encode(w *message.Writer) {
	w.Uint32(p.Version).
		Uint32(p.Clients).
		Uint32(p.ClientsMax).
		Uint32(uint32(len(p.Name))).
		Bytes([]byte(p.Name))
}

func (p ConnectRequest) encode(w *message.Writer) {
	w.Uint32(p.Version).
		Uint32(uint32(len(p.PublicKey))).
		Bytes([]byte(p.PublicKey))
}

func (p IncompatibleVersion) encode(w *message.Writer) {
	w.Uint32(p.Version)
}

func (p ServerFull) encode(w *message.Writer) {
	w.Uint32(p.ClientsMax)
}

func (InvalidRsaKey) encode(*message.Writer) {}

func (p AuthRequest) encode(w *message.Writer) {
	w.Uint32(uint32(len(p.Data))).Bytes(p.Data)
}

func (p Auth) encode(w *message.Writer) {
	w.Uint32(uint32(len(p.Data))).Bytes(p.Data)
}

func (ConnexionAccepted) encode(*message.Writer) {}

func (p ConnexionRefused) encode(w *message.Writer) {
	w.Int32(int32(p.Reason))
}

func (p GlobalMessage) encode(w *message.Writer) {
	w.Uint32(uint32(len(p.Name))).
		Uint32(uint32(len(p.Text))).
		Bytes([]byte(p.Name)).
		Bytes([]byte(p.Text))
}

func (Disconnect) encode(*message.Writer) {}

// Challenge is the plaintext sealed inside AuthRequest.Data.
type Challenge struct {
	Token     Token
	ServerKey string
}

// Bytes serialises the challenge.
func (c Challenge) Bytes() []byte {
	return message.NewWriter(nil).
		Bytes(c.Token[:]).
		Uint32(uint32(len(c.ServerKey))).
		Bytes([]byte(c.ServerKey)).
		Message().Bytes()
}

// Response is the plaintext sealed inside Auth.Data.
type Response struct {
	Token Token
	Name  string
}

// Bytes serialises the response.
func (r Response) Bytes() []byte {
	return message.NewWriter(nil).
		Bytes(r.Token[:]).
		Uint32(uint32(len(r.Name))).
		Bytes([]byte(r.Name)).
		Message().Bytes()
}
