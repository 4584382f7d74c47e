package protocol

import (
	"github.com/exoengine/exocore/internal/message"
)

// Framer reassembles packets from a byte stream read in arbitrary chunks.
// It is not safe for concurrent use.
type Framer struct {
	buf []byte
}

// Feed appends a received chunk.
func (f *Framer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next returns the next complete packet, or nil when more bytes are needed.
// A declared size outside [HeaderSize, MaxPacketSize] is returned as a
// *PacketError and the buffered bytes are dropped, since the stream can no
// longer be resynchronised.
func (f *Framer) Next() (*message.Message, error) {
	if len(f.buf) < HeaderSize {
		return nil, nil
	}
	h, err := ReadHeader(f.buf)
	if err != nil {
		return nil, nil
	}
	if h.Size < HeaderSize || h.Size > MaxPacketSize {
		f.Reset()
		return nil, &PacketError{Header: h, Err: ErrInvalidSize}
	}
	if len(f.buf) < int(h.Size) {
		return nil, nil
	}

	pkt := message.FromBytes(f.buf[:h.Size])
	rest := copy(f.buf, f.buf[h.Size:])
	f.buf = f.buf[:rest]
	return pkt, nil
}

// Buffered returns the number of bytes waiting for a complete packet.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
