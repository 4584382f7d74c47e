package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for index access past the end of a message.
	ErrOutOfRange = errors.New("index out of range")
	// ErrShortRead is returned when a read would run past the end of a message.
	ErrShortRead = errors.New("read past end of message")
)

// ByteOrder is the order used for every multi-byte field on the wire.
// Writers and readers always go through it, so both ends agree whatever
// the host order is.
var ByteOrder = binary.LittleEndian

// Writer appends fixed-width fields to a message in wire byte order.
type Writer struct {
	msg *Message
}

// NewWriter creates a writer appending to msg. A nil msg starts a new one.
func NewWriter(msg *Message) *Writer {
	if msg == nil {
		msg = &Message{}
	}
	return &Writer{msg: msg}
}

// Uint8 writes a single byte.
func (w *Writer) Uint8(v uint8) *Writer {
	w.msg.buf = append(w.msg.buf, v)
	return w
}

// Uint16 writes a uint16.
func (w *Writer) Uint16(v uint16) *Writer {
	w.msg.buf = ByteOrder.AppendUint16(w.msg.buf, v)
	return w
}

// Uint32 writes a uint32.
func (w *Writer) Uint32(v uint32) *Writer {
	w.msg.buf = ByteOrder.AppendUint32(w.msg.buf, v)
	return w
}

// Int32 writes an int32.
func (w *Writer) Int32(v int32) *Writer {
	w.msg.buf = ByteOrder.AppendUint32(w.msg.buf, uint32(v))
	return w
}

// Uint64 writes a uint64.
func (w *Writer) Uint64(v uint64) *Writer {
	w.msg.buf = ByteOrder.AppendUint64(w.msg.buf, v)
	return w
}

// Bytes writes raw bytes.
func (w *Writer) Bytes(data []byte) *Writer {
	w.msg.buf = append(w.msg.buf, data...)
	return w
}

// PutUint32At overwrites a uint32 at offset, used to patch length fields.
func (w *Writer) PutUint32At(offset int, v uint32) error {
	if offset < 0 || offset+4 > len(w.msg.buf) {
		return fmt.Errorf("patch at %d: %w", offset, ErrOutOfRange)
	}
	ByteOrder.PutUint32(w.msg.buf[offset:], v)
	return nil
}

// Len returns the current size of the message being written.
func (w *Writer) Len() int {
	return len(w.msg.buf)
}

// Message returns the message being written.
func (w *Writer) Message() *Message {
	return w.msg
}

// Reader consumes fixed-width fields from a message with a cursor.
// Every read fails with ErrShortRead instead of running past the end.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a reader over the bytes of msg.
func NewReader(msg *Message) *Reader {
	return &Reader{data: msg.Bytes()}
}

// NewBytesReader creates a reader over a raw byte slice.
func NewBytesReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.off, len(r.data)-r.off, ErrShortRead)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a uint16.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint16(b), nil
}

// Uint32 reads a uint32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint32(b), nil
}

// Int32 reads an int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Uint64 reads a uint64.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint64(b), nil
}

// Bytes reads n raw bytes. The result is a copy.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// String reads n bytes as a string.
func (r *Reader) String(n int) (string, error) {
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Offset returns the cursor position.
func (r *Reader) Offset() int {
	return r.off
}
