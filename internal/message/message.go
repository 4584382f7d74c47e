// Package message implements the growable byte buffer exchanged between
// sockets, along with the little-endian writer and bounds-checked reader
// used to build and parse packets on top of it.
package message

import (
	"bytes"
	"fmt"
)

// Message is a contiguous, owned, growable byte buffer.
// The zero value is an empty message ready to use.
type Message struct {
	buf []byte
}

// New creates a zero-filled message of the given size.
func New(size int) *Message {
	if size < 0 {
		size = 0
	}
	return &Message{buf: make([]byte, size)}
}

// FromBytes creates a message holding a copy of data.
func FromBytes(data []byte) *Message {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Message{buf: buf}
}

// FromString creates a message holding the bytes of s.
func FromString(s string) *Message {
	return &Message{buf: []byte(s)}
}

// Append appends the content of other and returns m for chaining.
func (m *Message) Append(other *Message) *Message {
	if other != nil {
		m.buf = append(m.buf, other.buf...)
	}
	return m
}

// AppendBytes appends raw bytes and returns m for chaining.
func (m *Message) AppendBytes(data []byte) *Message {
	m.buf = append(m.buf, data...)
	return m
}

// AppendString appends the bytes of s and returns m for chaining.
func (m *Message) AppendString(s string) *Message {
	m.buf = append(m.buf, s...)
	return m
}

// AppendByte appends a single byte and returns m for chaining.
func (m *Message) AppendByte(b byte) *Message {
	m.buf = append(m.buf, b)
	return m
}

// Resize grows (zero-filling) or truncates the message to n bytes.
func (m *Message) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if n <= len(m.buf) {
		m.buf = m.buf[:n]
		return
	}
	if n <= cap(m.buf) {
		old := len(m.buf)
		m.buf = m.buf[:n]
		clear(m.buf[old:])
		return
	}
	grown := make([]byte, n)
	copy(grown, m.buf)
	m.buf = grown
}

// Clear empties the message, keeping its storage.
func (m *Message) Clear() {
	m.buf = m.buf[:0]
}

// At returns the byte at index i.
func (m *Message) At(i int) (byte, error) {
	if i < 0 || i >= len(m.buf) {
		return 0, fmt.Errorf("index %d out of range [0,%d): %w", i, len(m.buf), ErrOutOfRange)
	}
	return m.buf[i], nil
}

// Set overwrites the byte at index i.
func (m *Message) Set(i int, b byte) error {
	if i < 0 || i >= len(m.buf) {
		return fmt.Errorf("index %d out of range [0,%d): %w", i, len(m.buf), ErrOutOfRange)
	}
	m.buf[i] = b
	return nil
}

// Bytes returns the underlying storage. Writes through the returned slice
// are visible in the message until the next growing operation.
func (m *Message) Bytes() []byte {
	return m.buf
}

// Size returns the number of bytes held.
func (m *Message) Size() int {
	return len(m.buf)
}

// Empty reports whether the message holds no bytes.
func (m *Message) Empty() bool {
	return len(m.buf) == 0
}

// Clone returns an independent copy of the message.
func (m *Message) Clone() *Message {
	return FromBytes(m.buf)
}

// Equal reports whether both messages hold the same bytes.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(m.buf, other.buf)
}

// String returns a hex dump of the message for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message[%d bytes]: %x", len(m.buf), m.buf)
}
