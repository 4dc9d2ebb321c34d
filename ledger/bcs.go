package ledger

import (
	"bytes"
	"encoding/binary"
)

// Serializer writes Binary Canonical Serialization, the deterministic
// encoding the ledger signs and executes.
type Serializer struct {
	buf bytes.Buffer
}

// Marshaler is implemented by every type that has a BCS encoding.
type Marshaler interface {
	MarshalBCS(s *Serializer)
}

// Serialize returns the BCS encoding of m.
func Serialize(m Marshaler) []byte {
	var s Serializer
	m.MarshalBCS(&s)
	return s.Bytes()
}

func (s *Serializer) Bytes() []byte {
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

func (s *Serializer) U8(v uint8) {
	s.buf.WriteByte(v)
}

func (s *Serializer) Bool(v bool) {
	if v {
		s.U8(1)
		return
	}
	s.U8(0)
}

func (s *Serializer) U16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	s.buf.Write(b[:])
}

func (s *Serializer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.buf.Write(b[:])
}

func (s *Serializer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.buf.Write(b[:])
}

// Uleb128 writes a variable-length length or enum tag.
func (s *Serializer) Uleb128(v uint32) {
	for v >= 0x80 {
		s.buf.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
	s.buf.WriteByte(byte(v))
}

// FixedBytes writes b without a length prefix.
func (s *Serializer) FixedBytes(b []byte) {
	s.buf.Write(b)
}

// WriteBytes writes a length-prefixed byte vector.
func (s *Serializer) WriteBytes(b []byte) {
	s.Uleb128(uint32(len(b)))
	s.buf.Write(b)
}

func (s *Serializer) Str(v string) {
	s.WriteBytes([]byte(v))
}

// Struct writes a nested value.
func (s *Serializer) Struct(m Marshaler) {
	m.MarshalBCS(s)
}
