// Package wire implements the length-prefixed binary codec carried over
// the four pipes described in spec §4.1/§4.2: fixed-width int32/int64,
// nullable length-prefixed strings, opaque byte blocks, and recursively
// encoded structured trees (internal/tree).
//
// It is the Go rendering of the Hildon Application Manager's
// apt_proto_encoder/apt_proto_decoder (original_source/src/apt-worker-proto.h).
package wire

import (
	"encoding/binary"
	"io/ioutil"

	"github.com/orcaman/writerseeker"

	"github.com/distr1/mdpm/internal/tree"
)

// nullLength is written in place of a string's length to mark it absent
// (as opposed to present-but-empty).
const nullLength = -1

// Encoder appends values to a growable in-memory buffer. The zero value is
// not usable; use NewEncoder.
type Encoder struct {
	buf *writerseeker.WriterSeeker
}

// NewEncoder returns a ready-to-use Encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: &writerseeker.WriterSeeker{}}
}

// Reset clears the encoder's buffer so it can be reused.
func (e *Encoder) Reset() {
	e.buf = &writerseeker.WriterSeeker{}
}

// Bytes returns the bytes encoded so far.
func (e *Encoder) Bytes() []byte {
	r, err := e.buf.BytesReader()
	if err != nil {
		return nil
	}
	b, _ := ioutil.ReadAll(r)
	return b
}

func (e *Encoder) write(p []byte) {
	// writerseeker.WriterSeeker.Write never returns an error.
	e.buf.Write(p)
}

// EncodeInt32 appends a little-endian signed 32-bit integer.
func (e *Encoder) EncodeInt32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.write(b[:])
}

// EncodeInt64 appends a little-endian signed 64-bit integer.
func (e *Encoder) EncodeInt64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	e.write(b[:])
}

// EncodeBytes appends a length-prefixed opaque byte block.
func (e *Encoder) EncodeBytes(p []byte) {
	e.EncodeInt32(int32(len(p)))
	e.write(p)
}

// EncodeString appends a nullable, length-prefixed UTF-8 string. A nil
// *string encodes length -1 ("absent"); a non-nil empty string encodes
// length 0 ("present but empty"). No trailing NUL is written.
func (e *Encoder) EncodeString(s *string) {
	if s == nil {
		e.EncodeInt32(nullLength)
		return
	}
	e.EncodeInt32(int32(len(*s)))
	e.write([]byte(*s))
}

// EncodeStr is a convenience wrapper for EncodeString(&s).
func (e *Encoder) EncodeStr(s string) { e.EncodeString(&s) }

// EncodeTree serializes a structured tree depth-first: tag, then a
// four-byte int32 shape discriminant (0 = empty, 1 = text, 2 = list), then the
// body. A nil tree encodes as a single null-string tag.
func (e *Encoder) EncodeTree(n *tree.Node) {
	if n == nil {
		e.EncodeString(nil)
		return
	}
	e.EncodeStr(n.Tag)
	switch {
	case n.IsEmpty():
		e.EncodeInt32(0)
	case n.IsList():
		e.EncodeInt32(2)
		e.EncodeInt32(int32(len(n.Children)))
		for _, c := range n.Children {
			e.EncodeTree(c)
		}
	default:
		e.EncodeInt32(1)
		e.EncodeStr(n.Text)
	}
}

// Decoder reads values out of a fixed, non-owning byte slice. On any short
// read or malformed length it enters the sticky "corrupted" state; further
// reads return zero values without consuming input (spec §4.1).
type Decoder struct {
	buf       []byte
	pos       int
	corrupted bool
}

// NewDecoder returns a Decoder reading from buf. buf is not copied; it must
// remain valid and unmodified for the Decoder's lifetime.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Reset rebinds the decoder to a new buffer and clears corruption.
func (d *Decoder) Reset(buf []byte) {
	d.buf = buf
	d.pos = 0
	d.corrupted = false
}

// Corrupted reports whether a short read or malformed length has been
// observed. Once true, it never becomes false again until Reset.
func (d *Decoder) Corrupted() bool { return d.corrupted }

// AtEnd reports whether the cursor is exactly at the end of the buffer.
// A cursor past the end implies Corrupted.
func (d *Decoder) AtEnd() bool { return !d.corrupted && d.pos == len(d.buf) }

func (d *Decoder) take(n int) []byte {
	if d.corrupted || n < 0 || d.pos+n > len(d.buf) {
		d.corrupted = true
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

// DecodeInt32 reads a little-endian signed 32-bit integer, or 0 on
// corruption.
func (d *Decoder) DecodeInt32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// DecodeInt64 reads a little-endian signed 64-bit integer, or 0 on
// corruption.
func (d *Decoder) DecodeInt64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// DecodeBytes reads a length-prefixed opaque byte block, or nil on
// corruption.
func (d *Decoder) DecodeBytes() []byte {
	n := d.DecodeInt32()
	if d.corrupted {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// DecodeStringBorrowed reads a nullable length-prefixed string, returning a
// slice into the decoder's backing buffer valid only until Reset. It
// returns (nil, true) for an absent string, (s, false) for a present one.
func (d *Decoder) DecodeStringBorrowed() (s []byte, isNull bool) {
	n := d.DecodeInt32()
	if d.corrupted {
		return nil, true
	}
	if n == nullLength {
		return nil, true
	}
	b := d.take(int(n))
	if b == nil {
		return nil, true
	}
	return b, false
}

// DecodeStringOwned is DecodeStringBorrowed but returns an owned, nullable
// *string.
func (d *Decoder) DecodeStringOwned() *string {
	b, isNull := d.DecodeStringBorrowed()
	if isNull {
		return nil
	}
	s := string(b)
	return &s
}

// DecodeStr decodes a string, treating an absent value the same as empty.
func (d *Decoder) DecodeStr() string {
	s := d.DecodeStringOwned()
	if s == nil {
		return ""
	}
	return *s
}

// DecodeTree reads a structured tree written by Encoder.EncodeTree, or nil
// on corruption or an encoded-null tree.
func (d *Decoder) DecodeTree() *tree.Node {
	tag := d.DecodeStringOwned()
	if d.corrupted || tag == nil {
		return nil
	}
	shape := d.DecodeInt32()
	if d.corrupted {
		return nil
	}
	switch shape {
	case 0:
		return &tree.Node{Tag: *tag}
	case 1:
		return &tree.Node{Tag: *tag, Text: d.DecodeStr()}
	case 2:
		n := d.DecodeInt32()
		if d.corrupted || n < 0 {
			d.corrupted = true
			return nil
		}
		children := make([]*tree.Node, 0, n)
		for i := int32(0); i < n; i++ {
			c := d.DecodeTree()
			if d.corrupted {
				return nil
			}
			children = append(children, c)
		}
		return &tree.Node{Tag: *tag, Children: children}
	default:
		d.corrupted = true
		return nil
	}
}
