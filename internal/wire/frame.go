package wire

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm"
)

// Header is the 12-byte frame header shared by request, response, and
// status frames (spec §3, §6): cmd, seq, len, each a little-endian int32.
type Header struct {
	Cmd mdpm.Command
	Seq int32
	Len int32
}

// StatusSeq is the reserved sequence number marking a status frame (spec
// §3, §4.7).
const StatusSeq int32 = -1

// WriteHeader writes h's three fields to w.
func WriteHeader(w io.Writer, h Header) error {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Cmd))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Seq))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Len))
	_, err := w.Write(b[:])
	return err
}

// ReadHeader reads a 12-byte frame header from r. A short read is reported
// as an error (the caller translates this into the protocol-failure
// handling of spec §7).
func ReadHeader(r io.Reader) (Header, error) {
	var b [12]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, xerrors.Errorf("reading frame header: %w", err)
	}
	return Header{
		Cmd: mdpm.Command(binary.LittleEndian.Uint32(b[0:4])),
		Seq: int32(binary.LittleEndian.Uint32(b[4:8])),
		Len: int32(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// WriteFrame writes a complete header+payload frame to w.
func WriteFrame(w io.Writer, cmd mdpm.Command, seq int32, payload []byte) error {
	if err := WriteHeader(w, Header{Cmd: cmd, Seq: seq, Len: int32(len(payload))}); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a complete header+payload frame from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Len == 0 {
		return h, nil, nil
	}
	if h.Len < 0 {
		return Header{}, nil, xerrors.Errorf("reading frame payload: negative length %d", h.Len)
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, xerrors.Errorf("reading frame payload: %w", err)
	}
	return h, payload, nil
}

// StatusPayload is the three-integer body of a status frame (spec §3).
type StatusPayload struct {
	Op      mdpm.OperationKind
	Already int32
	Total   int32
}

// EncodeStatusPayload encodes a status frame's payload.
func EncodeStatusPayload(p StatusPayload) []byte {
	e := NewEncoder()
	e.EncodeInt32(int32(p.Op))
	e.EncodeInt32(p.Already)
	e.EncodeInt32(p.Total)
	return e.Bytes()
}

// DecodeStatusPayload decodes a status frame's payload.
func DecodeStatusPayload(payload []byte) (StatusPayload, error) {
	d := NewDecoder(payload)
	p := StatusPayload{
		Op:      mdpm.OperationKind(d.DecodeInt32()),
		Already: d.DecodeInt32(),
		Total:   d.DecodeInt32(),
	}
	if d.Corrupted() {
		return StatusPayload{}, xerrors.Errorf("corrupted status payload")
	}
	return p, nil
}
