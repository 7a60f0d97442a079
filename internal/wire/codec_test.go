package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/mdpm/internal/tree"
)

func TestEncodeDecodeScalars(t *testing.T) {
	e := NewEncoder()
	e.EncodeInt32(-42)
	e.EncodeInt64(1 << 40)
	e.EncodeBytes([]byte("hello"))
	e.EncodeStr("world")
	e.EncodeString(nil)

	d := NewDecoder(e.Bytes())
	if got, want := d.DecodeInt32(), int32(-42); got != want {
		t.Errorf("DecodeInt32() = %d, want %d", got, want)
	}
	if got, want := d.DecodeInt64(), int64(1<<40); got != want {
		t.Errorf("DecodeInt64() = %d, want %d", got, want)
	}
	if got, want := string(d.DecodeBytes()), "hello"; got != want {
		t.Errorf("DecodeBytes() = %q, want %q", got, want)
	}
	if got, want := d.DecodeStr(), "world"; got != want {
		t.Errorf("DecodeStr() = %q, want %q", got, want)
	}
	if s := d.DecodeStringOwned(); s != nil {
		t.Errorf("DecodeStringOwned() = %v, want nil", *s)
	}
	if !d.AtEnd() {
		t.Errorf("AtEnd() = false, want true")
	}
	if d.Corrupted() {
		t.Errorf("Corrupted() = true, want false")
	}
}

func TestEmbeddedNUL(t *testing.T) {
	e := NewEncoder()
	s := "a\x00b"
	e.EncodeString(&s)
	d := NewDecoder(e.Bytes())
	if got := d.DecodeStr(); got != s {
		t.Errorf("DecodeStr() = %q, want %q", got, s)
	}
}

func TestCorruptionIsSticky(t *testing.T) {
	d := NewDecoder([]byte{0x01, 0x02}) // too short for an int32
	if got := d.DecodeInt32(); got != 0 {
		t.Errorf("DecodeInt32() = %d, want 0", got)
	}
	if !d.Corrupted() {
		t.Fatal("Corrupted() = false, want true after short read")
	}
	// Further reads stay zero and corruption stays sticky.
	if got := d.DecodeInt64(); got != 0 {
		t.Errorf("DecodeInt64() after corruption = %d, want 0", got)
	}
	if got := d.DecodeStr(); got != "" {
		t.Errorf("DecodeStr() after corruption = %q, want empty", got)
	}
	if !d.Corrupted() {
		t.Error("Corrupted() became false, want sticky true")
	}
}

func TestEncodeDecodeTree(t *testing.T) {
	n := tree.NewList("catalogue",
		tree.NewText("uri", "http://example/"),
		tree.NewFlag("disabled"),
		tree.NewList("errors"),
	)
	e := NewEncoder()
	e.EncodeTree(n)
	d := NewDecoder(e.Bytes())
	got := d.DecodeTree()
	if d.Corrupted() {
		t.Fatalf("decode tree: corrupted")
	}
	if !tree.Equal(got, n) {
		t.Errorf("round trip mismatch:\n%s", cmp.Diff(n, got))
	}
}

func TestDecodeNilTree(t *testing.T) {
	e := NewEncoder()
	e.EncodeTree(nil)
	d := NewDecoder(e.Bytes())
	if got := d.DecodeTree(); got != nil {
		t.Errorf("DecodeTree() = %v, want nil", got)
	}
}
