package tree

import "testing"

func TestRoundTripList(t *testing.T) {
	n := NewList("catalogue",
		NewText("name", "Example"),
		NewText("uri", "http://example/"),
		NewFlag("disabled"),
	)
	b, err := Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal(%q): %v", b, err)
	}
	if !Equal(got, n) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, n)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	n := NewFlag("disabled")
	b, err := Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsEmpty() {
		t.Errorf("got.IsEmpty() = false, want true")
	}
	if got.Tag != "disabled" {
		t.Errorf("got.Tag = %q, want %q", got.Tag, "disabled")
	}
}

func TestRoundTripTextPreservesWhitespace(t *testing.T) {
	n := NewText("name", "  spaced  text  ")
	b, err := Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != n.Text {
		t.Errorf("got.Text = %q, want %q", got.Text, n.Text)
	}
}

func TestAccessors(t *testing.T) {
	n := NewList("catalogue", NewText("dist", "fremantle"))
	n.Set("dist", "harmattan")
	if s, ok := n.RefText("dist"); !ok || s != "harmattan" {
		t.Errorf("RefText(dist) = %q, %v, want harmattan, true", s, ok)
	}
	n.SetFlag("disabled", true)
	if !n.RefBool("disabled") {
		t.Error("RefBool(disabled) = false after SetFlag(true)")
	}
	n.SetFlag("disabled", false)
	if n.RefBool("disabled") {
		t.Error("RefBool(disabled) = true after SetFlag(false)")
	}
}

func TestEqualIgnoresListWhitespace(t *testing.T) {
	a, err := Unmarshal([]byte(`<catalogues><catalogue/></catalogues>`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Unmarshal([]byte("<catalogues>\n  <catalogue/>\n</catalogues>"))
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(a, b) {
		t.Errorf("Equal should ignore whitespace between list children")
	}
}
