package tree

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/atomicfile"
)

// Write serializes n as the restricted XML subset described in spec §3:
// element nesting and text only, no attributes, no mixed content, no CDATA.
// An empty node is written as "<tag></tag>", which Read treats the same as
// "<tag/>".
func Write(w io.Writer, n *Node) error {
	enc := xml.NewEncoder(w)
	if err := writeNode(enc, n); err != nil {
		return err
	}
	return enc.Flush()
}

func writeNode(enc *xml.Encoder, n *Node) error {
	start := xml.StartElement{Name: xml.Name{Local: n.Tag}}
	if n.IsEmpty() {
		// encoding/xml has no native self-closing-tag emission; emit start+end
		// with nothing in between, which is read back identically to "<tag/>"
		// by Read below.
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.IsList() {
		for _, c := range n.Children {
			if err := writeNode(enc, c); err != nil {
				return err
			}
		}
	} else {
		if err := enc.EncodeToken(xml.CharData([]byte(n.Text))); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// Marshal serializes n and returns the bytes.
func Marshal(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile atomically writes n to path (temp-file + rename, spec §5).
func WriteFile(path string, n *Node) error {
	b, err := Marshal(n)
	if err != nil {
		return err
	}
	return atomicfile.Write(path, b, 0644)
}

// Read parses the restricted XML subset into a Node tree.
func Read(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("parsing tree: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, &Node{Tag: t.Name.Local})
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			// Accumulated verbatim; if this node turns out to be a list
			// (it gets a child before EndElement), the accumulated text is
			// discarded below, since whitespace between list children is
			// ignored (spec §3) and non-whitespace content inside a list is
			// not valid input.
			stack[len(stack)-1].Text += string(t)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, xerrors.Errorf("parsing tree: unbalanced end element %q", t.Name.Local)
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n.Children != nil {
				n.Text = ""
			}
			if len(stack) == 0 {
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
		}
	}
	if root == nil {
		return nil, xerrors.Errorf("parsing tree: empty document")
	}
	return root, nil
}

// Unmarshal parses b into a Node tree.
func Unmarshal(b []byte) (*Node, error) {
	return Read(bytes.NewReader(b))
}

// ReadFile parses the tree stored at path.
func ReadFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
