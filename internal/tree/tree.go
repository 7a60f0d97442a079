// Package tree implements the structured-tree value used throughout this
// project: catalogue fragments, install-instruction fragments, the
// available-updates artifact, and the persisted notifier state (spec §3).
//
// It is the Go rendering of the Hildon Application Manager's "xexp" type
// (original_source/src/xexp.h): a node has a tag and is either a list of
// children or a text body; a node with neither children nor non-empty text
// is "empty", and empty is indistinguishable from text "" and from an
// empty child list.
package tree

import "strconv"

// Node is a structured-tree value. Children == nil means Node is a text
// node (Text holds its body, possibly ""); Children != nil (including an
// empty, non-nil slice) means Node is a list node. The two representations
// of "empty" collapse: Node{Tag: t} is simultaneously an empty list and a
// text node with body "".
type Node struct {
	Tag      string
	Text     string
	Children []*Node
}

// NewText returns a text node.
func NewText(tag, text string) *Node {
	return &Node{Tag: tag, Text: text}
}

// NewList returns a list node with the given children.
func NewList(tag string, children ...*Node) *Node {
	if children == nil {
		children = []*Node{}
	}
	return &Node{Tag: tag, Children: children}
}

// NewFlag returns an empty node, conventionally used as a present/absent
// boolean flag in an association list (e.g. "disabled").
func NewFlag(tag string) *Node {
	return &Node{Tag: tag}
}

// IsList reports whether n is list-shaped (true even when it has zero
// children, as long as it was constructed as a list).
func (n *Node) IsList() bool { return n != nil && n.Children != nil }

// IsEmpty reports whether n carries neither a non-empty text body nor any
// children.
func (n *Node) IsEmpty() bool { return n == nil || (n.Text == "" && len(n.Children) == 0) }

// Append adds a child to a list node, converting n into a list node first
// if necessary.
func (n *Node) Append(child *Node) {
	if n.Children == nil {
		n.Children = []*Node{}
	}
	n.Children = append(n.Children, child)
}

// First returns the first child with the given tag, or nil.
func (n *Node) First(tag string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// All returns every child with the given tag.
func (n *Node) All(tag string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// RefText returns the text body of the first child with the given tag, and
// whether that child exists. Mirrors xexp_aref_text.
func (n *Node) RefText(tag string) (string, bool) {
	c := n.First(tag)
	if c == nil {
		return "", false
	}
	return c.Text, true
}

// RefBool reports whether a child with the given tag exists, whatever its
// content. Mirrors xexp_aref_bool.
func (n *Node) RefBool(tag string) bool {
	return n.First(tag) != nil
}

// RefInt parses the text body of the first child with the given tag as a
// decimal integer. Mirrors xexp_aref_text + xexp_text_as_int.
func (n *Node) RefInt(tag string) (int64, bool) {
	s, ok := n.RefText(tag)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Set replaces (or adds) the first child with the given tag with a new
// text child, converting n into a list node if necessary. Mirrors
// xexp_aset_text.
func (n *Node) Set(tag, text string) {
	for _, c := range n.Children {
		if c.Tag == tag {
			c.Text = text
			c.Children = nil
			return
		}
	}
	n.Append(NewText(tag, text))
}

// SetFlag adds or removes an empty flag child with the given tag. Mirrors
// xexp_aset_bool.
func (n *Node) SetFlag(tag string, present bool) {
	for i, c := range n.Children {
		if c.Tag == tag {
			if !present {
				n.Children = append(n.Children[:i], n.Children[i+1:]...)
			}
			return
		}
	}
	if present {
		n.Append(NewFlag(tag))
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Tag: n.Tag, Text: n.Text}
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return c
}

// Equal reports whether a and b represent the same value, modulo
// whitespace inside list elements (testable property #2).
func Equal(a, b *Node) bool {
	if a.IsEmpty() && b.IsEmpty() {
		return a.Tag == b.Tag
	}
	if a.Tag != b.Tag {
		return false
	}
	if a.IsList() != b.IsList() {
		return false
	}
	if !a.IsList() {
		return a.Text == b.Text
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
