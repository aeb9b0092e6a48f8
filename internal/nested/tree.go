// Package nested decodes the pseudo-JSON envelopes embedded in export CSV columns.
//
// An envelope is a bracketed list of object-like items:
//
//	[{key: operation, value: {stringValue: vote}}, {"key":"weight","value":{"intValue":3}}]
//
// Keys and values may be quoted or bare. Decoding happens in two stages: Parse turns one
// item into a tagged tree of Nodes, and Decoder maps those trees onto ordered key/value pairs.
package nested

import (
	"encoding/json"
	"strings"
)

// Kind tags the variant held by a Node.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindNumber
	KindWord
	KindObject
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindWord:
		return "word"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Node is one value of a parsed item. Scalars keep their source text in Text so numbers
// are never reformatted.
type Node struct {
	Kind  Kind
	Text  string
	Pairs []Pair
	Items []Node
}

// Pair is one member of an object node. Member order is preserved.
type Pair struct {
	Key   string
	Value Node
}

// IsScalar reports whether the node is a string, number or bare word.
func (n Node) IsScalar() bool {
	return n.Kind == KindString || n.Kind == KindNumber || n.Kind == KindWord
}

// Get returns the value of the first member named key.
func (n Node) Get(key string) (Node, bool) {
	for _, p := range n.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Node{}, false
}

// String renders the node compactly. Strings are quoted, everything else is emitted verbatim.
func (n Node) String() string {
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n Node) render(b *strings.Builder) {
	switch n.Kind {
	case KindString:
		quoted, _ := json.Marshal(n.Text)
		b.Write(quoted)
	case KindNumber, KindWord:
		b.WriteString(n.Text)
	case KindObject:
		b.WriteByte('{')
		for i, p := range n.Pairs {
			if i > 0 {
				b.WriteByte(',')
			}
			quoted, _ := json.Marshal(p.Key)
			b.Write(quoted)
			b.WriteByte(':')
			p.Value.render(b)
		}
		b.WriteByte('}')
	case KindList:
		b.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			item.render(b)
		}
		b.WriteByte(']')
	}
}
