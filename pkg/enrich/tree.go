package enrich

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

// maxDepth bounds nesting so hostile documents cannot grow the walk stacks
// without limit.
const maxDepth = 512

// Kind is the type of a document node.
type Kind uint8

const (
	KindScalar Kind = iota
	KindObject
	KindArray
)

// Node is one value of a JSON document. Objects keep their members in
// document order, duplicates included, so re-encoding changes nothing but
// whitespace.
type Node struct {
	Kind    Kind
	Members []Member
	Items   []*Node
	// Scalar is a string, json.Number, bool or nil.
	Scalar any
}

// Member is one key/value pair of an object.
type Member struct {
	Key   string
	Value *Node
}

// Get returns the value of the first member named key.
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.Kind != KindObject {
		return nil, false
	}
	for _, m := range n.Members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// String returns the node's value if it is a string scalar.
func (n *Node) String() (string, bool) {
	if n == nil || n.Kind != KindScalar {
		return "", false
	}
	s, ok := n.Scalar.(string)
	return s, ok
}

// Str is a string scalar node.
func Str(s string) *Node { return &Node{Kind: KindScalar, Scalar: s} }

var errDepth = errors.New("enrich: document nested too deeply")

type parseFrame struct {
	node    *Node
	key     string
	haveKey bool
}

// errInvalidUTF8 rejects documents the decoder would otherwise repair by
// substituting U+FFFD, which changes bytes on the way back out.
var errInvalidUTF8 = errors.New("enrich: document is not valid UTF-8")

// Parse decodes exactly one JSON value.
func Parse(data []byte) (*Node, error) {
	if !utf8.Valid(data) {
		return nil, errInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var root *Node
	var stack []parseFrame
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if root == nil || len(stack) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return root, nil
		}
		if err != nil {
			return nil, err
		}

		if d, ok := tok.(json.Delim); ok && (d == '}' || d == ']') {
			stack = stack[:len(stack)-1]
			continue
		}
		if len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.node.Kind == KindObject && !top.haveKey {
				key, ok := tok.(string)
				if !ok {
					return nil, fmt.Errorf("enrich: object key is %T", tok)
				}
				top.key, top.haveKey = key, true
				continue
			}
		}

		var n *Node
		switch v := tok.(type) {
		case json.Delim:
			if v == '{' {
				n = &Node{Kind: KindObject}
			} else {
				n = &Node{Kind: KindArray}
			}
		default:
			n = &Node{Kind: KindScalar, Scalar: v}
		}

		if len(stack) == 0 {
			if root != nil {
				return nil, errors.New("enrich: more than one top-level value")
			}
			root = n
		} else {
			top := &stack[len(stack)-1]
			if top.node.Kind == KindObject {
				top.node.Members = append(top.node.Members, Member{Key: top.key, Value: n})
				top.haveKey = false
			} else {
				top.node.Items = append(top.node.Items, n)
			}
		}

		if n.Kind != KindScalar {
			if len(stack) >= maxDepth {
				return nil, errDepth
			}
			stack = append(stack, parseFrame{node: n})
		}
	}
}

type encodeFrame struct {
	node *Node
	next int
}

// Encode writes root as compact JSON. HTML characters are not escaped.
func Encode(root *Node) ([]byte, error) {
	var buf bytes.Buffer
	var stack []encodeFrame

	emit := func(n *Node) error {
		switch n.Kind {
		case KindObject:
			buf.WriteByte('{')
			stack = append(stack, encodeFrame{node: n})
		case KindArray:
			buf.WriteByte('[')
			stack = append(stack, encodeFrame{node: n})
		default:
			return writeScalar(&buf, n.Scalar)
		}
		return nil
	}

	if err := emit(root); err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var child *Node
		switch top.node.Kind {
		case KindObject:
			if top.next == len(top.node.Members) {
				buf.WriteByte('}')
				stack = stack[:len(stack)-1]
				continue
			}
			if top.next > 0 {
				buf.WriteByte(',')
			}
			m := top.node.Members[top.next]
			if err := writeString(&buf, m.Key); err != nil {
				return nil, err
			}
			buf.WriteByte(':')
			child = m.Value
		default:
			if top.next == len(top.node.Items) {
				buf.WriteByte(']')
				stack = stack[:len(stack)-1]
				continue
			}
			if top.next > 0 {
				buf.WriteByte(',')
			}
			child = top.node.Items[top.next]
		}
		top.next++
		if err := emit(child); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	switch s := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(s))
	case json.Number:
		buf.WriteString(s.String())
	case string:
		return writeString(buf, s)
	default:
		return fmt.Errorf("enrich: unsupported scalar %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
