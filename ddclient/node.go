package ddclient

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// Node is one decoded XML element. Attributes and element text are kept side
// by side so callers never care which one the service used for a field.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// ParseXML decodes a document into its root Node.
func ParseXML(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var stack []*Node
	var root *Node
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Text = strings.TrimSpace(top.Text)
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("empty xml document")
	}
	return root, nil
}

// Attr returns the attribute, falling back to a same-named child's text.
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	if v, ok := n.Attrs[name]; ok {
		return v
	}
	if c := n.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// Child returns the first direct child called name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Path walks names from n and returns every node at the end of the path.
// A path segment matching one element or many yields the same list shape.
func (n *Node) Path(names ...string) []*Node {
	if n == nil {
		return nil
	}
	current := []*Node{n}
	for _, name := range names {
		var next []*Node
		for _, c := range current {
			next = append(next, c.ChildrenNamed(name)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// First is Path limited to the first match.
func (n *Node) First(names ...string) *Node {
	nodes := n.Path(names...)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// Find returns every descendant called name, depth first.
func (n *Node) Find(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if strings.EqualFold(c.Name, name) {
			out = append(out, c)
		}
		out = append(out, c.Find(name)...)
	}
	return out
}

// Map flattens the node into nested maps: attributes under "@attributes",
// repeated children as slices and text-only leaves as strings.
func (n *Node) Map() map[string]any {
	if n == nil {
		return nil
	}
	out := make(map[string]any)
	if len(n.Attrs) > 0 {
		attrs := make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			attrs[k] = v
		}
		out["@attributes"] = attrs
	}
	for _, c := range n.Children {
		v := c.value()
		if existing, ok := out[c.Name]; ok {
			if list, isList := existing.([]any); isList {
				out[c.Name] = append(list, v)
			} else {
				out[c.Name] = []any{existing, v}
			}
			continue
		}
		out[c.Name] = v
	}
	return out
}

func (n *Node) value() any {
	if len(n.Children) == 0 && len(n.Attrs) == 0 {
		return n.Text
	}
	return n.Map()
}
