package gpx

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

type nodeKind uint8

const (
	elementNode nodeKind = iota
	textNode
	commentNode
	procInstNode
	directiveNode
)

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// node is an element tree with namespaces resolved. Raw prefixes and
// attributes are kept so any subtree can be written back out verbatim.
type node struct {
	kind     nodeKind
	prefix   string
	local    string
	space    string
	attrs    []xml.Attr
	children []*node
	data     []byte
	target   string
}

func (n *node) qname() string {
	if n.prefix == "" {
		return n.local
	}
	return n.prefix + ":" + n.local
}

// text returns the trimmed character data of n's direct text children.
func (n *node) text() string {
	var b strings.Builder
	for _, c := range n.children {
		if c.kind == textNode {
			b.Write(c.data)
		}
	}
	return strings.TrimSpace(b.String())
}

func (n *node) attr(local string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// prefixScope is one level of in-scope namespace declarations.
type prefixScope struct {
	parent   *prefixScope
	prefixes map[string]string
}

func (s *prefixScope) lookup(prefix string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if uri, ok := cur.prefixes[prefix]; ok {
			return uri, true
		}
	}
	return "", false
}

func (s *prefixScope) push(attrs []xml.Attr) *prefixScope {
	next := &prefixScope{parent: s}
	for _, a := range attrs {
		var prefix string
		switch {
		case a.Name.Space == "xmlns":
			prefix = a.Name.Local
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			prefix = ""
		default:
			continue
		}
		if next.prefixes == nil {
			next.prefixes = make(map[string]string)
		}
		next.prefixes[prefix] = a.Value
	}
	return next
}

// parseTree reads a whole document. RawToken is used so prefixes survive
// untranslated; element nesting and namespace resolution are checked here.
func parseTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.CharsetReader = charsetReader

	scope := &prefixScope{prefixes: map[string]string{"": "", "xml": xmlNamespace}}
	var (
		root  *node
		stack []*node
	)

	fail := func(format string, args ...any) error {
		line, _ := dec.InputPos()
		return &ParseError{Line: line, Err: fmt.Errorf(format, args...)}
	}

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapSyntaxError(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			t = t.Copy()
			scope = scope.push(t.Attr)
			uri, ok := scope.lookup(t.Name.Space)
			if !ok {
				return nil, fail("undeclared namespace prefix %q on <%s:%s>", t.Name.Space, t.Name.Space, t.Name.Local)
			}
			n := &node{
				kind:   elementNode,
				prefix: t.Name.Space,
				local:  t.Name.Local,
				space:  uri,
				attrs:  t.Attr,
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fail("second root element <%s>", n.qname())
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fail("unexpected end element </%s>", rawName(t.Name))
			}
			open := stack[len(stack)-1]
			if open.prefix != t.Name.Space || open.local != t.Name.Local {
				return nil, fail("element <%s> closed by </%s>", open.qname(), rawName(t.Name))
			}
			stack = stack[:len(stack)-1]
			scope = scope.parent

		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, fail("character data outside the root element")
				}
				continue
			}
			appendChild(stack, &node{kind: textNode, data: bytes.Clone(t)})

		case xml.Comment:
			if len(stack) > 0 {
				appendChild(stack, &node{kind: commentNode, data: bytes.Clone(t)})
			}

		case xml.ProcInst:
			if len(stack) > 0 {
				appendChild(stack, &node{kind: procInstNode, target: t.Target, data: bytes.Clone(t.Inst)})
			}

		case xml.Directive:
			if len(stack) > 0 {
				appendChild(stack, &node{kind: directiveNode, data: bytes.Clone(t)})
			}
		}
	}

	if len(stack) > 0 {
		return nil, fail("unexpected end of document inside <%s>", stack[len(stack)-1].qname())
	}
	if root == nil {
		return nil, &ParseError{Err: errors.New("document has no root element")}
	}
	return root, nil
}

func appendChild(stack []*node, child *node) {
	parent := stack[len(stack)-1]
	parent.children = append(parent.children, child)
}

func rawName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func wrapSyntaxError(err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return &ParseError{Line: se.Line, Err: errors.New(se.Msg)}
	}
	return &ParseError{Err: err}
}

// charsetReader lets documents declare any IANA encoding (ISO-8859-1 and
// windows-1252 exports are common).
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

// writeNode serializes n exactly as parsed, prefixes included.
func writeNode(w *bytes.Buffer, n *node) {
	switch n.kind {
	case elementNode:
		w.WriteByte('<')
		w.WriteString(n.qname())
		writeAttrs(w, n.attrs)
		if len(n.children) == 0 {
			w.WriteString("/>")
			return
		}
		w.WriteByte('>')
		for _, c := range n.children {
			writeNode(w, c)
		}
		w.WriteString("</")
		w.WriteString(n.qname())
		w.WriteByte('>')
	case textNode:
		escape(w, n.data, false)
	case commentNode:
		w.WriteString("<!--")
		w.Write(n.data)
		w.WriteString("-->")
	case procInstNode:
		w.WriteString("<?")
		w.WriteString(n.target)
		if len(n.data) > 0 {
			w.WriteByte(' ')
			w.Write(n.data)
		}
		w.WriteString("?>")
	case directiveNode:
		w.WriteString("<!")
		w.Write(n.data)
		w.WriteByte('>')
	}
}

func writeAttrs(w *bytes.Buffer, attrs []xml.Attr) {
	for _, a := range attrs {
		w.WriteByte(' ')
		w.WriteString(rawName(a.Name))
		w.WriteString(`="`)
		escape(w, []byte(a.Value), true)
		w.WriteByte('"')
	}
}

// writeElement writes <qname>text</qname>.
func writeElement(w *bytes.Buffer, qname, text string) {
	w.WriteByte('<')
	w.WriteString(qname)
	w.WriteByte('>')
	escape(w, []byte(text), false)
	w.WriteString("</")
	w.WriteString(qname)
	w.WriteByte('>')
}

// escape differs from xml.EscapeText in leaving newlines and tabs in text
// content alone, so copied subtrees keep their original layout.
func escape(w *bytes.Buffer, s []byte, attr bool) {
	for _, c := range s {
		switch c {
		case '&':
			w.WriteString("&amp;")
		case '<':
			w.WriteString("&lt;")
		case '>':
			w.WriteString("&gt;")
		case '"':
			if attr {
				w.WriteString("&quot;")
			} else {
				w.WriteByte(c)
			}
		case '\n', '\r', '\t':
			if attr {
				fmt.Fprintf(w, "&#x%X;", c)
			} else {
				w.WriteByte(c)
			}
		default:
			w.WriteByte(c)
		}
	}
}
