// Package gpx parses GPX container documents and splits them into
// standalone marker, track and route documents.
package gpx

// Namespace URIs of the two GPX schema versions.
const (
	NamespaceGPX10 = "http://www.topografix.com/GPX/1/0"
	NamespaceGPX11 = "http://www.topografix.com/GPX/1/1"
)

// Schema identifies which GPX schema a document declares.
type Schema int

const (
	// SchemaUnqualified is a document without a default namespace.
	SchemaUnqualified Schema = iota
	// SchemaUnrecognized is a document declaring a namespace other than the
	// two known GPX versions. Lookups fall back to local names.
	SchemaUnrecognized
	SchemaGPX10
	SchemaGPX11
)

// DetectSchema maps a root namespace URI to its schema.
func DetectSchema(uri string) Schema {
	switch uri {
	case "":
		return SchemaUnqualified
	case NamespaceGPX10:
		return SchemaGPX10
	case NamespaceGPX11:
		return SchemaGPX11
	default:
		return SchemaUnrecognized
	}
}

// Qualified reports whether element lookups must match the namespace URI.
func (s Schema) Qualified() bool {
	return s == SchemaGPX10 || s == SchemaGPX11
}

func (s Schema) String() string {
	switch s {
	case SchemaGPX10:
		return "GPX 1.0"
	case SchemaGPX11:
		return "GPX 1.1"
	case SchemaUnrecognized:
		return "unrecognized namespace"
	default:
		return "no namespace"
	}
}

// matcher answers "is this element <local> in the document namespace".
type matcher struct {
	schema    Schema
	namespace string
}

func (m matcher) is(n *node, local string) bool {
	if n == nil || n.kind != elementNode || n.local != local {
		return false
	}
	if m.schema.Qualified() {
		return n.space == m.namespace
	}
	return true
}

// child returns the first direct child element named local.
func (m matcher) child(n *node, local string) *node {
	for _, c := range n.children {
		if m.is(c, local) {
			return c
		}
	}
	return nil
}

// children returns all direct child elements named local, in order.
func (m matcher) children(n *node, local string) []*node {
	var out []*node
	for _, c := range n.children {
		if m.is(c, local) {
			out = append(out, c)
		}
	}
	return out
}

// childText returns the trimmed text of the first child named local.
func (m matcher) childText(n *node, local string) string {
	if c := m.child(n, local); c != nil {
		return c.text()
	}
	return ""
}
