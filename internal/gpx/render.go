package gpx

import (
	"bytes"
	"encoding/xml"
	"time"
)

const generatedTimeLayout = "2006-01-02T15:04:05Z"

// render writes a standalone document holding items, with the root
// element's attributes (namespace declarations and schemaLocation
// included) carried over from the source.
func (d *Document) render(items []*node, description string, generatedAt time.Time) []byte {
	var w bytes.Buffer
	w.WriteString(xml.Header)

	root := d.root
	w.WriteByte('<')
	w.WriteString(root.qname())
	writeAttrs(&w, root.attrs)
	w.WriteString(">\n")

	d.writeMetadata(&w, description, generatedAt)

	for _, item := range items {
		w.WriteString("  ")
		writeNode(&w, item)
		w.WriteByte('\n')
	}

	w.WriteString("</")
	w.WriteString(root.qname())
	w.WriteString(">\n")
	return w.Bytes()
}

// writeMetadata emits the rewritten header fields in schema order. Time
// and desc are generated, bounds are dropped since they describe the
// whole source, everything else is copied as-is.
func (d *Document) writeMetadata(w *bytes.Buffer, description string, generatedAt time.Time) {
	m := d.match()
	indent := "  "
	if d.layout == layoutBlock {
		w.WriteString("  <")
		if block := m.child(d.root, "metadata"); block != nil {
			w.WriteString(block.qname())
			writeAttrs(w, block.attrs)
		} else {
			w.WriteString(d.qualify("metadata"))
		}
		w.WriteString(">\n")
		indent = "    "
	}

	used := make(map[*node]bool, len(d.metaNodes))
	for _, field := range metadataFields[d.layout] {
		switch field {
		case "time":
			w.WriteString(indent)
			writeElement(w, d.qualify("time"), generatedAt.UTC().Format(generatedTimeLayout))
			w.WriteByte('\n')
		case "desc":
			w.WriteString(indent)
			writeElement(w, d.qualify("desc"), description)
			w.WriteByte('\n')
		}
		for _, n := range d.metaNodes {
			if !m.is(n, field) {
				continue
			}
			used[n] = true
			if field == "time" || field == "desc" || field == "bounds" {
				continue
			}
			w.WriteString(indent)
			writeNode(w, n)
			w.WriteByte('\n')
		}
	}

	// Unknown children of a metadata block keep their place at the end.
	for _, n := range d.metaNodes {
		if used[n] {
			continue
		}
		w.WriteString(indent)
		writeNode(w, n)
		w.WriteByte('\n')
	}

	if d.layout == layoutBlock {
		w.WriteString("  </")
		if block := m.child(d.root, "metadata"); block != nil {
			w.WriteString(block.qname())
		} else {
			w.WriteString(d.qualify("metadata"))
		}
		w.WriteString(">\n")
	}
}

// qualify names a generated element with the root's prefix so it lands
// in the document namespace.
func (d *Document) qualify(local string) string {
	if d.root.prefix == "" {
		return local
	}
	return d.root.prefix + ":" + local
}
