package gpx

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a malformed or non-GPX document.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("gpx: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("gpx: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Point is a single position. Elevation and Time are nil when absent.
type Point struct {
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Elevation *float64   `json:"ele,omitempty"`
	Time      *time.Time `json:"time,omitempty"`
}

// Marker is a top-level waypoint.
type Marker struct {
	Name string `json:"name,omitempty"`
	Point

	elem *node
}

// Path is a track or a route: an optional name and its ordered points.
// Track points are flattened across segments.
type Path struct {
	Name     string  `json:"name,omitempty"`
	Segments int     `json:"segments,omitempty"`
	Points   []Point `json:"points"`

	elem *node
}

// Metadata holds the document-level fields used for identity and display.
type Metadata struct {
	Name        string     `json:"name,omitempty"`
	Description string     `json:"desc,omitempty"`
	Time        *time.Time `json:"time,omitempty"`
}

// Header is what can be learned about a document without reading its
// markers, tracks and routes.
type Header struct {
	Schema    Schema   `json:"schema"`
	Namespace string   `json:"namespace,omitempty"`
	Version   string   `json:"version,omitempty"`
	Creator   string   `json:"creator,omitempty"`
	Metadata  Metadata `json:"metadata"`
}

// Document is a parsed GPX container.
type Document struct {
	Header
	Markers []Marker `json:"markers"`
	Tracks  []Path   `json:"tracks"`
	Routes  []Path   `json:"routes"`

	root      *node
	layout    metadataLayout
	metaNodes []*node
}

// metadataLayout says where header fields live: inside <metadata> (1.1)
// or directly under <gpx> (1.0).
type metadataLayout int

const (
	layoutBlock metadataLayout = iota
	layoutRoot
)

var metadataFields = map[metadataLayout][]string{
	layoutBlock: {"name", "desc", "author", "copyright", "link", "time", "keywords", "bounds", "extensions"},
	layoutRoot:  {"name", "desc", "author", "email", "url", "urlname", "time", "keywords", "bounds"},
}

func (d *Document) match() matcher {
	return matcher{schema: d.Schema, namespace: d.Namespace}
}

// Parse reads a complete GPX document.
func Parse(data []byte) (*Document, error) {
	root, err := parseTree(data)
	if err != nil {
		return nil, err
	}
	if root.local != "gpx" {
		return nil, &ParseError{Err: fmt.Errorf("root element is <%s>, want <gpx>", root.qname())}
	}

	doc := &Document{root: root}
	doc.Namespace = root.space
	doc.Schema = DetectSchema(root.space)
	doc.Version, _ = root.attr("version")
	doc.Creator, _ = root.attr("creator")

	m := doc.match()
	doc.layout = chooseLayout(doc.Schema, doc.Version, m.child(root, "metadata") != nil)
	doc.metaNodes = doc.collectMetadata()
	doc.Metadata = Metadata{
		Name:        fieldText(m, doc.metaNodes, "name"),
		Description: fieldText(m, doc.metaNodes, "desc"),
		Time:        parseTimePtr(fieldText(m, doc.metaNodes, "time")),
	}

	for _, c := range root.children {
		switch {
		case m.is(c, "wpt"):
			doc.Markers = append(doc.Markers, Marker{
				Name:  m.childText(c, "name"),
				Point: readPoint(m, c),
				elem:  c,
			})
		case m.is(c, "trk"):
			trk := Path{Name: m.childText(c, "name"), elem: c}
			for _, seg := range m.children(c, "trkseg") {
				trk.Segments++
				for _, pt := range m.children(seg, "trkpt") {
					trk.Points = append(trk.Points, readPoint(m, pt))
				}
			}
			doc.Tracks = append(doc.Tracks, trk)
		case m.is(c, "rte"):
			rte := Path{Name: m.childText(c, "name"), elem: c}
			for _, pt := range m.children(c, "rtept") {
				rte.Points = append(rte.Points, readPoint(m, pt))
			}
			doc.Routes = append(doc.Routes, rte)
		}
	}
	return doc, nil
}

func chooseLayout(schema Schema, version string, hasBlock bool) metadataLayout {
	switch schema {
	case SchemaGPX10:
		return layoutRoot
	case SchemaGPX11:
		return layoutBlock
	}
	if !hasBlock && version == "1.0" {
		return layoutRoot
	}
	return layoutBlock
}

func (d *Document) collectMetadata() []*node {
	m := d.match()
	if d.layout == layoutBlock {
		block := m.child(d.root, "metadata")
		if block == nil {
			return nil
		}
		var out []*node
		for _, c := range block.children {
			if c.kind == elementNode {
				out = append(out, c)
			}
		}
		return out
	}

	var out []*node
	for _, c := range d.root.children {
		for _, field := range metadataFields[layoutRoot] {
			if m.is(c, field) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func fieldText(m matcher, nodes []*node, local string) string {
	for _, n := range nodes {
		if m.is(n, local) {
			return n.text()
		}
	}
	return ""
}

func readPoint(m matcher, n *node) Point {
	var p Point
	if v, ok := n.attr("lat"); ok {
		p.Lat, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	if v, ok := n.attr("lon"); ok {
		p.Lon, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	if v := m.childText(n, "ele"); v != "" {
		if ele, err := strconv.ParseFloat(v, 64); err == nil {
			p.Elevation = &ele
		}
	}
	p.Time = parseTimePtr(m.childText(n, "time"))
	return p
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts the xsd:dateTime forms seen in GPX files. Values
// without a zone are taken as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseTimePtr(s string) *time.Time {
	t, ok := ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}

// ReadHeader scans only as far as the first waypoint, route or track and
// returns the schema and metadata. It is cheap enough for the upload path.
func ReadHeader(data []byte) (*Header, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.CharsetReader = charsetReader

	var (
		h       Header
		m       matcher
		path    []xml.Name
		capture string
		buf     strings.Builder
		seen    bool
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if len(path) > 0 {
				return nil, &ParseError{Err: errors.New("unexpected end of document")}
			}
			if !seen {
				return nil, &ParseError{Err: errors.New("document has no root element")}
			}
			return &h, nil
		}
		if err != nil {
			return nil, wrapSyntaxError(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(path) == 0 {
				if seen {
					return nil, &ParseError{Err: fmt.Errorf("second root element <%s>", t.Name.Local)}
				}
				seen = true
				if t.Name.Local != "gpx" {
					return nil, &ParseError{Err: fmt.Errorf("root element is <%s>, want <gpx>", t.Name.Local)}
				}
				h.Namespace = t.Name.Space
				h.Schema = DetectSchema(t.Name.Space)
				m = matcher{schema: h.Schema, namespace: h.Namespace}
				for _, a := range t.Attr {
					switch {
					case a.Name.Space == "" && a.Name.Local == "version":
						h.Version = a.Value
					case a.Name.Space == "" && a.Name.Local == "creator":
						h.Creator = a.Value
					}
				}
			}
			path = append(path, t.Name)

			el := &node{kind: elementNode, local: t.Name.Local, space: t.Name.Space}
			switch len(path) {
			case 2:
				if m.is(el, "wpt") || m.is(el, "rte") || m.is(el, "trk") {
					return &h, nil
				}
				if h.Version == "1.0" || h.Schema == SchemaGPX10 {
					capture = headerField(m, el)
				}
			case 3:
				parent := &node{kind: elementNode, local: path[1].Local, space: path[1].Space}
				if m.is(parent, "metadata") {
					capture = headerField(m, el)
				}
			}
			buf.Reset()

		case xml.CharData:
			if capture != "" {
				buf.Write(t)
			}

		case xml.EndElement:
			if capture != "" {
				value := strings.TrimSpace(buf.String())
				switch capture {
				case "name":
					h.Metadata.Name = value
				case "desc":
					h.Metadata.Description = value
				case "time":
					h.Metadata.Time = parseTimePtr(value)
				}
				capture = ""
			}
			path = path[:len(path)-1]
		}
	}
}

func headerField(m matcher, el *node) string {
	for _, field := range []string{"name", "desc", "time"} {
		if m.is(el, field) {
			return field
		}
	}
	return ""
}
