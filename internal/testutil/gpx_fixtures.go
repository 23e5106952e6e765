// gpx_fixtures.go - GPX document builders for tests
package testutil

import (
	"fmt"
	"strings"
	"time"
)

const (
	NamespaceGPX10 = "http://www.topografix.com/GPX/1/0"
	NamespaceGPX11 = "http://www.topografix.com/GPX/1/1"
)

// GPXBuilder assembles a GPX document as text.
type GPXBuilder struct {
	namespace string
	prefix    string
	version   string
	buildTime *time.Time
	desc      string
	extraMeta []string
	body      []string
}

// NewGPX starts a GPX 1.1 document.
func NewGPX() *GPXBuilder {
	return &GPXBuilder{namespace: NamespaceGPX11, version: "1.1"}
}

// NewGPX10 starts a GPX 1.0 document, whose metadata lives on the root.
func NewGPX10() *GPXBuilder {
	return &GPXBuilder{namespace: NamespaceGPX10, version: "1.0"}
}

// Namespace overrides the default namespace. An empty string omits it.
func (b *GPXBuilder) Namespace(uri string) *GPXBuilder {
	b.namespace = uri
	return b
}

// Prefixed binds the namespace to prefix instead of the default namespace.
func (b *GPXBuilder) Prefixed(prefix string) *GPXBuilder {
	b.prefix = prefix
	return b
}

// BuildDate sets the metadata time.
func (b *GPXBuilder) BuildDate(t time.Time) *GPXBuilder {
	b.buildTime = &t
	return b
}

// Description sets the metadata desc.
func (b *GPXBuilder) Description(s string) *GPXBuilder {
	b.desc = s
	return b
}

// Meta adds a raw metadata child, e.g. `<author><name>x</name></author>`.
func (b *GPXBuilder) Meta(raw string) *GPXBuilder {
	b.extraMeta = append(b.extraMeta, raw)
	return b
}

func (b *GPXBuilder) q(local string) string {
	if b.prefix == "" {
		return local
	}
	return b.prefix + ":" + local
}

// Marker adds a waypoint.
func (b *GPXBuilder) Marker(name string, lat, lon float64) *GPXBuilder {
	b.body = append(b.body, fmt.Sprintf(`<%s lat="%.6f" lon="%.6f"><%s>%s</%s></%s>`,
		b.q("wpt"), lat, lon, b.q("name"), name, b.q("name"), b.q("wpt")))
	return b
}

// Track adds a single-segment track with n generated points. An empty
// name omits the name element.
func (b *GPXBuilder) Track(name string, n int) *GPXBuilder {
	var s strings.Builder
	fmt.Fprintf(&s, "<%s>", b.q("trk"))
	if name != "" {
		fmt.Fprintf(&s, "<%s>%s</%s>", b.q("name"), name, b.q("name"))
	}
	fmt.Fprintf(&s, "<%s>", b.q("trkseg"))
	for i := 0; i < n; i++ {
		fmt.Fprintf(&s, `<%s lat="%.6f" lon="%.6f"><%s>%d</%s></%s>`,
			b.q("trkpt"), 47.0+float64(i)*0.001, 8.0+float64(i)*0.001,
			b.q("ele"), 400+i, b.q("ele"), b.q("trkpt"))
	}
	fmt.Fprintf(&s, "</%s></%s>", b.q("trkseg"), b.q("trk"))
	b.body = append(b.body, s.String())
	return b
}

// Route adds a route with n generated points.
func (b *GPXBuilder) Route(name string, n int) *GPXBuilder {
	var s strings.Builder
	fmt.Fprintf(&s, "<%s>", b.q("rte"))
	if name != "" {
		fmt.Fprintf(&s, "<%s>%s</%s>", b.q("name"), name, b.q("name"))
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&s, `<%s lat="%.6f" lon="%.6f"/>`, b.q("rtept"), 46.0+float64(i)*0.01, 7.0+float64(i)*0.01)
	}
	fmt.Fprintf(&s, "</%s>", b.q("rte"))
	b.body = append(b.body, s.String())
	return b
}

// String renders the document.
func (b *GPXBuilder) String() string {
	var s strings.Builder
	s.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&s, `<%s version="%s" creator="testutil"`, b.q("gpx"), b.version)
	if b.namespace != "" {
		if b.prefix == "" {
			fmt.Fprintf(&s, ` xmlns="%s"`, b.namespace)
		} else {
			fmt.Fprintf(&s, ` xmlns:%s="%s"`, b.prefix, b.namespace)
		}
		s.WriteString(` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
		fmt.Fprintf(&s, ` xsi:schemaLocation="%s %s/gpx.xsd"`, b.namespace, b.namespace)
	}
	s.WriteString(">\n")

	var meta []string
	if b.desc != "" {
		meta = append(meta, fmt.Sprintf("<%s>%s</%s>", b.q("desc"), b.desc, b.q("desc")))
	}
	meta = append(meta, b.extraMeta...)
	if b.buildTime != nil {
		meta = append(meta, fmt.Sprintf("<%s>%s</%s>", b.q("time"), b.buildTime.UTC().Format(time.RFC3339), b.q("time")))
	}
	if len(meta) > 0 {
		if b.version == "1.0" {
			for _, m := range meta {
				s.WriteString("  " + m + "\n")
			}
		} else {
			fmt.Fprintf(&s, "  <%s>%s</%s>\n", b.q("metadata"), strings.Join(meta, ""), b.q("metadata"))
		}
	}

	for _, part := range b.body {
		s.WriteString("  " + part + "\n")
	}
	fmt.Fprintf(&s, "</%s>\n", b.q("gpx"))
	return s.String()
}

// Bytes renders the document.
func (b *GPXBuilder) Bytes() []byte {
	return []byte(b.String())
}

// MorningTrip is a document with two markers and one 50-point track named
// "Morning Ride", built on 2026-01-02.
func MorningTrip() []byte {
	return NewGPX().
		BuildDate(time.Date(2026, 1, 2, 7, 30, 0, 0, time.UTC)).
		Marker("Start", 47.0, 8.0).
		Marker("Cafe", 47.1, 8.1).
		Track("Morning Ride", 50).
		Bytes()
}
