package gpx

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kind is the content type of an output file.
type Kind string

const (
	KindMarkers Kind = "markers"
	KindTrack   Kind = "track"
	KindRoute   Kind = "route"
	KindSummary Kind = "summary"
)

const (
	documentExt = ".gpx"
	summaryExt  = ".txt"
)

// OutputFile is one produced document.
type OutputFile struct {
	Name    string `json:"name" yaml:"name"`
	Kind    Kind   `json:"kind" yaml:"kind"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Points  int    `json:"points" yaml:"points"`
	Content []byte `json:"-" yaml:"-"`
}

// Totals counts components and points across a whole extraction.
type Totals struct {
	Markers     int `json:"markers" yaml:"markers"`
	Tracks      int `json:"tracks" yaml:"tracks"`
	Routes      int `json:"routes" yaml:"routes"`
	TrackPoints int `json:"track_points" yaml:"track_points"`
	RoutePoints int `json:"route_points" yaml:"route_points"`
}

// Result is the output of Extract plus the summary once Summarize has run.
type Result struct {
	Files   []OutputFile
	Summary OutputFile
	Totals  Totals
}

// All returns the documents followed by the summary, when there is one.
func (r *Result) All() []OutputFile {
	out := make([]OutputFile, 0, len(r.Files)+1)
	out = append(out, r.Files...)
	if r.Summary.Name != "" {
		out = append(out, r.Summary)
	}
	return out
}

// Options controls naming and rendering.
type Options struct {
	// SourceName is the uploaded filename, quoted in each output's desc.
	SourceName string
	// BaseName prefixes the markers and summary files. Defaults to the
	// sanitized stem of SourceName.
	BaseName    string
	GeneratedAt time.Time
	// Concurrency bounds parallel rendering. Zero means GOMAXPROCS.
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.BaseName == "" {
		o.BaseName = SanitizeName(Stem(o.SourceName))
	}
	if o.BaseName == "" {
		o.BaseName = "gpx"
	}
	if o.GeneratedAt.IsZero() {
		o.GeneratedAt = time.Now()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	return o
}

// ProgressFunc is called after each output document is rendered.
type ProgressFunc func(done, total int)

type renderJob struct {
	file  OutputFile
	items []*node
	desc  string
}

// Extract splits doc into a markers document and one document per track
// and route. Names are assigned in document order before rendering so the
// result does not depend on scheduling.
func Extract(ctx context.Context, doc *Document, opts Options, onProgress ProgressFunc) (*Result, error) {
	opts = opts.withDefaults()
	source := opts.SourceName
	if source == "" {
		source = opts.BaseName + documentExt
	}

	names := newNameSet()
	var jobs []renderJob
	res := &Result{}

	if len(doc.Markers) > 0 {
		items := make([]*node, len(doc.Markers))
		for i, mk := range doc.Markers {
			items[i] = mk.elem
		}
		name := names.claim(opts.BaseName+"_markers", "markers")
		jobs = append(jobs, renderJob{
			file: OutputFile{
				Name:   name + documentExt,
				Kind:   KindMarkers,
				Title:  fmt.Sprintf("%d markers", len(doc.Markers)),
				Points: len(doc.Markers),
			},
			items: items,
			desc:  fmt.Sprintf("Extracted %d markers from %s", len(doc.Markers), source),
		})
		res.Totals.Markers = len(doc.Markers)
	}

	addPaths := func(paths []Path, kind Kind) {
		for i, p := range paths {
			fallback := fmt.Sprintf("%s_%02d", kind, i+1)
			name := names.claim(SanitizeName(p.Name), fallback)
			title := p.Name
			if title == "" {
				title = fallback
			}
			jobs = append(jobs, renderJob{
				file: OutputFile{
					Name:   name + documentExt,
					Kind:   kind,
					Title:  title,
					Points: len(p.Points),
				},
				items: []*node{p.elem},
				desc:  fmt.Sprintf("Extracted %s %q from %s", kind, title, source),
			})
		}
	}
	addPaths(doc.Tracks, KindTrack)
	addPaths(doc.Routes, KindRoute)

	for _, t := range doc.Tracks {
		res.Totals.TrackPoints += len(t.Points)
	}
	for _, r := range doc.Routes {
		res.Totals.RoutePoints += len(r.Points)
	}
	res.Totals.Tracks = len(doc.Tracks)
	res.Totals.Routes = len(doc.Routes)

	res.Files = make([]OutputFile, len(jobs))
	var done atomic.Int32
	total := len(jobs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			job.file.Content = doc.render(job.items, job.desc, opts.GeneratedAt)
			res.Files[i] = job.file
			n := int(done.Add(1))
			if onProgress != nil {
				onProgress(n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// nameSet hands out file stems, suffixing repeats with _2, _3 and so on.
// Comparison ignores case so outputs survive case-insensitive filesystems.
type nameSet map[string]struct{}

func newNameSet() nameSet { return make(nameSet) }

func (s nameSet) claim(name, fallback string) string {
	if name == "" {
		name = fallback
	}
	candidate := name
	for i := 2; ; i++ {
		key := strings.ToLower(candidate)
		if _, taken := s[key]; !taken {
			s[key] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
}

// Summarize builds the plain-text report and stores it on res.
func Summarize(doc *Document, res *Result, opts Options) OutputFile {
	opts = opts.withDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "GPX extraction summary\n")
	fmt.Fprintf(&b, "======================\n\n")
	if opts.SourceName != "" {
		fmt.Fprintf(&b, "Source:     %s\n", opts.SourceName)
	}
	fmt.Fprintf(&b, "Schema:     %s\n", doc.Schema)
	if doc.Metadata.Time != nil {
		fmt.Fprintf(&b, "Build date: %s\n", doc.Metadata.Time.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "Generated:  %s\n\n", opts.GeneratedAt.UTC().Format(generatedTimeLayout))

	if len(res.Files) == 0 {
		b.WriteString("No components found.\n")
	} else {
		b.WriteString("Files:\n")
		for _, f := range res.Files {
			unit := "points"
			if f.Kind == KindMarkers {
				unit = "markers"
			}
			fmt.Fprintf(&b, "  %-40s %-8s %6d %s\n", f.Name, f.Kind, f.Points, unit)
		}
	}

	t := res.Totals
	fmt.Fprintf(&b, "\nTotals:\n")
	fmt.Fprintf(&b, "  Markers: %d\n", t.Markers)
	fmt.Fprintf(&b, "  Tracks:  %d (%d points)\n", t.Tracks, t.TrackPoints)
	fmt.Fprintf(&b, "  Routes:  %d (%d points)\n", t.Routes, t.RoutePoints)

	res.Summary = OutputFile{
		Name:    opts.BaseName + "_summary" + summaryExt,
		Kind:    KindSummary,
		Title:   "summary",
		Content: []byte(b.String()),
	}
	return res.Summary
}

// ExtractAll parses data and runs both Extract and Summarize.
func ExtractAll(ctx context.Context, data []byte, opts Options) (*Result, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	res, err := Extract(ctx, doc, opts, nil)
	if err != nil {
		return nil, err
	}
	Summarize(doc, res, opts)
	return res, nil
}
