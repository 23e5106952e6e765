package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/models"
	"gopkg.in/yaml.v3"
)

// manifestName is written next to the outputs and hidden from listings.
const manifestName = ".manifest.yaml"

type manifest struct {
	UniqueID    string              `yaml:"unique_id"`
	Source      string              `yaml:"source"`
	GeneratedAt time.Time           `yaml:"generated_at"`
	Totals      gpx.Totals          `yaml:"totals"`
	Files       []models.OutputFile `yaml:"files"`
}

func newManifest(entry *models.ArchiveEntry, res *gpx.Result, generatedAt time.Time) manifest {
	m := manifest{
		UniqueID:    entry.UniqueID,
		Source:      entry.OriginalFilename,
		GeneratedAt: generatedAt.UTC(),
		Totals:      res.Totals,
	}
	for _, f := range res.All() {
		m.Files = append(m.Files, models.OutputFile{
			Name:   f.Name,
			Kind:   string(f.Kind),
			Title:  f.Title,
			Points: f.Points,
			Size:   int64(len(f.Content)),
		})
	}
	return m
}

func (m manifest) encode() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// inferKind guesses an output's kind from its name when no manifest is
// available.
func inferKind(name string) string {
	switch {
	case strings.HasSuffix(name, "_markers.gpx"):
		return string(gpx.KindMarkers)
	case strings.HasSuffix(name, "_summary.txt"):
		return string(gpx.KindSummary)
	case strings.HasPrefix(name, "route_"):
		return string(gpx.KindRoute)
	default:
		return string(gpx.KindTrack)
	}
}
