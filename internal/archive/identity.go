package archive

import (
	"regexp"
	"time"

	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/models"
)

const fallbackCleanName = "gpx"

// Identity is the archive key of an upload. Two uploads with the same
// clean name and build day are the same logical file.
type Identity struct {
	CleanName string
	BuildDate time.Time
	UniqueID  string
	// Declared is false when the document had no build timestamp and the
	// receipt time was used instead.
	Declared bool
}

// Identify derives the identity of an upload. When pattern is set and
// matches the filename stem, the match (or its first group) replaces the
// stem before sanitizing.
func Identify(filename string, header *gpx.Header, receivedAt time.Time, pattern *regexp.Regexp) Identity {
	stem := gpx.Stem(filename)
	if pattern != nil {
		if m := pattern.FindStringSubmatch(stem); m != nil {
			if len(m) > 1 && m[1] != "" {
				stem = m[1]
			} else {
				stem = m[0]
			}
		}
	}

	id := Identity{CleanName: gpx.SanitizeName(stem)}
	if id.CleanName == "" {
		id.CleanName = fallbackCleanName
	}

	stamp := receivedAt
	if header != nil && header.Metadata.Time != nil {
		stamp = *header.Metadata.Time
		id.Declared = true
	}
	id.BuildDate = truncateDay(stamp)
	id.UniqueID = UniqueID(id.CleanName, id.BuildDate)
	return id
}

// UniqueID formats the archive key, e.g. morningtrip_20260102.
func UniqueID(cleanName string, buildDate time.Time) string {
	return cleanName + "_" + buildDate.UTC().Format("20060102")
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func parseBuildDate(s string) (time.Time, error) {
	return time.Parse(models.BuildDateLayout, s)
}
