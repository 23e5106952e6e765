package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown unique id or output file.
	ErrNotFound = errors.New("archive: entry not found")
	// ErrUnauthorized is returned by the delete gate on a bad token.
	ErrUnauthorized = errors.New("archive: invalid delete token")
	// ErrNotReady is returned when outputs are requested before extraction
	// has finished.
	ErrNotReady = errors.New("archive: entry has no outputs yet")
	// ErrOutputsMissing means a ready entry's output directory is gone
	// from disk. It matches ErrNotFound too.
	ErrOutputsMissing = fmt.Errorf("archive: output directory missing: %w", ErrNotFound)
	// ErrLocked means another process holds the archive directory.
	ErrLocked = errors.New("archive: data directory is in use by another process")
)
