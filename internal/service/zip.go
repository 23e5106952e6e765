package service

import (
	"context"
	"fmt"
	"io"

	"github.com/gpx-parts/backend/internal/archive"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ZipName is the download name of an entry's bundle.
func ZipName(uniqueID string) string {
	return uniqueID + ".zip"
}

// PrepareZip resolves which outputs of a ready entry go into a bundle.
// A nil names slice selects every file. An empty non-nil slice is a
// validation error, and any unknown name fails the whole request.
func (s *Service) PrepareZip(ctx context.Context, uniqueID string, names []string) ([]string, error) {
	files, err := s.store.Outputs(ctx, uniqueID)
	if err != nil {
		return nil, err
	}

	if names == nil {
		all := make([]string, 0, len(files))
		for _, f := range files {
			all = append(all, f.Name)
		}
		return all, nil
	}
	if len(names) == 0 {
		return nil, &ValidationError{Field: "files", Message: "no files selected"}
	}

	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.Name] = true
	}
	seen := make(map[string]bool, len(names))
	selected := make([]string, 0, len(names))
	for _, n := range names {
		if !known[n] {
			return nil, fmt.Errorf("%s/%s: %w", uniqueID, n, archive.ErrNotFound)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		selected = append(selected, n)
	}
	return selected, nil
}

// WriteZip streams the named outputs of uniqueID as a zip archive. Names
// should come from PrepareZip so that nothing fails after the first byte.
func (s *Service) WriteZip(ctx context.Context, uniqueID string, names []string, w io.Writer) error {
	zw := zip.NewWriter(w)
	method := zip.Store
	if s.cfg.CompressionLevel != 0 {
		method = zip.Deflate
		level := s.cfg.CompressionLevel
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	modified := s.now()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.store.ReadOutput(ctx, uniqueID, name)
		if err != nil {
			return err
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   method,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("adding %s to zip: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("writing %s to zip: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing zip: %w", err)
	}
	s.log.Debug().Str("unique_id", uniqueID).Int("files", len(names)).Msg("Zip bundle written")
	return nil
}
