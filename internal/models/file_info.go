package models

import "time"

// FileInfo describes a file held in the archive's blob storage.
type FileInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// OutputFile is one extracted document as listed to callers.
type OutputFile struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	Points int    `json:"points" yaml:"points"`
	Size   int64  `json:"size" yaml:"size"`
}
