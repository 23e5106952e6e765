package models

import "time"

// EntryStatus is the processing state of an archive entry.
type EntryStatus string

const (
	EntryStatusUploaded   EntryStatus = "uploaded"
	EntryStatusQueued     EntryStatus = "queued"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusReady      EntryStatus = "ready"
	EntryStatusFailed     EntryStatus = "failed"
)

// BuildDateLayout is how build dates are stored and shown.
const BuildDateLayout = "2006-01-02"

// ArchiveEntry is the persisted record of one logical GPX file.
// OutputDirectory is non-empty exactly when Status is ready.
type ArchiveEntry struct {
	UniqueID         string    `json:"uniqueId"`
	OriginalFilename string    `json:"originalFilename"`
	CleanName        string    `json:"cleanName"`
	BuildDate        time.Time `json:"buildDate"`
	// DateDeclared is false when the document had no build timestamp and
	// BuildDate is the day the upload was received.
	DateDeclared    bool        `json:"dateDeclared"`
	Status          EntryStatus `json:"status"`
	OutputDirectory string      `json:"outputDirectory,omitempty"`
	Description     string      `json:"description"`
	ContentHash     string      `json:"contentHash,omitempty"`
	SizeBytes       int64       `json:"sizeBytes"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// DisplayName is the clean name followed by the build day.
func (e *ArchiveEntry) DisplayName() string {
	return e.CleanName + " (" + e.BuildDate.Format(BuildDateLayout) + ")"
}

// Ready reports whether outputs can be served.
func (e *ArchiveEntry) Ready() bool {
	return e.Status == EntryStatusReady && e.OutputDirectory != ""
}

// EntrySummary is the list view of an entry.
type EntrySummary struct {
	UniqueID         string      `json:"uniqueId"`
	DisplayName      string      `json:"displayName"`
	OriginalFilename string      `json:"originalFilename"`
	CleanName        string      `json:"cleanName"`
	BuildDate        string      `json:"buildDate"`
	Status           EntryStatus `json:"status"`
	Description      string      `json:"description"`
	SizeBytes        int64       `json:"sizeBytes"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Summary converts the entry for list responses.
func (e *ArchiveEntry) Summary() EntrySummary {
	return EntrySummary{
		UniqueID:         e.UniqueID,
		DisplayName:      e.DisplayName(),
		OriginalFilename: e.OriginalFilename,
		CleanName:        e.CleanName,
		BuildDate:        e.BuildDate.Format(BuildDateLayout),
		Status:           e.Status,
		Description:      e.Description,
		SizeBytes:        e.SizeBytes,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

// UploadAction is the dedup decision for an upload.
type UploadAction string

const (
	ActionCreated  UploadAction = "created"
	ActionReplaced UploadAction = "replaced"
	ActionSkipped  UploadAction = "skipped"
)
