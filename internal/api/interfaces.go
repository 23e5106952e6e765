// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"

	"github.com/gpx-parts/backend/internal/models"
	"github.com/gpx-parts/backend/internal/service"
	"github.com/labstack/echo/v4"
)

// EntryHandler handles archive entry operations
type EntryHandler interface {
	HandleUpload(c echo.Context) error
	HandleListEntries(c echo.Context) error
	HandleListEntriesMsgpack(c echo.Context) error
	HandleGetEntry(c echo.Context) error
	HandleProcessEntry(c echo.Context) error
	HandleDownloadFile(c echo.Context) error
	HandleDownloadSelected(c echo.Context) error
	HandleDownloadAll(c echo.Context) error
	HandleUpdateDescription(c echo.Context) error
	HandleDeleteEntry(c echo.Context) error
}

// JobHandler handles extraction job status operations
type JobHandler interface {
	HandleJobStatus(c echo.Context) error
	HandleJobProgressStream(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// ArchiveService defines what the handlers need from the service layer.
// This allows mocking in tests
type ArchiveService interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*service.UploadResult, error)
	Select(ctx context.Context, uniqueID string) (*service.Selection, error)
	JobStatus(jobID string) (models.Job, error)
	List(ctx context.Context) ([]models.EntrySummary, error)
	Entry(ctx context.Context, uniqueID string) (*service.EntryDetail, error)
	OutputPath(ctx context.Context, uniqueID, name string) (string, error)
	PrepareZip(ctx context.Context, uniqueID string, names []string) ([]string, error)
	WriteZip(ctx context.Context, uniqueID string, names []string, w io.Writer) error
	UpdateDescription(ctx context.Context, uniqueID, description string) (models.EntrySummary, error)
	Delete(ctx context.Context, uniqueID, token string) error
	DeletionEnabled() bool
}

var _ ArchiveService = (*service.Service)(nil)
