// handlers_entries.go - Archive entry operation handlers
package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/gpx-parts/backend/internal/models"
	"github.com/gpx-parts/backend/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DeleteTokenHeader carries the delete secret.
const DeleteTokenHeader = "X-Delete-Token"

// EntryHandlerImpl implements the EntryHandler interface
type EntryHandlerImpl struct {
	svc ArchiveService
	log zerolog.Logger
}

// NewEntryHandler creates a new entry handler instance
func NewEntryHandler(svc ArchiveService, log zerolog.Logger) EntryHandler {
	return &EntryHandlerImpl{
		svc: svc,
		log: log,
	}
}

// HandleUpload accepts a multipart GPX upload and archives it
func (h *EntryHandlerImpl) HandleUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return NewValidationError("file")
	}

	f, err := fh.Open()
	if err != nil {
		return NewBadRequestError("could not read uploaded file", err)
	}
	defer f.Close()

	res, err := h.svc.Upload(c.Request().Context(), fh.Filename, f)
	if err != nil {
		return FromError(err, "entry", fh.Filename)
	}

	h.log.Info().
		Str("filename", fh.Filename).
		Str("unique_id", res.Entry.UniqueID).
		Str("action", string(res.Action)).
		Msg("Upload handled")

	status := http.StatusCreated
	if res.Action == models.ActionSkipped {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// HandleListEntries returns every archive entry
func (h *EntryHandlerImpl) HandleListEntries(c echo.Context) error {
	entries, err := h.svc.List(c.Request().Context())
	if err != nil {
		return FromError(err, "entries", "")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// HandleListEntriesMsgpack returns every archive entry as MessagePack
func (h *EntryHandlerImpl) HandleListEntriesMsgpack(c echo.Context) error {
	entries, err := h.svc.List(c.Request().Context())
	if err != nil {
		return FromError(err, "entries", "")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	}); err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}

	return c.Blob(http.StatusOK, "application/msgpack", buf.Bytes())
}

// HandleGetEntry returns one entry with its output files
func (h *EntryHandlerImpl) HandleGetEntry(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	detail, err := h.svc.Entry(c.Request().Context(), id)
	if err != nil {
		return FromError(err, "entry", id)
	}
	return c.JSON(http.StatusOK, detail)
}

// HandleProcessEntry opens an entry: ready entries answer with their
// files, others are queued for extraction
func (h *EntryHandlerImpl) HandleProcessEntry(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	sel, err := h.svc.Select(c.Request().Context(), id)
	if err != nil {
		return FromError(err, "entry", id)
	}

	if sel.Ready {
		return c.JSON(http.StatusOK, sel)
	}
	return c.JSON(http.StatusAccepted, sel)
}

// HandleDownloadFile serves one output file as an attachment
func (h *EntryHandlerImpl) HandleDownloadFile(c echo.Context) error {
	id := c.Param("id")
	name := c.Param("name")
	if id == "" {
		return NewValidationError("id")
	}
	if name == "" {
		return NewValidationError("name")
	}

	path, err := h.svc.OutputPath(c.Request().Context(), id, name)
	if err != nil {
		return FromError(err, "file", id+"/"+name)
	}
	return c.Attachment(path, name)
}

// HandleDownloadSelected streams the requested output files as a zip
func (h *EntryHandlerImpl) HandleDownloadSelected(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Files == nil {
		return NewValidationError("files")
	}

	return h.streamZip(c, id, req.Files)
}

// HandleDownloadAll streams every output file as a zip
func (h *EntryHandlerImpl) HandleDownloadAll(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	return h.streamZip(c, id, nil)
}

func (h *EntryHandlerImpl) streamZip(c echo.Context, id string, names []string) error {
	ctx := c.Request().Context()

	selected, err := h.svc.PrepareZip(ctx, id, names)
	if err != nil {
		return FromError(err, "file", id)
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/zip")
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", service.ZipName(id)))
	c.Response().WriteHeader(http.StatusOK)

	if err := h.svc.WriteZip(ctx, id, selected, c.Response()); err != nil {
		// Headers are already sent; the client sees a truncated archive.
		h.log.Error().Err(err).Str("unique_id", id).Msg("Zip download failed")
	}
	return nil
}

// HandleUpdateDescription sets an entry's description
func (h *EntryHandlerImpl) HandleUpdateDescription(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req updateDescriptionRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Description == nil {
		return NewValidationError("description")
	}

	summary, err := h.svc.UpdateDescription(c.Request().Context(), id, *req.Description)
	if err != nil {
		return FromError(err, "entry", id)
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleDeleteEntry deletes an entry when the request carries the delete
// token, either in the X-Delete-Token header or a JSON body
func (h *EntryHandlerImpl) HandleDeleteEntry(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	if !h.svc.DeletionEnabled() {
		return NewForbiddenError("deletion is disabled on this server")
	}

	token := strings.TrimSpace(c.Request().Header.Get(DeleteTokenHeader))
	if token == "" && c.Request().ContentLength != 0 {
		var req deleteRequest
		if err := c.Bind(&req); err != nil {
			return NewBadRequestError("invalid request body", err)
		}
		token = req.Token
	}

	if err := h.svc.Delete(c.Request().Context(), id, token); err != nil {
		return FromError(err, "entry", id)
	}

	h.log.Info().Str("unique_id", id).Msg("Entry deleted via API")
	return c.NoContent(http.StatusNoContent)
}

// Request/Response types

type downloadRequest struct {
	Files []string `json:"files"`
}

type updateDescriptionRequest struct {
	Description *string `json:"description"`
}

type deleteRequest struct {
	Token string `json:"token"`
}
