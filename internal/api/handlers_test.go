// handlers_test.go - Tests for the HTTP API over a real archive
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gpx-parts/backend/internal/archive"
	"github.com/gpx-parts/backend/internal/jobs"
	"github.com/gpx-parts/backend/internal/models"
	"github.com/gpx-parts/backend/internal/service"
	"github.com/gpx-parts/backend/internal/storage"
	"github.com/gpx-parts/backend/internal/testutil"
	"github.com/klauspost/compress/zip"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const testDeleteToken = "letmein"

// createTestServer wires the full stack over a temporary data directory.
func createTestServer(t *testing.T, token string) *echo.Echo {
	t.Helper()
	dir := t.TempDir()

	index, err := archive.OpenIndex(filepath.Join(dir, "archive.duckdb"), archive.IndexOptions{})
	require.NoError(t, err)
	blobs, err := storage.NewLocalStore(filepath.Join(dir, "originals"), filepath.Join(dir, "processed"))
	require.NoError(t, err)
	store, err := archive.Open(index, blobs, archive.Options{LockDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	runner := jobs.NewRunner(store, jobs.Config{Workers: 2}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	t.Cleanup(func() {
		runner.Stop()
		cancel()
		store.Close()
	})

	svc := service.New(store, runner, archive.NewGate(token, store, zerolog.Nop()), service.Config{
		MaxUploadSize:    1 << 20,
		AutoProcess:      true,
		CompressionLevel: 5,
	}, zerolog.Nop())

	e := echo.New()
	SetupMiddleware(e, MiddlewareConfig{})
	h := NewHandlers(&Dependencies{Service: svc, Version: "test", Logger: zerolog.Nop()})
	RegisterRoutes(e, h)
	RegisterWebSocketRoutes(e, h)
	return e
}

func do(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	part.Write(data)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/entries", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

// uploadAndWait uploads data and follows the progress stream to the end.
func uploadAndWait(t *testing.T, e *echo.Echo, filename string, data []byte) (service.UploadResult, models.Job) {
	t.Helper()
	rec := do(e, uploadRequest(t, filename, data))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Job)

	events := progressEvents(t, e, res.Job.ID)
	require.NotEmpty(t, events)
	return res, events[len(events)-1]
}

func progressEvents(t *testing.T, e *echo.Echo, jobID string) []models.Job {
	t.Helper()
	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events []models.Job
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var job models.Job
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &job))
		events = append(events, job)
	}
	return events
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func TestHealth(t *testing.T) {
	e := createTestServer(t, testDeleteToken)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"deletionEnabled":true`)
}

func TestUpload_Rejected(t *testing.T) {
	e := createTestServer(t, testDeleteToken)

	rec := do(e, uploadRequest(t, "notes.txt", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeAPIError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Contains(t, apiErr.Message, "not allowed")

	rec = do(e, jsonRequest(http.MethodPost, "/api/entries", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeAPIError(t, rec).Code)
}

func TestUploadProcessDownload(t *testing.T) {
	e := createTestServer(t, testDeleteToken)

	res, final := uploadAndWait(t, e, "morningtrip.gpx", testutil.MorningTrip())
	assert.Equal(t, models.ActionCreated, res.Action)
	assert.Equal(t, "morningtrip_20260102", res.Entry.UniqueID)
	assert.Equal(t, models.JobStateSucceeded, final.State)
	assert.Equal(t, 100, final.Progress)

	id := res.Entry.UniqueID

	t.Run("job status", func(t *testing.T) {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/api/jobs/"+res.Job.ID, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"state":"succeeded"`)
	})

	t.Run("entry detail", func(t *testing.T) {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/api/entries/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var detail service.EntryDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, models.EntryStatusReady, detail.Status)
		assert.Equal(t, "morningtrip (2026-01-02)", detail.DisplayName)
		require.Len(t, detail.Files, 3)
		assert.Equal(t, "morningtrip_markers.gpx", detail.Files[0].Name)
	})

	t.Run("process ready entry", func(t *testing.T) {
		rec := do(e, httptest.NewRequest(http.MethodPost, "/api/entries/"+id+"/process", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var sel service.Selection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
		assert.True(t, sel.Ready)
		assert.Equal(t, "/api/entries/"+id, sel.Redirect)
		assert.Len(t, sel.Files, 3)
	})

	t.Run("download one", func(t *testing.T) {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/api/entries/"+id+"/files/Morning_Ride.gpx", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "attachment")
		assert.Contains(t, rec.Body.String(), "<trkpt")
		assert.Contains(t, rec.Body.String(), `Extracted track "Morning Ride" from morningtrip.gpx`)
	})

	t.Run("download manifest hidden", func(t *testing.T) {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/api/entries/"+id+"/files/.manifest.yaml", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("download all", func(t *testing.T) {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/api/entries/"+id+"/download", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/zip", rec.Header().Get(echo.HeaderContentType))
		assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), id+".zip")

		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		require.NoError(t, err)
		assert.Len(t, zr.File, 3)
	})

	t.Run("download selected", func(t *testing.T) {
		rec := do(e, jsonRequest(http.MethodPost, "/api/entries/"+id+"/download", `{"files":["morningtrip_summary.txt"]}`))
		require.Equal(t, http.StatusOK, rec.Code)
		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		require.NoError(t, err)
		require.Len(t, zr.File, 1)
		assert.Equal(t, "morningtrip_summary.txt", zr.File[0].Name)
	})

	t.Run("download selection errors", func(t *testing.T) {
		tests := []struct {
			body string
			code int
		}{
			{`{"files":["nope.gpx"]}`, http.StatusNotFound},
			{`{"files":[]}`, http.StatusBadRequest},
			{`{}`, http.StatusBadRequest},
			{`{"files":`, http.StatusBadRequest},
		}
		for _, tt := range tests {
			rec := do(e, jsonRequest(http.MethodPost, "/api/entries/"+id+"/download", tt.body))
			assert.Equal(t, tt.code, rec.Code, "body %s", tt.body)
		}
	})

	t.Run("duplicate upload skipped", func(t *testing.T) {
		rec := do(e, uploadRequest(t, "morningtrip.gpx", testutil.MorningTrip()))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"action":"skipped"`)
	})
}

func TestListEntries(t *testing.T) {
	e := createTestServer(t, testDeleteToken)
	uploadAndWait(t, e, "morningtrip.gpx", testutil.MorningTrip())
	uploadAndWait(t, e, "evening.gpx", testutil.NewGPX().
		BuildDate(time.Date(2026, 1, 3, 18, 0, 0, 0, time.UTC)).
		Route("Home", 4).
		Bytes())

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/entries", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Entries []models.EntrySummary `json:"entries"`
		Total   int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/api/entries/msgpack", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var decoded map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &decoded))
	entries, ok := decoded["entries"].([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 2)
	first, ok := entries[0].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, first, "uniqueId")
	assert.Contains(t, first, "displayName")
}

func TestUpdateDescription(t *testing.T) {
	e := createTestServer(t, testDeleteToken)
	res, _ := uploadAndWait(t, e, "morningtrip.gpx", testutil.MorningTrip())
	target := "/api/entries/" + res.Entry.UniqueID + "/description"

	rec := do(e, jsonRequest(http.MethodPut, target, `{"description":"Lake loop"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"description":"Lake loop"`)

	rec = do(e, jsonRequest(http.MethodPut, target, `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, jsonRequest(http.MethodPut, "/api/entries/nope_20260101/description", `{"description":"x"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteEntry(t *testing.T) {
	e := createTestServer(t, testDeleteToken)
	res, _ := uploadAndWait(t, e, "morningtrip.gpx", testutil.MorningTrip())
	target := "/api/entries/" + res.Entry.UniqueID

	rec := do(e, httptest.NewRequest(http.MethodDelete, target, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "missing token")

	req := httptest.NewRequest(http.MethodDelete, target, nil)
	req.Header.Set(DeleteTokenHeader, "wrong")
	rec = do(e, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusOK, rec.Code, "rejected delete leaves the entry")

	rec = do(e, jsonRequest(http.MethodDelete, target, fmt.Sprintf(`{"token":%q}`, testDeleteToken)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(e, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, target, nil)
	req.Header.Set(DeleteTokenHeader, testDeleteToken)
	rec = do(e, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "second delete")
}

func TestDeleteDisabled(t *testing.T) {
	e := createTestServer(t, "")
	res, _ := uploadAndWait(t, e, "morningtrip.gpx", testutil.MorningTrip())

	req := httptest.NewRequest(http.MethodDelete, "/api/entries/"+res.Entry.UniqueID, nil)
	req.Header.Set(DeleteTokenHeader, "")
	rec := do(e, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestNotFoundAndConflict(t *testing.T) {
	e := createTestServer(t, testDeleteToken)

	tests := []struct {
		method, target string
		code           int
	}{
		{http.MethodGet, "/api/jobs/does-not-exist", http.StatusNotFound},
		{http.MethodGet, "/api/entries/nope_20260101", http.StatusNotFound},
		{http.MethodPost, "/api/entries/nope_20260101/process", http.StatusNotFound},
		{http.MethodGet, "/api/entries/nope_20260101/download", http.StatusNotFound},
		{http.MethodGet, "/api/ws/jobs/does-not-exist", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := do(e, httptest.NewRequest(tt.method, tt.target, nil))
		assert.Equal(t, tt.code, rec.Code, "%s %s", tt.method, tt.target)
		assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rec).Code)
	}

	// An entry whose extraction failed has no outputs to serve.
	res, final := uploadAndWait(t, e, "broken.gpx", []byte("<gpx><trk></gpx>"))
	assert.Equal(t, models.JobStateFailed, final.State)
	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/entries/"+res.Entry.UniqueID+"/download", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	events := progressEvents(t, e, "does-not-exist")
	assert.Len(t, events, 1)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &service.ValidationError{Field: "file", Message: "bad"}, http.StatusBadRequest},
		{"unauthorized", archive.ErrUnauthorized, http.StatusForbidden},
		{"entry missing", fmt.Errorf("x: %w", archive.ErrNotFound), http.StatusNotFound},
		{"job missing", jobs.ErrJobNotFound, http.StatusNotFound},
		{"not ready", archive.ErrNotReady, http.StatusConflict},
		{"queue full", jobs.ErrQueueFull, http.StatusServiceUnavailable},
		{"storage", errors.New("disk on fire"), http.StatusInternalServerError},
		{"api error", NewConflictError("busy"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, FromError(tt.err, "entry", "x").Status)
		})
	}
}

func TestJobFeedWebSocket(t *testing.T) {
	e := createTestServer(t, testDeleteToken)
	srv := httptest.NewServer(e)
	defer srv.Close()

	rec := do(e, uploadRequest(t, "morningtrip.gpx", testutil.MorningTrip()))
	require.Equal(t, http.StatusCreated, rec.Code)
	var res service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Job)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/jobs/" + res.Job.ID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))

	var types []string
	var last models.Job
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		types = append(types, msg.Type)
		if msg.Type == MsgTypeProgress || msg.Type == MsgTypeComplete {
			require.NoError(t, json.Unmarshal(msg.Payload, &last))
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, MsgTypeConnected, types[0])
	assert.Equal(t, MsgTypeComplete, types[len(types)-1])
	assert.Equal(t, models.JobStateSucceeded, last.State)
}
