package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gpx-parts/backend/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// WebSocket message types for the job progress feed
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeProgress  = "progress"
	MsgTypeComplete  = "complete"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler pushes extraction job progress over WebSocket
type WebSocketHandler struct {
	svc      ArchiveService
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewWebSocketHandler creates a new job progress feed
func NewWebSocketHandler(svc ArchiveService, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		log: log,
	}
}

// HandleJobFeed upgrades the connection and sends a progress message each
// time the job changes, then a complete or error message when it ends.
func (wsh *WebSocketHandler) HandleJobFeed(c echo.Context) error {
	jobID := c.Param("jobId")
	if jobID == "" {
		return NewValidationError("jobId")
	}
	if _, err := wsh.svc.JobStatus(jobID); err != nil {
		return FromError(err, "job", jobID)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	log := wsh.log.With().Str("job_id", jobID).Logger()
	log.Debug().Msg("Job feed client connected")

	// Only this goroutine writes; the reader hands pings over.
	pings := make(chan WSMessage, 4)
	closed := make(chan struct{})
	go wsh.readLoop(ws, pings, closed, log)

	wsh.sendMessage(ws, WSMessage{Type: MsgTypeConnected, ID: jobID, Timestamp: time.Now().UnixMilli()})

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(streamTimeout)
	defer timeout.Stop()

	var last *models.Job
	for {
		job, err := wsh.svc.JobStatus(jobID)
		if err != nil {
			wsh.sendError(ws, jobID, "job no longer tracked", "NOT_FOUND")
			return nil
		}
		if last == nil || job.Progress != last.Progress || job.State != last.State || job.Phase != last.Phase {
			if err := wsh.sendJob(ws, job); err != nil {
				log.Debug().Err(err).Msg("Job feed write failed")
				return nil
			}
			last = &job
		}
		if job.Terminal() {
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.State)))
			return nil
		}

		select {
		case <-ticker.C:
		case msg := <-pings:
			wsh.sendMessage(ws, WSMessage{Type: MsgTypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()})
		case <-closed:
			log.Debug().Msg("Job feed client disconnected")
			return nil
		case <-timeout.C:
			wsh.sendError(ws, jobID, "stream timeout", "TIMEOUT")
			return nil
		}
	}
}

func (wsh *WebSocketHandler) readLoop(ws *websocket.Conn, pings chan<- WSMessage, closed chan<- struct{}, log zerolog.Logger) {
	defer close(closed)
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Job feed connection error")
			}
			return
		}
		if msg.Type == MsgTypePing {
			select {
			case pings <- msg:
			default:
			}
		}
	}
}

func (wsh *WebSocketHandler) sendJob(ws *websocket.Conn, job models.Job) error {
	msgType := MsgTypeProgress
	switch job.State {
	case models.JobStateSucceeded:
		msgType = MsgTypeComplete
	case models.JobStateFailed:
		msgType = MsgTypeError
	}
	return ws.WriteJSON(WSMessage{
		Type:      msgType,
		ID:        job.ID,
		Payload:   mustJSON(job),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (wsh *WebSocketHandler) sendMessage(ws *websocket.Conn, msg WSMessage) {
	if err := ws.WriteJSON(msg); err != nil {
		wsh.log.Debug().Err(err).Str("type", msg.Type).Msg("WebSocket write failed")
	}
}

func (wsh *WebSocketHandler) sendError(ws *websocket.Conn, id, message, code string) {
	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeError,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSErrorResponse{
			Type:    MsgTypeError,
			Message: message,
			Code:    code,
		}),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
