package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/callrepro/internal/queue"
)

// RunService is the queue surface the run handlers need
type RunService interface {
	Enqueue(run *queue.Run) error
	GetRun(runID string) (*queue.Run, error)
	ListRuns() ([]*queue.Run, error)
	CancelRun(runID string) (*queue.Run, error)
	Subscribe(runID string) <-chan queue.Event
	Unsubscribe(runID string, ch <-chan queue.Event)
}

// RunHandler handles repro run API requests
type RunHandler struct {
	runs    RunService
	logDir  string
	ttl     time.Duration
	baseURL string
}

// NewRunHandler creates a new run handler. Logs of new runs are written
// under logDir.
func NewRunHandler(runs RunService, logDir string, ttl time.Duration, baseURL string) *RunHandler {
	return &RunHandler{
		runs:    runs,
		logDir:  logDir,
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// CreateRun queues a new repro run
// POST /repro/runs
func (h *RunHandler) CreateRun(c *fiber.Ctx) error {
	id := queue.NewRunID()
	run := queue.NewRun(id, queue.LogPath(h.logDir, id), h.ttl)

	if err := h.runs.Enqueue(run); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("Failed to enqueue run: %v", err))
	}

	response := queue.RunCreatedResponse{
		RunID:     run.ID,
		Status:    run.Status,
		StatusURL: h.url("/repro/runs/%s", run.ID),
		LogURL:    h.url("/repro/runs/%s/log", run.ID),
	}
	response.Events.SSEURL = h.url("/repro/runs/%s/events", run.ID)
	response.Events.WSURL = h.wsURL(run.ID)

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data:    response,
	})
}

// ListRuns returns the known runs, newest first
// GET /repro/runs
func (h *RunHandler) ListRuns(c *fiber.Ctx) error {
	runs, err := h.runs.ListRuns()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"runs":  runs,
			"total": len(runs),
		},
	})
}

// GetRun returns the status of a run
// GET /repro/runs/:run_id
func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	response := map[string]interface{}{
		"run_id":      run.ID,
		"status":      run.Status,
		"message":     run.Message,
		"diagnostics": run.Diagnostics,
		"created_at":  run.CreatedAt,
		"updated_at":  run.UpdatedAt,
	}
	if run.StartedAt > 0 {
		response["started_at"] = run.StartedAt
	}
	if run.CompletedAt > 0 {
		response["completed_at"] = run.CompletedAt
	}
	if run.Error != "" {
		response["error"] = run.Error
	}
	if run.ExpiresAt > 0 {
		response["expires_at"] = time.Unix(run.ExpiresAt, 0).UTC().Format(time.RFC3339)
	}

	return c.JSON(Response{
		Success: true,
		Data:    response,
	})
}

// GetRunLog returns the diagnostics log of a completed run verbatim
// GET /repro/runs/:run_id/log
func (h *RunHandler) GetRunLog(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	if !run.Status.IsTerminal() {
		return fiber.NewError(fiber.StatusConflict, "Run not completed yet")
	}

	data, err := os.ReadFile(run.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fiber.NewError(fiber.StatusNotFound, "Log not available")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Send(data)
}

// CancelRun cancels a queued run
// POST /repro/runs/:run_id/cancel
func (h *RunHandler) CancelRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	if runID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Run ID is required")
	}

	run, err := h.runs.CancelRun(runID)
	if err != nil {
		if errors.Is(err, queue.ErrNotCancelable) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"run_id": run.ID,
			"status": run.Status,
		},
	})
}

// StreamEvents streams run events via SSE
// GET /repro/runs/:run_id/events
func (h *RunHandler) StreamEvents(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	if runID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Run ID is required")
	}

	run, events, err := h.subscribe(runID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.runs.Unsubscribe(run.ID, events)
		}

		if err := writeSSE(w, statusEvent(run)); err != nil || events == nil {
			return
		}

		for event := range events {
			if err := writeSSE(w, event); err != nil {
				return
			}
			if event.Terminal() {
				return
			}
		}
	})

	return nil
}

func writeSSE(w *bufio.Writer, event queue.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	name := "status"
	if event.Diagnostic != nil {
		name = "diagnostic"
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleWebSocket streams run events over a WebSocket
// GET /repro/ws?run_id=
func (h *RunHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	runID := c.Query("run_id")
	if runID == "" {
		_ = c.WriteJSON(Response{Success: false, Error: "run_id is required"})
		return
	}

	run, events, err := h.subscribe(runID)
	if err != nil {
		_ = c.WriteJSON(Response{Success: false, Error: "run not found"})
		return
	}
	if events != nil {
		defer h.runs.Unsubscribe(runID, events)
	}

	if err := c.WriteJSON(statusEvent(run)); err != nil || events == nil {
		return
	}

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			return
		}
		if event.Terminal() {
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Status)))
			return
		}
	}
}

// subscribe reads the run after subscribing to its events, so an update
// landing in between shows up either in the snapshot or on the channel.
// The channel is nil for runs that already ended.
func (h *RunHandler) subscribe(runID string) (*queue.Run, <-chan queue.Event, error) {
	events := h.runs.Subscribe(runID)

	run, err := h.runs.GetRun(runID)
	if err != nil {
		h.runs.Unsubscribe(runID, events)
		return nil, nil, err
	}

	if run.Status.IsTerminal() {
		h.runs.Unsubscribe(runID, events)
		return run, nil, nil
	}
	return run, events, nil
}

func (h *RunHandler) lookup(c *fiber.Ctx) (*queue.Run, error) {
	runID := c.Params("run_id")
	if runID == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Run ID is required")
	}

	run, err := h.runs.GetRun(runID)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Run not found")
	}
	return run, nil
}

func statusEvent(run *queue.Run) queue.Event {
	return queue.Event{
		RunID:   run.ID,
		Status:  run.Status,
		Message: run.Message,
	}
}

func (h *RunHandler) url(format string, args ...interface{}) string {
	return h.baseURL + fmt.Sprintf(format, args...)
}

func (h *RunHandler) wsURL(runID string) string {
	base := h.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/repro/ws?run_id=" + runID
}
