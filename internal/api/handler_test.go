package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahrdadan/callrepro/internal/api"
	"github.com/ahrdadan/callrepro/internal/queue"
)

// fakeRuns is an in-memory RunService
type fakeRuns struct {
	mu         sync.Mutex
	runs       map[string]*queue.Run
	enqueueErr error
	subs       map[<-chan queue.Event]bool

	// onSubscribe runs right after a subscription is made, with the
	// channel it is backed by
	onSubscribe func(runID string, ch chan queue.Event)
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{
		runs: make(map[string]*queue.Run),
		subs: make(map[<-chan queue.Event]bool),
	}
}

func (f *fakeRuns) Enqueue(run *queue.Run) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRuns) GetRun(runID string) (*queue.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) ListRuns() ([]*queue.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*queue.Run, 0, len(f.runs))
	for _, run := range f.runs {
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRuns) CancelRun(runID string) (*queue.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if run.Status != queue.RunStatusQueued {
		return nil, fmt.Errorf("%w: status is %s", queue.ErrNotCancelable, run.Status)
	}
	run.SetStatus(queue.RunStatusCanceled, "Run canceled")
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) Subscribe(runID string) <-chan queue.Event {
	ch := make(chan queue.Event, 8)
	f.mu.Lock()
	f.subs[ch] = true
	hook := f.onSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook(runID, ch)
	}
	return ch
}

func (f *fakeRuns) Unsubscribe(_ string, ch <-chan queue.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, ch)
}

func (f *fakeRuns) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeRuns) finish(runID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID].Finish(err)
}

func (f *fakeRuns) put(run *queue.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

func setupTestApp(runs api.RunService, logDir string, natsUp bool) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
	})

	cfg := api.DefaultRouteConfig()
	cfg.LogDir = logDir
	cfg.BaseURL = "http://repro.test"

	health := api.NewHealthHandler("rod", func() bool { return natsUp })
	metrics := func(c *fiber.Ctx) error { return c.SendString("# metrics") }

	rl := api.SetupRoutes(app, runs, health, metrics, cfg)
	rl.Stop()
	return app
}

func decode(t *testing.T, resp *http.Response) api.Response {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	var response api.Response
	if err := json.Unmarshal(body, &response); err != nil {
		t.Fatalf("Failed to parse response %q: %v", body, err)
	}
	return response
}

func TestHealthCheck(t *testing.T) {
	app := setupTestApp(newFakeRuns(), t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	response := decode(t, resp)
	if !response.Success {
		t.Errorf("Expected success to be true")
	}

	data := response.Data.(map[string]interface{})
	if data["engine"] != "rod" || data["nats"] != true {
		t.Errorf("Unexpected health data: %v", data)
	}
}

func TestHealthCheckNATSDown(t *testing.T) {
	app := setupTestApp(newFakeRuns(), t.TempDir(), false)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 503 {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	app := setupTestApp(newFakeRuns(), t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestCreateRun(t *testing.T) {
	runs := newFakeRuns()
	logDir := t.TempDir()
	app := setupTestApp(runs, logDir, true)

	resp, err := app.Test(httptest.NewRequest("POST", "/repro/runs", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 202 {
		t.Errorf("Expected status 202, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("Expected security headers on run routes")
	}

	response := decode(t, resp)
	data := response.Data.(map[string]interface{})
	runID, _ := data["run_id"].(string)
	if !strings.HasPrefix(runID, "run_") {
		t.Fatalf("Unexpected run id %q", runID)
	}
	if data["status"] != "queued" {
		t.Errorf("Expected status queued, got %v", data["status"])
	}
	if data["log_url"] != "http://repro.test/repro/runs/"+runID+"/log" {
		t.Errorf("Unexpected log url %v", data["log_url"])
	}
	events := data["events"].(map[string]interface{})
	if events["ws_url"] != "ws://repro.test/repro/ws?run_id="+runID {
		t.Errorf("Unexpected ws url %v", events["ws_url"])
	}

	run, err := runs.GetRun(runID)
	if err != nil {
		t.Fatalf("Run was not enqueued: %v", err)
	}
	if run.LogPath != filepath.Join(logDir, runID+".log") {
		t.Errorf("Unexpected log path %s", run.LogPath)
	}
}

func TestCreateRunEnqueueFailure(t *testing.T) {
	runs := newFakeRuns()
	runs.enqueueErr = errors.New("nats: no responders available")
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("POST", "/repro/runs", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 500 {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
	}
	if response := decode(t, resp); response.Success {
		t.Errorf("Expected success to be false")
	}
}

func TestCreateRunRateLimited(t *testing.T) {
	app := setupTestApp(newFakeRuns(), t.TempDir(), true)

	var last int
	for i := 0; i < 6; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/repro/runs", nil))
		if err != nil {
			t.Fatalf("Failed to test request: %v", err)
		}
		last = resp.StatusCode
	}

	if last != 429 {
		t.Errorf("Expected burst to be rate limited with 429, got %d", last)
	}
}

func TestGetRun(t *testing.T) {
	runs := newFakeRuns()
	run := queue.NewRun("run_abc12345", "x.log", time.Hour)
	run.SetStatus(queue.RunStatusRunning, "Run started")
	run.Diagnostics = 3
	runs.put(run)
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_abc12345", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	data := decode(t, resp).Data.(map[string]interface{})
	if data["status"] != "running" {
		t.Errorf("Expected status running, got %v", data["status"])
	}
	if data["diagnostics"] != float64(3) {
		t.Errorf("Expected 3 diagnostics, got %v", data["diagnostics"])
	}
}

func TestGetRunNotFound(t *testing.T) {
	app := setupTestApp(newFakeRuns(), t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_missing", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestGetRunLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run_done.log")
	content := "CONSOLE: [error] getUserMedia failed\nPAGEERROR: TypeError: stream is null\n"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	runs := newFakeRuns()
	run := queue.NewRun("run_done", logPath, time.Hour)
	run.Finish(nil)
	runs.put(run)
	app := setupTestApp(runs, dir, true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_done/log", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != content {
		t.Errorf("Expected log verbatim, got %q", body)
	}
}

func TestGetRunLogNotCompleted(t *testing.T) {
	runs := newFakeRuns()
	runs.put(queue.NewRun("run_q", "x.log", time.Hour))
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_q/log", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 409 {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	runs := newFakeRuns()
	runs.put(queue.NewRun("run_q", "x.log", time.Hour))
	running := queue.NewRun("run_r", "y.log", time.Hour)
	running.SetStatus(queue.RunStatusRunning, "Run started")
	runs.put(running)
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("POST", "/repro/runs/run_q/cancel", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if data := decode(t, resp).Data.(map[string]interface{}); data["status"] != "canceled" {
		t.Errorf("Expected status canceled, got %v", data["status"])
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/repro/runs/run_r/cancel", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	if resp.StatusCode != 409 {
		t.Errorf("Expected status 409 for a running run, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/repro/runs/run_missing/cancel", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestStreamEventsCompletedRun(t *testing.T) {
	runs := newFakeRuns()
	run := queue.NewRun("run_done", "x.log", time.Hour)
	run.Finish(errors.New("element not visible"))
	runs.put(run)
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_done/events", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "event: status\ndata: ") || !strings.Contains(string(body), `"status":"failed"`) {
		t.Errorf("Unexpected stream %q", body)
	}
}

func TestStreamEventsRunFinishesWhileSubscribing(t *testing.T) {
	runs := newFakeRuns()
	run := queue.NewRun("run_race", "x.log", time.Hour)
	run.SetStatus(queue.RunStatusRunning, "Run started")
	runs.put(run)
	// The final status lands before the stream reads the run. No event
	// follows, so the stream has to end from the snapshot alone.
	runs.onSubscribe = func(runID string, _ chan queue.Event) {
		runs.finish(runID, nil)
	}
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_race/events", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"finished"`) {
		t.Errorf("Expected finished snapshot, got %q", body)
	}
	if n := runs.active(); n != 0 {
		t.Errorf("Expected no active subscriptions, got %d", n)
	}
}

func TestStreamEventsRunningRun(t *testing.T) {
	runs := newFakeRuns()
	run := queue.NewRun("run_live", "x.log", time.Hour)
	run.SetStatus(queue.RunStatusRunning, "Run started")
	runs.put(run)
	runs.onSubscribe = func(runID string, ch chan queue.Event) {
		ch <- queue.Event{RunID: runID, Status: queue.RunStatusRunning, Line: "PAGEERROR: boom"}
		ch <- queue.Event{RunID: runID, Status: queue.RunStatusFinished, Message: "Run finished"}
	}
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_live/events", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d: %q", len(frames), body)
	}
	if !strings.Contains(frames[0], `"status":"running"`) {
		t.Errorf("Expected running snapshot first, got %q", frames[0])
	}
	if !strings.Contains(frames[1], "PAGEERROR: boom") {
		t.Errorf("Expected the diagnostic line, got %q", frames[1])
	}
	if !strings.Contains(frames[2], `"status":"finished"`) {
		t.Errorf("Expected finished status last, got %q", frames[2])
	}
	if n := runs.active(); n != 0 {
		t.Errorf("Expected no active subscriptions, got %d", n)
	}
}

func TestStreamEventsUnknownRun(t *testing.T) {
	runs := newFakeRuns()
	app := setupTestApp(runs, t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/runs/run_none/events", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if n := runs.active(); n != 0 {
		t.Errorf("Expected no active subscriptions, got %d", n)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	app := setupTestApp(newFakeRuns(), t.TempDir(), true)

	resp, err := app.Test(httptest.NewRequest("GET", "/repro/ws?run_id=run_x", nil))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.StatusCode != 426 {
		t.Errorf("Expected status 426, got %d", resp.StatusCode)
	}
}
