package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/callrepro/internal/diag"
	"github.com/ahrdadan/callrepro/internal/metrics"
	"github.com/ahrdadan/callrepro/internal/repro"
)

type processorFunc func(ctx context.Context, run *Run, observe func(diag.Message)) error

func (f processorFunc) Process(ctx context.Context, run *Run, observe func(diag.Message)) error {
	return f(ctx, run, observe)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	lines    []string
}

func (p *recordingPublisher) PublishDiagnostic(runID string, m diag.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, runID)
	p.lines = append(p.lines, m.String())
	return nil
}

func testManager(t *testing.T) (*Manager, *[][]byte) {
	t.Helper()
	var published [][]byte
	m := newManager(func(_ context.Context, data []byte) error {
		published = append(published, data)
		return nil
	})
	t.Cleanup(m.Stop)
	return m, &published
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	assert.True(t, strings.HasPrefix(id, "run_"))
	assert.Len(t, id, len("run_")+8)
	assert.NotEqual(t, id, NewRunID())
}

func TestRunLifecycle(t *testing.T) {
	run := NewRun("run_1", "/tmp/run_1.log", 0)
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.Greater(t, run.ExpiresAt, run.CreatedAt)

	run.SetStatus(RunStatusRunning, "Run started")
	assert.NotZero(t, run.StartedAt)
	assert.Zero(t, run.CompletedAt)
	assert.False(t, run.Status.IsTerminal())

	run.Finish(errors.New("timeout"))
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, "timeout", run.Error)
	assert.NotZero(t, run.CompletedAt)
	assert.True(t, run.Status.IsTerminal())
}

func TestRunExpired(t *testing.T) {
	run := NewRun("run_1", "x.log", time.Hour)
	assert.False(t, run.IsExpired())
	run.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	assert.True(t, run.IsExpired())

	s := NewStore()
	defer s.Stop()
	require.NoError(t, s.Save(run))
	_, err := s.Get(run.ID)
	assert.Error(t, err)
	assert.Equal(t, 1, s.cleanupExpired())
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	defer s.Stop()

	run := NewRun("run_1", "x.log", 0)
	require.NoError(t, s.Save(run))
	run.Status = RunStatusFailed

	got, err := s.Get("run_1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusQueued, got.Status)

	got.Status = RunStatusRunning
	again, _ := s.Get("run_1")
	assert.Equal(t, RunStatusQueued, again.Status)

	assert.Error(t, s.Update(NewRun("run_missing", "", 0)))
}

func TestEventHub(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe("run_1")
	other := h.Subscribe("run_2")

	h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusRunning})

	select {
	case ev := <-ch:
		assert.Equal(t, RunStatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, other, 0)

	h.Unsubscribe("run_1", ch)
	_, open := <-ch
	assert.False(t, open)

	h.Close()
	_, open = <-other
	assert.False(t, open)
}

func TestEventHubDeliversTerminalAfterBurst(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe("run_1")

	for i := 0; i < subscriberBuffer+10; i++ {
		msg := diag.Console("log", "tick")
		h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusRunning, Diagnostic: &msg})
	}
	h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusFinished, Message: "Run completed"})

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}

	require.Len(t, got, subscriberBuffer)
	last := got[len(got)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, RunStatusFinished, last.Status)
	// 10 that never fit plus the one given up for the final status
	assert.Equal(t, 11, last.Dropped)

	// The subscription ended on its own.
	assert.NotPanics(t, func() { h.Unsubscribe("run_1", ch) })
	h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusRunning})
}

func TestEventHubReportsDroppedEvents(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe("run_1")

	msg := diag.PageError("boom")
	for i := 0; i < subscriberBuffer+3; i++ {
		h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusRunning, Diagnostic: &msg})
	}
	for i := 0; i < subscriberBuffer; i++ {
		assert.Zero(t, (<-ch).Dropped)
	}

	h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusRunning, Diagnostic: &msg})
	assert.Equal(t, 3, (<-ch).Dropped)

	h.Emit("run_1", Event{RunID: "run_1", Status: RunStatusRunning, Diagnostic: &msg})
	assert.Zero(t, (<-ch).Dropped)
	h.Close()
}

func TestStoreTransition(t *testing.T) {
	s := NewStore()
	defer s.Stop()
	require.NoError(t, s.Save(NewRun("run_1", "", 0)))

	run, err := s.Transition("run_1", RunStatusQueued, RunStatusRunning, "Run started")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NotZero(t, run.StartedAt)

	run, err = s.Transition("run_1", RunStatusQueued, RunStatusCanceled, "Run canceled")
	assert.ErrorIs(t, err, ErrStatusMismatch)
	require.NotNil(t, run)
	assert.Equal(t, RunStatusRunning, run.Status)

	stored, err := s.Get("run_1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, stored.Status)
	assert.Equal(t, "Run started", stored.Message)

	_, err = s.Transition("run_missing", RunStatusQueued, RunStatusRunning, "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrStatusMismatch)
}

func TestEnqueue(t *testing.T) {
	m, published := testManager(t)
	events := m.Subscribe("run_a")

	run := NewRun("run_a", "a.log", 0)
	require.NoError(t, m.Enqueue(run))

	require.Len(t, *published, 1)
	decoded, err := FromJSON((*published)[0])
	require.NoError(t, err)
	assert.Equal(t, "run_a", decoded.ID)

	ev := <-events
	assert.Equal(t, RunStatusQueued, ev.Status)
	assert.Equal(t, "Run queued", ev.Message)

	stored, err := m.GetRun("run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusQueued, stored.Status)
}

func TestEnqueuePublishFailure(t *testing.T) {
	m := newManager(func(context.Context, []byte) error { return errors.New("no responders") })
	defer m.Stop()

	err := m.Enqueue(NewRun("run_a", "a.log", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")

	_, err = m.GetRun("run_a")
	assert.Error(t, err)
}

func TestCancelRun(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.Enqueue(NewRun("run_a", "a.log", 0)))

	run, err := m.CancelRun("run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, run.Status)

	_, err = m.CancelRun("run_a")
	assert.ErrorIs(t, err, ErrNotCancelable)

	_, err = m.CancelRun("run_missing")
	assert.Error(t, err)
}

func TestHandleSkipsCanceledRun(t *testing.T) {
	m, published := testManager(t)
	require.NoError(t, m.Enqueue(NewRun("run_a", "a.log", 0)))
	_, err := m.CancelRun("run_a")
	require.NoError(t, err)

	called := false
	err = m.handle((*published)[0], processorFunc(func(context.Context, *Run, func(diag.Message)) error {
		called = true
		return nil
	}))
	require.NoError(t, err)
	assert.False(t, called)
}

func TestCancelRunAfterStart(t *testing.T) {
	m, published := testManager(t)
	require.NoError(t, m.Enqueue(NewRun("run_a", "a.log", 0)))

	err := m.handle((*published)[0], processorFunc(func(context.Context, *Run, func(diag.Message)) error {
		_, err := m.CancelRun("run_a")
		assert.ErrorIs(t, err, ErrNotCancelable)
		return nil
	}))
	require.NoError(t, err)

	run, err := m.GetRun("run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, run.Status)
}

func TestCancelRacesStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		m, published := testManager(t)
		require.NoError(t, m.Enqueue(NewRun("run_a", "a.log", 0)))

		var (
			wg       sync.WaitGroup
			ran      bool
			canceled bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.handle((*published)[0], processorFunc(func(context.Context, *Run, func(diag.Message)) error {
				ran = true
				return nil
			}))
		}()
		go func() {
			defer wg.Done()
			_, err := m.CancelRun("run_a")
			canceled = err == nil
		}()
		wg.Wait()

		require.NotEqual(t, ran, canceled, "exactly one of start and cancel must win")
		run, err := m.GetRun("run_a")
		require.NoError(t, err)
		if canceled {
			assert.Equal(t, RunStatusCanceled, run.Status)
		} else {
			assert.Equal(t, RunStatusFinished, run.Status)
		}
	}
}

func TestHandleRunsProcessor(t *testing.T) {
	m, published := testManager(t)
	require.NoError(t, m.Enqueue(NewRun("run_a", "a.log", 0)))
	events := m.Subscribe("run_a")

	err := m.handle((*published)[0], processorFunc(func(_ context.Context, run *Run, observe func(diag.Message)) error {
		assert.Equal(t, RunStatusRunning, run.Status)
		observe(diag.Console("error", "WebRTC failed"))
		observe(diag.PageError("TypeError: stream is null"))
		return nil
	}))
	require.NoError(t, err)

	run, err := m.GetRun("run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, run.Status)
	assert.Equal(t, 2, run.Diagnostics)

	var lines []string
	var statuses []RunStatus
	for len(events) > 0 {
		ev := <-events
		statuses = append(statuses, ev.Status)
		if ev.Diagnostic != nil {
			lines = append(lines, ev.Line)
		}
	}
	assert.Equal(t, []string{"CONSOLE: [error] WebRTC failed", "PAGEERROR: TypeError: stream is null"}, lines)
	assert.Equal(t, RunStatusRunning, statuses[0])
	assert.Equal(t, RunStatusFinished, statuses[len(statuses)-1])
}

func TestHandleProcessorFailure(t *testing.T) {
	m, published := testManager(t)
	require.NoError(t, m.Enqueue(NewRun("run_a", "a.log", 0)))

	err := m.handle((*published)[0], processorFunc(func(context.Context, *Run, func(diag.Message)) error {
		return repro.ErrNotVisible
	}))
	require.NoError(t, err)

	run, _ := m.GetRun("run_a")
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, repro.ErrNotVisible.Error(), run.Error)
}

func TestHandleBadMessage(t *testing.T) {
	m, _ := testManager(t)
	assert.Error(t, m.handle([]byte("{"), processorFunc(nil)))
	assert.Error(t, m.handle([]byte(`{"run_id":"run_unknown"}`), processorFunc(nil)))
}

func TestReproProcessorWritesLog(t *testing.T) {
	dir := t.TempDir()
	run := NewRun("run_a", LogPath(dir, "run_a"), 0)

	launcher := repro.LauncherFunc(func(_ context.Context, rec *diag.Recorder) (repro.Session, error) {
		rec.Add(diag.Console("warning", "slow network"))
		rec.Add(diag.PageError("ReferenceError: peer is not defined"))
		return nil, errors.New("chromium missing")
	})
	pub := &recordingPublisher{}
	p := NewReproProcessor(launcher, repro.DefaultScenario(), pub, metrics.New())

	var observed []diag.Message
	err := p.Process(context.Background(), run, func(m diag.Message) { observed = append(observed, m) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chromium missing")
	assert.Len(t, observed, 2)
	assert.Equal(t, []string{"run_a", "run_a"}, pub.subjects)

	data, err := os.ReadFile(filepath.Join(dir, "run_a.log"))
	require.NoError(t, err)
	assert.Equal(t, "CONSOLE: [warning] slow network\nPAGEERROR: ReferenceError: peer is not defined\n", string(data))
}
