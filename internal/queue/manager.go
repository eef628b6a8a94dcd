package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ahrdadan/callrepro/internal/diag"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "REPRO_RUNS"
	// SubjectName is the subject for run messages
	SubjectName = "repro.runs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "repro-worker"

	// DefaultRunTimeout bounds a single run end to end
	DefaultRunTimeout = 4 * time.Minute
)

// ErrNotCancelable is returned when canceling a run that already started
var ErrNotCancelable = errors.New("run can no longer be canceled")

// RunProcessor executes one run. observe is called for every diagnostic
// captured while the run is in progress.
type RunProcessor interface {
	Process(ctx context.Context, run *Run, observe func(diag.Message)) error
}

// Manager queues runs on JetStream and executes them with a single worker
type Manager struct {
	js         jetstream.JetStream
	publish    func(ctx context.Context, data []byte) error
	store      *Store
	events     *EventHub
	consumer   jetstream.Consumer
	runTimeout time.Duration
	mu         sync.Mutex
	isRunning  bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewManager creates a new queue manager on js
func NewManager(js jetstream.JetStream) (*Manager, error) {
	m := newManager(func(ctx context.Context, data []byte) error {
		_, err := js.Publish(ctx, SubjectName, data)
		return err
	})
	m.js = js

	if err := m.setupStream(); err != nil {
		m.cancel()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	return m, nil
}

func newManager(publish func(ctx context.Context, data []byte) error) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		publish:    publish,
		store:      NewStore(),
		events:     NewEventHub(),
		runTimeout: DefaultRunTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// setupStream creates or updates the JetStream stream and consumer
func (m *Manager) setupStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Repro run queue",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	// Runs are never redelivered.
	consumer, err := m.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
		AckWait:       m.runTimeout + time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	m.consumer = consumer

	return nil
}

// SetRunTimeout changes the per-run deadline
func (m *Manager) SetRunTimeout(d time.Duration) {
	if d > 0 {
		m.runTimeout = d
	}
}

// Start starts the worker. Runs are fetched one at a time and executed
// sequentially.
func (m *Manager) Start(processor RunProcessor) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	if m.consumer == nil {
		m.mu.Unlock()
		return errors.New("queue consumer not initialized")
	}
	m.isRunning = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	log.Println("Starting repro run worker...")

	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.ctx.Done():
				return
			default:
			}

			msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				continue
			}

			for msg := range msgs.Messages() {
				m.processMessage(msg, processor)
			}
		}
	}()

	return nil
}

// Stop stops the worker and waits for the current run to end
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		m.cancel()
		m.store.Stop()
		return
	}
	m.cancel()
	m.isRunning = false
	done := m.done
	m.mu.Unlock()

	<-done
	m.store.Stop()
	m.events.Close()
	log.Println("Repro run worker stopped")
}

// Enqueue stores run and publishes it to the queue
func (m *Manager) Enqueue(run *Run) error {
	if err := m.store.Save(run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	data, err := run.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.publish(ctx, data); err != nil {
		_ = m.store.Delete(run.ID)
		return fmt.Errorf("failed to publish run: %w", err)
	}

	m.events.Emit(run.ID, Event{
		RunID:   run.ID,
		Status:  run.Status,
		Message: "Run queued",
	})

	return nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(runID string) (*Run, error) {
	return m.store.Get(runID)
}

// ListRuns returns the known runs, newest first
func (m *Manager) ListRuns() ([]*Run, error) {
	return m.store.List()
}

// UpdateRun updates a run and emits a status event
func (m *Manager) UpdateRun(run *Run) error {
	if err := m.store.Update(run); err != nil {
		return err
	}

	m.emitStatus(run)
	return nil
}

// CancelRun cancels a queued run. Runs that already started are not
// interrupted.
func (m *Manager) CancelRun(runID string) (*Run, error) {
	run, err := m.store.Transition(runID, RunStatusQueued, RunStatusCanceled, "Run canceled")
	if errors.Is(err, ErrStatusMismatch) {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancelable, run.Status)
	}
	if err != nil {
		return nil, err
	}

	m.emitStatus(run)
	return run, nil
}

func (m *Manager) emitStatus(run *Run) {
	m.events.Emit(run.ID, Event{
		RunID:   run.ID,
		Status:  run.Status,
		Message: run.Message,
	})
}

// Subscribe subscribes to run events
func (m *Manager) Subscribe(runID string) <-chan Event {
	return m.events.Subscribe(runID)
}

// Unsubscribe unsubscribes from run events
func (m *Manager) Unsubscribe(runID string, ch <-chan Event) {
	m.events.Unsubscribe(runID, ch)
}

// GetStore returns the run store
func (m *Manager) GetStore() *Store {
	return m.store
}

func (m *Manager) processMessage(msg jetstream.Msg, processor RunProcessor) {
	// Ack before running: with MaxDeliver 1 the message must not come back
	// even if the process dies mid-run.
	if err := msg.Ack(); err != nil {
		log.Printf("Failed to ack run message: %v", err)
	}

	if err := m.handle(msg.Data(), processor); err != nil {
		log.Printf("Failed to handle run message: %v", err)
	}
}

// handle executes the run encoded in data unless it was canceled meanwhile
func (m *Manager) handle(data []byte, processor RunProcessor) error {
	queued, err := FromJSON(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal run: %w", err)
	}

	run, err := m.store.Transition(queued.ID, RunStatusQueued, RunStatusRunning, "Run started")
	if errors.Is(err, ErrStatusMismatch) {
		log.Printf("Skipping run %s with status %s", run.ID, run.Status)
		return nil
	}
	if err != nil {
		return err
	}
	m.emitStatus(run)

	ctx, cancel := context.WithTimeout(m.ctx, m.runTimeout)
	defer cancel()

	var mu sync.Mutex
	observe := func(msg diag.Message) {
		mu.Lock()
		run.Diagnostics++
		cp := *run
		mu.Unlock()

		_ = m.store.Update(&cp)
		m.events.Emit(run.ID, Event{
			RunID:      run.ID,
			Status:     RunStatusRunning,
			Diagnostic: &msg,
			Line:       msg.String(),
		})
	}

	perr := processor.Process(ctx, run, observe)

	mu.Lock()
	defer mu.Unlock()
	switch {
	case perr != nil && m.ctx.Err() != nil:
		run.Error = perr.Error()
		run.SetStatus(RunStatusCanceled, "Server shutting down")
	default:
		run.Finish(perr)
	}
	return m.UpdateRun(run)
}
