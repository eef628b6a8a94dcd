package diag

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Recorder keeps diagnostic messages in arrival order.
//
// Browser drivers deliver events on their own goroutines, so Add is safe for
// concurrent use. Observers see every message after it is appended, one at a
// time and in the same order as Messages.
type Recorder struct {
	messages  []Message
	observers []func(Message)
	mu        sync.RWMutex
	deliverMu sync.Mutex
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Add appends a message and notifies observers
func (r *Recorder) Add(m Message) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	r.messages = append(r.messages, m)
	observers := r.observers
	r.mu.Unlock()

	for _, fn := range observers {
		fn(m)
	}
}

// Observe registers fn to be called for every message added from now on
func (r *Recorder) Observe(fn func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Messages returns a snapshot of the recorded messages
func (r *Recorder) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of recorded messages
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// WriteFile writes one line per message to path, replacing any previous
// content. An empty recorder produces an empty file.
func (r *Recorder) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, m := range r.Messages() {
		if _, err := w.WriteString(m.String() + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("failed to write log file: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush log file: %w", err)
	}
	return f.Close()
}
