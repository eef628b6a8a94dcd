package queue

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Store is an in-memory run store with TTL support
type Store struct {
	runs          map[string]*Run
	mu            sync.RWMutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewStore creates a new run store
func NewStore() *Store {
	s := &Store{
		runs:        make(map[string]*Run),
		stopCleanup: make(chan struct{}),
	}

	s.startCleanup()

	return s
}

func (s *Store) startCleanup() {
	s.cleanupTicker = time.NewTicker(time.Hour)

	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.cleanupExpired()
			case <-s.stopCleanup:
				s.cleanupTicker.Stop()
				return
			}
		}
	}()
}

func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, run := range s.runs {
		if run.IsExpired() {
			delete(s.runs, id)
			deleted++
		}
	}

	if deleted > 0 {
		log.Printf("Cleaned up %d expired runs", deleted)
	}
	return deleted
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save stores a copy of run
func (s *Store) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// Get returns a copy of the run with the given ID
func (s *Store) Get(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	if run.IsExpired() {
		return nil, fmt.Errorf("run expired: %s", runID)
	}

	cp := *run
	return &cp, nil
}

// Update replaces an existing run
func (s *Store) Update(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// ErrStatusMismatch is returned by Transition when the run is not in the
// expected status
var ErrStatusMismatch = errors.New("unexpected run status")

// Transition moves a run from one status to another atomically. When the
// run is not in status from it is left untouched, and a copy of it is
// returned together with ErrStatusMismatch.
func (s *Store) Transition(runID string, from, to RunStatus, message string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.IsExpired() {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	if run.Status != from {
		cp := *run
		return &cp, fmt.Errorf("%w: %s is %s, not %s", ErrStatusMismatch, runID, run.Status, from)
	}

	run.SetStatus(to, message)
	cp := *run
	return &cp, nil
}

// Delete removes a run from the store
func (s *Store) Delete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// List returns all unexpired runs, newest first
func (s *Store) List() ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if run.IsExpired() {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt == runs[j].CreatedAt {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt > runs[j].CreatedAt
	})
	return runs, nil
}
