package queue

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/ahrdadan/callrepro/internal/diag"
	"github.com/ahrdadan/callrepro/internal/metrics"
	"github.com/ahrdadan/callrepro/internal/repro"
)

// DiagnosticPublisher forwards captured diagnostics outside the process
type DiagnosticPublisher interface {
	PublishDiagnostic(runID string, m diag.Message) error
}

// ReproProcessor runs the repro scenario for each queued run
type ReproProcessor struct {
	launcher  repro.Launcher
	scenario  repro.Scenario
	publisher DiagnosticPublisher
	metrics   *metrics.Metrics
}

// NewReproProcessor creates a processor. publisher and m may be nil.
func NewReproProcessor(launcher repro.Launcher, scenario repro.Scenario, publisher DiagnosticPublisher, m *metrics.Metrics) *ReproProcessor {
	return &ReproProcessor{
		launcher:  launcher,
		scenario:  scenario,
		publisher: publisher,
		metrics:   m,
	}
}

// LogPath returns the diagnostics log path of runID under dir
func LogPath(dir, runID string) string {
	return filepath.Join(dir, runID+".log")
}

// Process runs the scenario once, writing diagnostics to run.LogPath
func (p *ReproProcessor) Process(ctx context.Context, run *Run, observe func(diag.Message)) error {
	scenario := p.scenario
	scenario.LogPath = run.LogPath

	controller := repro.NewController(p.launcher, scenario, &runLogWriter{runID: run.ID})
	controller.Recorder().Observe(func(m diag.Message) {
		p.metrics.ObserveDiagnostic(m)
		if p.publisher != nil {
			if err := p.publisher.PublishDiagnostic(run.ID, m); err != nil {
				log.Printf("[%s] Failed to publish diagnostic: %v", run.ID, err)
			}
		}
		if observe != nil {
			observe(m)
		}
	})

	start := time.Now()
	err := controller.Run(ctx)

	outcome := metrics.OutcomeFinished
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)):
		outcome = metrics.OutcomeCanceled
	case err != nil:
		outcome = metrics.OutcomeFailed
	}
	p.metrics.ObserveRun(outcome, time.Since(start))

	return err
}

// runLogWriter sends the controller's progress lines to the process log
type runLogWriter struct {
	runID string
}

func (w *runLogWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		log.Printf("[%s] %s", w.runID, line)
	}
	return len(p), nil
}
