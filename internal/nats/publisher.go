package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ahrdadan/callrepro/internal/diag"
)

// DiagnosticsSubjectPrefix prefixes the per-run diagnostics subject
const DiagnosticsSubjectPrefix = "repro.diagnostics."

// DiagnosticsSubject returns the subject diagnostics of runID are published on
func DiagnosticsSubject(runID string) string {
	return DiagnosticsSubjectPrefix + runID
}

// Publisher publishes captured diagnostics as core NATS messages
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher creates a publisher on nc
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// PublishDiagnostic publishes m on the run's diagnostics subject
func (p *Publisher) PublishDiagnostic(runID string, m diag.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostic: %w", err)
	}

	msg := nats.NewMsg(DiagnosticsSubject(runID))
	msg.Data = data
	msg.Header.Set("Run-Id", runID)
	msg.Header.Set("Kind", string(m.Kind))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish diagnostic: %w", err)
	}
	return nil
}
