// Package events publishes unit lifecycle transitions so external observers
// (dashboards, indexers, other deployments) can follow a deployment run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// UnitEvent is one observed unit state transition.
type UnitEvent struct {
	RunID    string    `json:"run_id"`
	Unit     string    `json:"unit"`
	Status   string    `json:"status"`
	ExitCode int       `json:"exit_code"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher receives unit transitions. Publishing is best-effort; a publish
// failure must never affect the deployment itself.
type Publisher interface {
	UnitTransition(ctx context.Context, ev UnitEvent)
}

// Noop discards all events. Used when no event transport is configured.
type Noop struct{}

// UnitTransition implements Publisher.
func (Noop) UnitTransition(context.Context, UnitEvent) {}

// NATSPublisher publishes unit transitions as JSON to
// "<prefix>.unit.<name>" subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if prefix == "" {
		prefix = "daedalus"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// UnitTransition implements Publisher. Failures are logged and dropped.
func (p *NATSPublisher) UnitTransition(_ context.Context, ev UnitEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal unit event",
			zap.String("unit", ev.Unit),
			zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.unit.%s", p.prefix, ev.Unit)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish unit event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	p.logger.Debug("Published unit event",
		zap.String("subject", subject),
		zap.String("status", ev.Status))
}
