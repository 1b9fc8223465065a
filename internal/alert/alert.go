// Package alert delivers operator notifications. Delivery channels are
// pluggable; the log alerter is always available.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vesta/internal/domain"
)

// Alert is one notification.
type Alert struct {
	Severity domain.Severity
	Kind     string
	Subject  string
	Message  string
	At       time.Time
}

// Alerter delivers alerts. Implementations must be safe for concurrent use
// and must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to a zerolog logger.
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(log zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	switch a.Severity {
	case domain.SeverityCritical:
		ev = l.log.Error()
	case domain.SeverityWarning:
		ev = l.log.Warn()
	default:
		ev = l.log.Info()
	}
	ev.Str("severity", string(a.Severity)).
		Str("kind", a.Kind).
		Str("subject", a.Subject).
		Time("at", a.At).
		Msg(a.Message)
	return nil
}

// Multi fans an alert out to several alerters and returns the first error.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

// Alerts returns a copy of everything recorded so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Count returns how many recorded alerts have the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
