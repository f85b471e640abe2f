// Package events fans out terminal detection outcomes to live subscribers.
// Publishing is best effort: failures are logged by callers and never
// affect the state of a detection record.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

// Event types.
const (
	TypeCompleted = "detection.completed"
	TypeFailed    = "detection.failed"
)

// Event reports that a detection record reached a terminal status.
type Event struct {
	Type      string            `json:"type"`
	Detection storage.Detection `json:"detection"`
	At        time.Time         `json:"at"`
}

// ForDetection builds the event matching d's status.
func ForDetection(d storage.Detection, at time.Time) Event {
	typ := TypeCompleted
	if d.Status == storage.StatusFailed {
		typ = TypeFailed
	}
	return Event{Type: typ, Detection: d, At: at.UTC()}
}

// Publisher delivers events to some sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
