package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultSubject carries package lifecycle events.
const DefaultSubject = "mpk.events"

// Event types.
const (
	EventStateChanged = "operation.state"
	EventInstalled    = "package.installed"
	EventUpdated      = "package.updated"
	EventUninstalled  = "package.uninstalled"
	EventFailed       = "package.failed"
)

// Event describes one step of a package operation.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	OperationID string    `json:"operation_id,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	PackageID   string    `json:"package_id,omitempty"`
	Version     string    `json:"version,omitempty"`
	State       string    `json:"state,omitempty"`
	Code        string    `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher delivers events to interested parties.
type Publisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) PublishEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type multi []Publisher

// Multi fans an event out to every non-nil publisher and joins their errors.
func Multi(pubs ...Publisher) Publisher {
	out := make(multi, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m multi) PublishEvent(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeEvent parses a JSON encoded event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, errors.New("event type required")
	}
	return ev, nil
}
