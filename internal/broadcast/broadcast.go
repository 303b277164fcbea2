// Package broadcast publishes live incident status to observers.
package broadcast

import (
	"context"
	"time"
)

// Event types.
const (
	EventIncidentCreated = "incident.created"
	EventIncidentStatus  = "incident.status"
	EventAgentRun        = "agent.run"
)

// Event is a live status update.
type Event struct {
	Type       string    `json:"type"`
	IncidentID string    `json:"incident_id"`
	Status     string    `json:"status,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	RunStatus  string    `json:"run_status,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher publishes events. Publish errors are not fatal to callers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Broker is a publish/subscribe broker with an explicit lifecycle.
type Broker interface {
	Publisher
	Start(ctx context.Context) error
	// Subscribe delivers events until ctx is done or the returned cancel is called.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
	Close() error
}

// Noop is a broker that drops every event.
type Noop struct{}

// Start does nothing.
func (Noop) Start(context.Context) error { return nil }

// Publish drops the event.
func (Noop) Publish(context.Context, Event) error { return nil }

// Subscribe returns a channel closed when ctx is done.
func (Noop) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, cancel, nil
}

// Close does nothing.
func (Noop) Close() error { return nil }
