package broadcast

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *NATSBroker {
	t.Helper()
	broker := NewNATSBroker(NATSConfig{Embedded: true, SubjectPrefix: "test"})
	require.NoError(t, broker.Start(context.Background()))
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNATSBroker_PublishSubscribe(t *testing.T) {
	broker := startBroker(t)

	events, cancel, err := broker.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	// flush the subscription before publishing
	require.NoError(t, broker.connection().Flush())

	err = broker.Publish(context.Background(), Event{Type: EventIncidentStatus, IncidentID: "inc.1", Status: "ANALYZING"})
	require.NoError(t, err)

	got := receive(t, events)
	assert.Equal(t, EventIncidentStatus, got.Type)
	assert.Equal(t, "inc.1", got.IncidentID)
	assert.Equal(t, "ANALYZING", got.Status)
	assert.False(t, got.At.IsZero())
}

func TestNATSBroker_NotStarted(t *testing.T) {
	broker := NewNATSBroker(NATSConfig{})

	assert.Error(t, broker.Publish(context.Background(), Event{}))
	_, _, err := broker.Subscribe(context.Background())
	assert.Error(t, err)
	assert.NoError(t, broker.Close())
}

func TestNATSBroker_SubscriptionEndsWithContext(t *testing.T) {
	broker := startBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	events, stop, err := broker.Subscribe(ctx)
	require.NoError(t, err)
	defer stop()

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestStreamHandler_RelaysFilteredEvents(t *testing.T) {
	broker := startBroker(t)

	srv := httptest.NewServer(NewStreamHandler(broker))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?incident_id=wanted", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.NoError(t, broker.connection().Flush())
	require.NoError(t, broker.Publish(ctx, Event{Type: EventIncidentStatus, IncidentID: "other"}))
	require.NoError(t, broker.Publish(ctx, Event{Type: EventAgentRun, IncidentID: "wanted", AgentName: "RCA"}))

	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	assert.Equal(t, "event: agent.run", lines[0])
	assert.Contains(t, lines[1], `"incident_id":"wanted"`)
}

func TestNoop(t *testing.T) {
	var b Broker = Noop{}
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Publish(context.Background(), Event{}))

	ch, cancel, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, b.Close())
}
