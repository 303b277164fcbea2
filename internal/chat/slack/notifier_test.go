package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIncident() *domain.Incident {
	return &domain.Incident{
		ID:       "inc-1",
		Severity: domain.SeverityCritical,
		Title:    "Build failed on main",
		Metadata: map[string]any{
			domain.MetaOwner: "acme",
			domain.MetaRepo:  "web",
			domain.MetaFileUpdates: []any{
				map[string]any{"path": "package.json", "content": "{}"},
			},
		},
	}
}

type postedMessage struct {
	Token    string
	Channel  string
	Text     string
	ThreadTS string
	Blocks   slack.Blocks
}

func readMessage(t *testing.T, r *http.Request) postedMessage {
	t.Helper()
	require.NoError(t, r.ParseForm())

	msg := postedMessage{
		Token:    r.PostForm.Get("token"),
		Channel:  r.PostForm.Get("channel"),
		Text:     r.PostForm.Get("text"),
		ThreadTS: r.PostForm.Get("thread_ts"),
	}
	if raw := r.PostForm.Get("blocks"); raw != "" {
		require.NoError(t, json.Unmarshal([]byte(raw), &msg.Blocks))
	}
	return msg
}

func TestNewNotifier_Defaults(t *testing.T) {
	n := NewNotifier(Config{APIURL: "http://slack.local/api"})

	assert.Equal(t, "http://slack.local/api/", n.config.APIURL)
	assert.Equal(t, defaultTimeout, n.config.Timeout)
	assert.Equal(t, slack.APIURL, NewNotifier(Config{}).config.APIURL)
}

func TestNotifier_NotifyApproval(t *testing.T) {
	var got postedMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		got = readMessage(t, r)

		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer server.Close()

	n := NewNotifier(Config{BotToken: "xoxb-test", Channel: "#ops", APIURL: server.URL})
	channel, ts, err := n.NotifyApproval(context.Background(), testIncident(), "See [logs](https://ci.local/1)")
	require.NoError(t, err)
	assert.Equal(t, "C123", channel)
	assert.Equal(t, "1700000000.000100", ts)

	assert.Equal(t, "xoxb-test", got.Token)
	assert.Equal(t, "#ops", got.Channel)
	assert.Contains(t, got.Text, "Build failed on main")

	blocks := got.Blocks.BlockSet
	require.Len(t, blocks, 6)

	rca, ok := blocks[1].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, rca.Text.Text, "<https://ci.local/1|logs>")

	fix, ok := blocks[3].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, fix.Text.Text, "package.json")

	facts, ok := blocks[4].(*slack.ContextBlock)
	require.True(t, ok)
	require.Len(t, facts.ContextElements.Elements, 1)
	text, ok := facts.ContextElements.Elements[0].(*slack.TextBlockObject)
	require.True(t, ok)
	assert.Contains(t, text.Text, "acme/web")

	actions, ok := blocks[5].(*slack.ActionBlock)
	require.True(t, ok)
	assert.Equal(t, "incident_inc-1", actions.BlockID)
	require.Len(t, actions.Elements.ElementSet, 3)
	for i, id := range []string{ActionVerify, ActionApprove, ActionReject} {
		button, ok := actions.Elements.ElementSet[i].(*slack.ButtonBlockElement)
		require.True(t, ok)
		assert.Equal(t, id, button.ActionID)
		assert.Equal(t, "inc-1", button.Value)
	}
}

func TestNotifier_ReplyInThread(t *testing.T) {
	var got postedMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = readMessage(t, r)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewNotifier(Config{APIURL: server.URL})
	require.NoError(t, n.ReplyInThread(context.Background(), "C123", "1.2", "done"))

	assert.Equal(t, "C123", got.Channel)
	assert.Equal(t, "1.2", got.ThreadTS)
	assert.Equal(t, "done", got.Text)
	assert.Empty(t, got.Blocks.BlockSet)
}

func TestNotifier_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		retryable  bool
		contains   string
	}{
		{name: "api error", status: http.StatusOK, body: `{"ok":false,"error":"channel_not_found"}`, contains: "channel_not_found"},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "3", retryable: true, contains: "rate limited"},
		{name: "throttled without retry hint", status: http.StatusTooManyRequests, retryable: true, contains: "unexpected status"},
		{name: "server error", status: http.StatusBadGateway, body: "bad gateway", retryable: true, contains: "server error"},
		{name: "client error", status: http.StatusBadRequest, body: "nope", contains: "unexpected status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewNotifier(Config{APIURL: server.URL}).ReplyInThread(context.Background(), "C", "1", "x")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.retryable, apiErr.IsRetryable())
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestNotifier_RateLimitKeepsRetryHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := NewNotifier(Config{APIURL: server.URL}).ReplyInThread(context.Background(), "C", "1", "x")

	var limited *slack.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 7*time.Second, limited.RetryAfter)
}

func TestNotifier_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(Config{APIURL: server.URL, Timeout: 20 * time.Millisecond})
	err := n.ReplyInThread(context.Background(), "C", "1", "x")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRetryable())
}

func TestIncidentCard(t *testing.T) {
	t.Run("long title is truncated", func(t *testing.T) {
		incident := testIncident()
		incident.Title = strings.Repeat("x", 300)

		header, ok := incidentCard(incident, "")[0].(*slack.HeaderBlock)
		require.True(t, ok)
		assert.LessOrEqual(t, len([]rune(header.Text.Text)), 150)
	})

	t.Run("no analysis and no files", func(t *testing.T) {
		incident := &domain.Incident{ID: "inc-2", Title: "Lambda errors", Severity: domain.SeverityWarning}

		raw, err := json.Marshal(incidentCard(incident, ""))
		require.NoError(t, err)
		assert.Contains(t, string(raw), "No analysis available")
		assert.Contains(t, string(raw), "No file changes")
		assert.NotContains(t, string(raw), "Repository")
	})

	t.Run("file list is capped", func(t *testing.T) {
		var files []any
		for i := 0; i < 8; i++ {
			files = append(files, map[string]any{"path": string(rune('a'+i)) + ".go"})
		}
		incident := &domain.Incident{ID: "inc-3", Metadata: map[string]any{domain.MetaFileUpdates: files}}

		fix := proposedFix(incident)
		assert.Contains(t, fix, "`e.go`")
		assert.NotContains(t, fix, "`f.go`")
		assert.Contains(t, fix, "and 3 more")
	})
}
