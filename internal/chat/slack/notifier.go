// Package slack posts approval cards and thread replies to Slack and
// receives the interactive button callbacks.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/slack-go/slack"
)

const (
	defaultTimeout = 10 * time.Second

	// Slack rejects header blocks longer than 150 characters.
	maxHeaderLen  = 140
	maxSectionLen = 1000
	maxListedFile = 5
)

// Button action ids carried back by interactive callbacks.
const (
	ActionVerify  = "verify_fix"
	ActionApprove = "approve_pr"
	ActionReject  = "reject_fix"
)

// Config holds Slack Web API configuration.
type Config struct {
	BotToken string
	Channel  string
	APIURL   string
	Timeout  time.Duration
}

// Notifier sends messages through chat.postMessage.
type Notifier struct {
	config Config
	client *slack.Client
}

// NewNotifier creates a new Slack notifier.
func NewNotifier(config Config) *Notifier {
	if config.APIURL == "" {
		config.APIURL = slack.APIURL
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/") + "/"
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Notifier{
		config: config,
		client: slack.New(config.BotToken,
			slack.OptionAPIURL(config.APIURL),
			slack.OptionHTTPClient(&http.Client{Timeout: config.Timeout}),
		),
	}
}

// NotifyApproval posts the incident card with verify, approve and reject
// buttons. The returned channel and ts identify the thread for replies.
func (n *Notifier) NotifyApproval(ctx context.Context, incident *domain.Incident, analysis string) (string, string, error) {
	channel, ts, err := n.client.PostMessageContext(ctx, n.config.Channel,
		slack.MsgOptionText("🚨 Incident awaiting approval: "+incident.Title, false),
		slack.MsgOptionBlocks(incidentCard(incident, analysis)...),
	)
	if err != nil {
		return "", "", classify(err)
	}
	slog.Debug("slack approval card sent", "incident_id", incident.ID, "ts", ts)
	return channel, ts, nil
}

// ReplyInThread posts text under an existing message.
func (n *Notifier) ReplyInThread(ctx context.Context, channel, threadTS, text string) error {
	_, _, err := n.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

// mrkdwn converts markdown links to Slack's <url|label> form.
func mrkdwn(s string) string {
	return markdownLink.ReplaceAllString(s, "<$2|$1>")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func incidentCard(incident *domain.Incident, analysis string) []slack.Block {
	if analysis == "" {
		analysis = "_No analysis available._"
	}

	facts := []string{fmt.Sprintf("*Severity:* %s", incident.Severity)}
	if repo, ok := incident.Repository(); ok {
		facts = append(facts, fmt.Sprintf("*Repository:* `%s`", repo.FullName()))
	}
	facts = append(facts, fmt.Sprintf("*Incident:* `%s`", incident.ID))

	return []slack.Block{
		slack.NewHeaderBlock(plain("🚨 "+truncate(incident.Title, maxHeaderLen), true)),
		slack.NewSectionBlock(markdown("*Root Cause Analysis:*\n"+mrkdwn(truncate(analysis, maxSectionLen))), nil, nil),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(markdown("*Proposed Fix:*\n"+proposedFix(incident)), nil, nil),
		slack.NewContextBlock("", markdown(strings.Join(facts, "  |  "))),
		slack.NewActionBlock("incident_"+incident.ID,
			slack.NewButtonBlockElement(ActionVerify, incident.ID, plain("🧪 Verify in Sandbox", false)).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(ActionApprove, incident.ID, plain("✅ Approve & PR", false)),
			slack.NewButtonBlockElement(ActionReject, incident.ID, plain("❌ Reject", false)).WithStyle(slack.StyleDanger),
		),
	}
}

func plain(s string, emoji bool) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, s, emoji, false)
}

func markdown(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, s, false, false)
}

func proposedFix(incident *domain.Incident) string {
	files := incident.FileUpdates()
	if len(files) == 0 {
		return "_No file changes; approval records the analysis only._"
	}

	var b strings.Builder
	for i, f := range files {
		if i == maxListedFile {
			fmt.Fprintf(&b, "…and %d more", len(files)-maxListedFile)
			break
		}
		fmt.Fprintf(&b, "• `%s`\n", f.Path)
	}
	return strings.TrimRight(b.String(), "\n")
}

// classify maps Web API failures to APIError so callers can decide on retries.
func classify(err error) error {
	var (
		rateLimited *slack.RateLimitedError
		status      slack.StatusCodeError
		rejected    slack.SlackErrorResponse
	)

	switch {
	case errors.As(err, &rateLimited):
		return &APIError{Code: http.StatusTooManyRequests, Message: fmt.Sprintf("rate limited, retry after %s", rateLimited.RetryAfter), Retryable: true, Err: err}
	case errors.As(err, &status):
		msg := "unexpected status: " + status.Status
		if status.Code >= 500 {
			msg = "server error: " + status.Status
		}
		return &APIError{Code: status.Code, Message: msg, Retryable: status.Retryable(), Err: err}
	case errors.As(err, &rejected):
		return &APIError{Message: rejected.Err, Err: err}
	default:
		return &APIError{Message: fmt.Sprintf("send request: %v", err), Retryable: true, Err: err}
	}
}

// APIError is returned when Slack rejects or fails a call.
type APIError struct {
	Code      int
	Message   string
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("slack error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("slack error: %s", e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether the call may succeed if repeated.
func (e *APIError) IsRetryable() bool { return e.Retryable }
