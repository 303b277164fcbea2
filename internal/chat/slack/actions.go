package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bissquit/devops-guardian/internal/orchestrator"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/pkg/httputil"
	"github.com/slack-go/slack"
)

const maxPayloadBytes = 1 << 20

// Decisions receives operator choices from the approval card.
type Decisions interface {
	Approve(ctx context.Context, id, actor string) error
	Reject(ctx context.Context, id, actor, reason string) error
	RequestVerification(ctx context.Context, id, actor string) error
}

// ActionsHandler serves Slack interactive callbacks.
type ActionsHandler struct {
	decisions     Decisions
	signingSecret string
}

// NewActionsHandler creates a handler that verifies requests with signingSecret.
func NewActionsHandler(decisions Decisions, signingSecret string) *ActionsHandler {
	return &ActionsHandler{
		decisions:     decisions,
		signingSecret: signingSecret,
	}
}

type ephemeral struct {
	ResponseType    string `json:"response_type"`
	ReplaceOriginal bool   `json:"replace_original"`
	Text            string `json:"text"`
}

// ServeHTTP handles POST /api/v1/slack/actions.
func (h *ActionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.verify(r.Header, body); err != nil {
		ctxlog.FromContext(r.Context()).Warn("rejected slack callback", "error", err)
		httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	payload, err := slack.InteractionCallbackParse(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Type != slack.InteractionTypeBlockActions || len(payload.ActionCallback.BlockActions) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	actor := payload.User.Name
	if actor == "" {
		actor = payload.User.ID
	}
	action := payload.ActionCallback.BlockActions[0]
	ctx := ctxlog.With(r.Context(), "incident_id", action.Value, "action", action.ActionID, "actor", actor)

	var reply string
	switch action.ActionID {
	case ActionApprove:
		err = h.decisions.Approve(ctx, action.Value, actor)
		reply = "✅ Approval received. Opening the pull request."
	case ActionReject:
		err = h.decisions.Reject(ctx, action.Value, actor, "rejected in Slack")
		reply = "❌ Fix rejected."
	case ActionVerify:
		err = h.decisions.RequestVerification(ctx, action.Value, actor)
		reply = "🧪 Verification started. Results will be posted in this thread."
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case errors.Is(err, orchestrator.ErrIncidentNotFound):
		reply = "Incident not found."
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		reply = "This incident is no longer awaiting approval."
	case errors.Is(err, orchestrator.ErrNotVerified):
		reply = "⚠️ The latest verification failed. Run a new verification before approving."
	case errors.Is(err, orchestrator.ErrQueueFull):
		reply = "Guardian is busy, try again in a moment."
	case err != nil:
		ctxlog.FromContext(ctx).Error("slack action failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	default:
		ctxlog.FromContext(ctx).Info("slack action accepted")
	}

	httputil.JSON(w, http.StatusOK, ephemeral{ResponseType: "ephemeral", Text: reply})
}

// verify checks the v0 request signature. The verifier rejects timestamps
// more than five minutes away from now.
func (h *ActionsHandler) verify(header http.Header, body []byte) error {
	if h.signingSecret == "" {
		return errors.New("signing secret not configured")
	}

	verifier, err := slack.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return fmt.Errorf("read signature headers: %w", err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	if err := verifier.Ensure(); err != nil {
		return errors.New("signature mismatch")
	}
	return nil
}
