package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"athena/internal/adapter/notify"
	"athena/internal/usecase/admission"
	"athena/internal/usecase/bridge"
)

// Actors recorded in manifest metadata for unauthenticated callers.
const (
	actorAnon   = "anon"
	actorDevice = "device"
)

type createRunRequest struct {
	AgentID string          `json:"agent_id"`
	Input   json.RawMessage `json:"input"`
	Options struct {
		Sensitive bool `json:"sensitive"`
	} `json:"options"`
}

// handleCreateRun serves POST /api/runs.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, "runs.create", err)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "agent_id required"})
		return
	}

	receipt, err := s.deps.Admission.Submit(r.Context(), actorAnon, req.AgentID, inputPayload(req.Input),
		admission.Options{Sensitive: req.Options.Sensitive})
	if err != nil {
		s.writeError(w, "runs.create", err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// inputPayload turns the request input into a run payload. Objects pass
// through; any other JSON value is carried under "input".
func inputPayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return map[string]any{"input": v}
}

// handleDeviceAttempt serves POST /api/device/attempt.
func (s *Server) handleDeviceAttempt(w http.ResponseWriter, r *http.Request) {
	var ev admission.DeviceEvent
	if err := decodeBody(w, r, &ev); err != nil {
		s.writeError(w, "device.attempt", err)
		return
	}
	receipt, err := s.deps.Admission.DeviceAttempt(r.Context(), actorDevice, ev)
	if err != nil {
		s.writeError(w, "device.attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type permitRequest struct {
	EventID    string `json:"event_id"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// handleDevicePermit serves POST /api/device/permit.
func (s *Server) handleDevicePermit(w http.ResponseWriter, r *http.Request) {
	var req permitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, "device.permit", err)
		return
	}
	if strings.TrimSpace(req.EventID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "event_id required"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Admission.Permit(req.EventID, req.TTLMinutes))
}

// TelegramSecretHeader carries the webhook secret set with setWebhook.
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// handleTelegram serves POST /api/webhooks/telegram. Text messages start a
// sensitive run on the configured agent in the chat's session.
func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if !s.telegramAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Invalid secret key"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid webhook data"})
		return
	}
	update, ok, err := notify.ParseUpdate(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid webhook data"})
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	agent := s.deps.Webhook.TelegramAgent
	if agent == "" {
		agent = bridge.AgentJournaling
	}
	session := "telegram:" + update.ChatID
	payload := map[string]any{
		"text":       strings.TrimSpace(update.Text),
		"chat_id":    update.ChatID,
		"session_id": session,
	}
	_, err = s.deps.Admission.Submit(r.Context(), "telegram:"+update.SenderID, agent, payload, admission.Options{
		Sensitive: true,
		RunID:     session,
		SessionID: session,
	})
	if err != nil {
		s.writeError(w, "webhook.telegram", err)
		return
	}
	s.typing(r.Context(), update.ChatID)
	w.WriteHeader(http.StatusOK)
}

// typing shows the typing indicator in chatID without holding up the reply.
func (s *Server) typing(ctx context.Context, chatID string) {
	if s.deps.Chat == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	go func() {
		defer cancel()
		if err := s.deps.Chat.ChatAction(ctx, chatID, "typing"); err != nil {
			s.deps.Logger.Debug("telegram chat action failed", "chat_id", chatID, "error", err)
		}
	}()
}

// telegramAuthorized compares the secret header in constant time. An unset
// secret rejects every request.
func (s *Server) telegramAuthorized(r *http.Request) bool {
	want := s.deps.Webhook.TelegramSecret
	if want == "" {
		return false
	}
	got := r.Header.Get(TelegramSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
