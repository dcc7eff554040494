package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"athena/internal/domain"
)

// TelegramOption configures the Telegram notifier.
type TelegramOption func(*TelegramNotifier)

// WithTelegramBaseURL points the notifier at another Bot API host.
func WithTelegramBaseURL(url string) TelegramOption {
	return func(t *TelegramNotifier) { t.baseURL = url }
}

// TelegramNotifier sends notification text to a Telegram chat through the
// Bot API.
type TelegramNotifier struct {
	token   string
	logger  *slog.Logger
	client  *http.Client
	baseURL string
}

// NewTelegramNotifier creates a notifier for the bot identified by token.
func NewTelegramNotifier(token string, logger *slog.Logger, opts ...TelegramOption) *TelegramNotifier {
	t := &TelegramNotifier{
		token:   token,
		logger:  logger,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Notify sends msg.Text to msg.ChatID. Empty texts are skipped.
func (t *TelegramNotifier) Notify(ctx context.Context, msg domain.Notification) error {
	if msg.ChatID == "" {
		return domain.NewDomainError("notify.Telegram", domain.ErrInvalidInput, "chat_id required")
	}
	if msg.Text == "" {
		return nil
	}
	return t.call(ctx, "sendMessage", telegramSendRequest{ChatID: msg.ChatID, Text: msg.Text})
}

// ChatAction shows a transient status such as "typing" in chatID.
func (t *TelegramNotifier) ChatAction(ctx context.Context, chatID, action string) error {
	return t.call(ctx, "sendChatAction", telegramActionRequest{ChatID: chatID, Action: action})
}

func (t *TelegramNotifier) call(ctx context.Context, method string, body any) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("telegram %s error %d: %s", method, resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusBadRequest {
			return domain.NewDomainError("notify.Telegram", domain.ErrInvalidInput, err.Error())
		}
		return err
	}
	return nil
}

// Update is the part of a Telegram webhook update the bridge consumes.
type Update struct {
	UpdateID int64
	ChatID   string
	SenderID string
	Text     string
}

// ParseUpdate decodes a webhook body. ok is false for updates without a
// text message, which callers acknowledge and ignore.
func ParseUpdate(body []byte) (u Update, ok bool, err error) {
	var raw telegramUpdate
	if err := json.Unmarshal(body, &raw); err != nil {
		return Update{}, false, domain.NewDomainError("notify.ParseUpdate", domain.ErrInvalidInput, err.Error())
	}
	if raw.Message == nil || raw.Message.Text == "" {
		return Update{UpdateID: raw.UpdateID}, false, nil
	}
	u = Update{
		UpdateID: raw.UpdateID,
		ChatID:   strconv.FormatInt(raw.Message.Chat.ID, 10),
		Text:     raw.Message.Text,
	}
	if raw.Message.From != nil {
		u.SenderID = strconv.FormatInt(raw.Message.From.ID, 10)
	}
	return u, true, nil
}

// --- Telegram Bot API types ---

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type telegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      *telegramUser `json:"from,omitempty"`
	Chat      telegramChat  `json:"chat"`
	Text      string        `json:"text"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramSendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramActionRequest struct {
	ChatID string `json:"chat_id"`
	Action string `json:"action"`
}
