package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts reports to a chat through the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender validates credentials and builds a sender. An empty
// baseURL selects the public API.
func NewTelegramSender(token, chatID, baseURL string) (*TelegramSender, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("telegram bot token and chat ID must be configured")
	}
	if baseURL == "" {
		baseURL = defaultTelegramAPI
	}
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Deliver implements Sender.
func (s *TelegramSender) Deliver(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramMessage{ChatID: s.chatID, Text: text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
