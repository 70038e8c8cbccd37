package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BotSender delivers admin-composed text to the external Telegram chat.
type BotSender interface {
	SendText(chatID int64, text string) error
}

// TelegramSender calls the Telegram Bot API sendMessage method.
type TelegramSender struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewTelegramSender(token string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *TelegramSender) SendText(chatID int64, text string) error {
	if t.token == "" {
		return errors.New("BOT_TOKEN not configured")
	}
	body, err := json.Marshal(map[string]interface{}{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram error: %s", detail)
	}
	return nil
}
