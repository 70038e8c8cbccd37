package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTelegramSenderPostsMessage(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sender := NewTelegramSender("test-token")
	sender.baseURL = srv.URL

	require.NoError(t, sender.SendText(42, "hello"))
	require.Equal(t, float64(42), got["chat_id"])
	require.Equal(t, "hello", got["text"])
}

func TestTelegramSenderReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	sender := NewTelegramSender("test-token")
	sender.baseURL = srv.URL

	err := sender.SendText(42, "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "chat not found")
}

func TestTelegramSenderRequiresToken(t *testing.T) {
	sender := NewTelegramSender("")
	require.Error(t, sender.SendText(42, "hello"))
}
