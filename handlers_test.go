package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAdminPassword = "correct-horse-battery"
	testIngestSecret  = "test-ingest-secret"
)

// newTestApp wires a full App onto the in-memory store with one admin
// account. bcrypt.MinCost keeps the login tests fast.
func newTestApp(t *testing.T) *App {
	t.Helper()
	store := NewMemStore()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = store.CreateAdmin("admin", string(hash))
	require.NoError(t, err)

	hub := NewHub()
	return &App{
		store:        store,
		tokens:       newTestTokenService(),
		guard:        NewGuard(),
		hub:          hub,
		coord:        NewCoordinator(store, hub, nil),
		ingestSecret: testIngestSecret,
		corsOrigins:  []string{"http://localhost:3000"},
	}
}

func postJSON(path string, body interface{}) *http.Request {
	raw, _ := json.Marshal(body)
	r := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func loginAs(t *testing.T, app *App, username, password string) tokenPair {
	t.Helper()
	w := httptest.NewRecorder()
	app.HandleLogin(w, postJSON("/api/auth/login", loginRequest{Username: username, Password: password}))
	require.Equal(t, http.StatusOK, w.Code, "login failed: %s", w.Body.String())

	var pair tokenPair
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pair))
	return pair
}

func TestLoginIssuesTokenPair(t *testing.T) {
	app := newTestApp(t)

	pair := loginAs(t, app, "admin", testAdminPassword)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "bearer", pair.TokenType)

	claims, err := app.tokens.Validate(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Subject)
	require.Equal(t, tokenKindAccess, claims.Kind)

	claims, err = app.tokens.Validate(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, tokenKindRefresh, claims.Kind)
}

func TestLoginNormalizesUsername(t *testing.T) {
	app := newTestApp(t)
	loginAs(t, app, "  Admin ", testAdminPassword)
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	app := newTestApp(t)

	w := httptest.NewRecorder()
	app.HandleLogin(w, postJSON("/api/auth/login", loginRequest{Username: "admin", Password: "wrong"}))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w2 := httptest.NewRecorder()
	app.HandleLogin(w2, postJSON("/api/auth/login", loginRequest{Username: "nobody", Password: "wrong"}))
	require.Equal(t, http.StatusUnauthorized, w2.Code)

	// Unknown account and wrong password are indistinguishable.
	require.JSONEq(t, w.Body.String(), w2.Body.String())
}

func TestLoginMissingFields(t *testing.T) {
	app := newTestApp(t)

	w := httptest.NewRecorder()
	app.HandleLogin(w, postJSON("/api/auth/login", loginRequest{Username: "admin"}))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginLockoutAndRecovery(t *testing.T) {
	app := newTestApp(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	app.guard.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		app.HandleLogin(w, postJSON("/api/auth/login", loginRequest{Username: "admin", Password: "wrong"}))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// A fresh rate window, but the account is locked even for the right
	// password.
	now = now.Add(61 * time.Second)
	w := httptest.NewRecorder()
	app.HandleLogin(w, postJSON("/api/auth/login", loginRequest{Username: "admin", Password: testAdminPassword}))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	// Once the lockout lapses, the correct password works again.
	now = now.Add(lockoutDuration + time.Second)
	loginAs(t, app, "admin", testAdminPassword)
}

func TestRefreshRotatesPair(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	w := httptest.NewRecorder()
	app.HandleRefresh(w, postJSON("/api/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}))
	require.Equal(t, http.StatusOK, w.Code)

	var next tokenPair
	require.NoError(t, json.NewDecoder(w.Body).Decode(&next))
	require.NotEmpty(t, next.AccessToken)
	require.NotEmpty(t, next.RefreshToken)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	w := httptest.NewRecorder()
	app.HandleRefresh(w, postJSON("/api/auth/refresh", map[string]string{"refresh_token": pair.AccessToken}))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	app := newTestApp(t)

	cases := []struct {
		name    string
		handler http.HandlerFunc
		req     *http.Request
	}{
		{"me", app.HandleMe, httptest.NewRequest("GET", "/api/auth/me", nil)},
		{"chats", app.HandleListChats, httptest.NewRequest("GET", "/api/chats", nil)},
		{"messages", app.HandleListMessages, httptest.NewRequest("GET", "/api/messages?chat_id=1", nil)},
		{"send", app.HandleSend, postJSON("/api/send", map[string]interface{}{"chat_id": 1, "text": "hi"})},
		{"logout", app.HandleLogout, httptest.NewRequest("POST", "/api/auth/logout", nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tc.handler(w, tc.req)
			require.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireAdminRejectsRefreshToken(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	w := httptest.NewRecorder()
	app.HandleMe(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeReturnsAccount(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	app.HandleMe(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "admin", body["username"])
}

func TestSendPersistsMessage(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	req := postJSON("/api/send", map[string]interface{}{"chat_id": 9, "text": "  operator reply  "})
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	app.HandleSend(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	msgs, err := app.store.ListMessages(9, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "operator reply", msgs[0].Text)
}

func TestSendTextLimitCountsCharacters(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	// 4000 two-byte runes are exactly at the cap.
	text := strings.Repeat("д", maxContentLength)
	req := postJSON("/api/send", map[string]interface{}{"chat_id": 9, "text": text})
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	app.HandleSend(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = postJSON("/api/send", map[string]interface{}{"chat_id": 9, "text": text + "д"})
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	app.HandleSend(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendValidatesInput(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	for _, body := range []map[string]interface{}{
		{"chat_id": 0, "text": "hi"},
		{"chat_id": 9, "text": "   "},
	} {
		req := postJSON("/api/send", body)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		w := httptest.NewRecorder()
		app.HandleSend(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestListChatsAndMessages(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	_, err := app.coord.Ingest(validIngestEvent())
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	app.HandleListChats(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var chats []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&chats))
	require.Len(t, chats, 1)
	require.Equal(t, "Alice", chats[0]["title"])

	req = httptest.NewRequest("GET", "/api/messages?chat_id=42", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	app.HandleListMessages(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var msgs []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "hello archive", msgs[0]["text"])
}

func TestListMessagesRequiresChatID(t *testing.T) {
	app := newTestApp(t)
	pair := loginAs(t, app, "admin", testAdminPassword)

	for _, query := range []string{"", "?chat_id=0", "?chat_id=abc"} {
		req := httptest.NewRequest("GET", "/api/messages"+query, nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		w := httptest.NewRecorder()
		app.HandleListMessages(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestIngestEndpointRequiresSecret(t *testing.T) {
	app := newTestApp(t)

	req := postJSON("/internal/ingest/telegram", validIngestEvent())
	w := httptest.NewRecorder()
	app.HandleIngest(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = postJSON("/internal/ingest/telegram", validIngestEvent())
	req.Header.Set("X-Ingest-Secret", "wrong")
	w = httptest.NewRecorder()
	app.HandleIngest(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestEndpointDisabledWithoutSecret(t *testing.T) {
	app := newTestApp(t)
	app.ingestSecret = ""

	// An unset secret disables ingest entirely, even for an empty header.
	req := postJSON("/internal/ingest/telegram", validIngestEvent())
	w := httptest.NewRecorder()
	app.HandleIngest(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestEndpointArchivesEvent(t *testing.T) {
	app := newTestApp(t)

	req := postJSON("/internal/ingest/telegram", validIngestEvent())
	req.Header.Set("X-Ingest-Secret", testIngestSecret)
	w := httptest.NewRecorder()
	app.HandleIngest(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	msgs, err := app.store.ListMessages(42, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestIngestEndpointReportsValidationField(t *testing.T) {
	app := newTestApp(t)

	ev := validIngestEvent()
	ev.ContentType = "spreadsheet"
	req := postJSON("/internal/ingest/telegram", ev)
	req.Header.Set("X-Ingest-Secret", testIngestSecret)
	w := httptest.NewRecorder()
	app.HandleIngest(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "VALIDATION_FAILED", body["error_code"])
	require.Contains(t, body["error_message"], "content_type")
}
