package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}
	if len(req.Username) > 50 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Credentials exceed maximum length")
		return
	}

	ip := clientIP(r)
	if denied := a.guard.CheckAndCount("login:"+ip, loginRequestLimit, loginRequestWindow); denied != nil {
		writeDenied(w, denied)
		return
	}
	if denied := a.guard.CheckLoginAttempts(req.Username, ip); denied != nil {
		writeDenied(w, denied)
		return
	}

	admin, err := a.store.GetAdminByUsername(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	if admin == nil || !comparePassword(admin.PasswordHash, req.Password) {
		a.guard.RecordFailedLogin(req.Username, ip)
		if admin != nil {
			a.audit(admin.ID, "failed_login", "Failed login from IP: "+hashIdentity(ip))
		}
		// Generic message to prevent account enumeration.
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		return
	}

	a.guard.ClearLoginAttempts(req.Username, ip)
	a.audit(admin.ID, "successful_login", "Successful login from IP: "+hashIdentity(ip))

	access, err := a.tokens.IssueAccess(admin.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	refresh, err := a.tokens.IssueRefresh(admin.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"})
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}

	claims, err := a.tokens.Validate(req.RefreshToken)
	if err != nil || claims.Kind != tokenKindRefresh {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired refresh token")
		return
	}
	admin, err := a.store.GetAdminByUsername(claims.Subject)
	if err != nil || admin == nil {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired refresh token")
		return
	}

	access, err := a.tokens.IssueAccess(admin.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Token refresh failed")
		return
	}
	refresh, err := a.tokens.IssueRefresh(admin.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Token refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	admin := a.requireAdmin(w, r)
	if admin == nil {
		return
	}
	a.audit(admin.ID, "logout", "Logout from IP: "+hashIdentity(clientIP(r)))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	admin := a.requireAdmin(w, r)
	if admin == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         admin.ID,
		"username":   admin.Username,
		"created_at": admin.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (a *App) HandleListChats(w http.ResponseWriter, r *http.Request) {
	if a.requireAdmin(w, r) == nil {
		return
	}
	chats, err := a.store.ListChats(r.URL.Query().Get("q"), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to list chats")
		return
	}
	out := make([]map[string]interface{}, 0, len(chats))
	for _, c := range chats {
		entry := map[string]interface{}{
			"id":    c.ID,
			"type":  c.Type,
			"title": c.Title,
		}
		if c.LastActivity != nil {
			entry["last_activity"] = c.LastActivity.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	if a.requireAdmin(w, r) == nil {
		return
	}
	chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "chat_id must be a positive integer")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	msgs, err := a.store.ListMessages(chatID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to list messages")
		return
	}
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]interface{}{
			"id":            m.ID,
			"tg_message_id": m.TgMessageID,
			"chat_id":       m.ChatID,
			"from_user_id":  m.FromUserID,
			"content_type":  m.ContentType,
			"text":          m.Text,
			"media_path":    m.MediaPath,
			"created_at":    m.CreatedAt.UTC().Format(time.RFC3339),
			"sent":          m.Sent,
			"delivered":     m.Delivered,
			"seen":          m.Seen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleSend(w http.ResponseWriter, r *http.Request) {
	admin := a.requireAdmin(w, r)
	if admin == nil {
		return
	}
	var req struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.ChatID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "chat_id must be a positive integer")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" || utf8.RuneCountInString(req.Text) > maxContentLength {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("text must be 1-%d characters", maxContentLength))
		return
	}

	msg, err := a.coord.SendAdminMessage(req.ChatID, req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to send message")
		return
	}
	a.audit(admin.ID, "send_message", fmt.Sprintf("Sent message %d to chat %d", msg.ID, req.ChatID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message_id": msg.ID})
}

func (a *App) HandleIngest(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get("X-Ingest-Secret")
	if a.ingestSecret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(a.ingestSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized ingest")
		return
	}

	var ev IngestEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	msg, err := a.coord.Ingest(&ev)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to ingest message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message_id": msg.ID})
}

// requireAdmin resolves the bearer token to an admin account, writing the
// error response itself when authentication fails.
func (a *App) requireAdmin(w http.ResponseWriter, r *http.Request) *Admin {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return nil
	}
	claims, err := a.tokens.Validate(strings.TrimPrefix(auth, "Bearer "))
	if err != nil || claims.Kind != tokenKindAccess {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
		return nil
	}
	admin, err := a.store.GetAdminByUsername(claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Authentication failed")
		return nil
	}
	if admin == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
		return nil
	}
	return admin
}

func (a *App) audit(adminID int64, action, details string) {
	if err := a.store.RecordAdminAction(adminID, action, details); err != nil {
		// Audit failures never fail the request.
		return
	}
}

func writeDenied(w http.ResponseWriter, err error) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		w.Header().Set("Retry-After", strconv.Itoa(int(denied.RetryAfter.Seconds())+1))
	}
	writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", err.Error())
}
