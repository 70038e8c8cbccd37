package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/tgarchive/internal/config"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

// App bundles the shared collaborators behind the HTTP and websocket
// handlers.
type App struct {
	store        Store
	tokens       *TokenService
	guard        *Guard
	hub          *Hub
	coord        *Coordinator
	ingestSecret string
	corsOrigins  []string
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var store Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteStore(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		store = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}
		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		p, err := NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		store = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory store (not recommended for production)")
		store = NewMemStore()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if err := bootstrapAdmin(store, c.AdminUsername, c.AdminPassword); err != nil {
		log.Fatalf("admin bootstrap: %v", err)
	}

	tokens := NewTokenService(c.JwtSecret,
		time.Duration(c.AccessTTLHours)*time.Hour,
		time.Duration(c.RefreshTTLDays)*24*time.Hour)
	guard := NewGuard()
	hub := NewHub()
	coord := NewCoordinator(store, hub, NewTelegramSender(c.BotToken))

	app := &App{
		store:        store,
		tokens:       tokens,
		guard:        guard,
		hub:          hub,
		coord:        coord,
		ingestSecret: c.IngestSecret,
		corsOrigins:  c.CORSOrigins,
	}

	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				guard.Sweep()
			case <-sweepStop:
				return
			}
		}
	}()

	r := mux.NewRouter()
	r.Use(SecurityHeaders)

	// Health endpoints (no auth, no rate limit)
	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	// The websocket route stays outside the API middleware chain: the
	// logging wrapper would break the connection hijack.
	r.HandleFunc("/ws/{chat_id}", app.HandleWebSocket).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(app.Logging)
	api.Use(app.CORS)
	api.Use(app.RateLimit)
	api.HandleFunc("/auth/login", app.HandleLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", app.HandleRefresh).Methods("POST")
	api.HandleFunc("/auth/logout", app.HandleLogout).Methods("POST")
	api.HandleFunc("/auth/me", app.HandleMe).Methods("GET")
	api.HandleFunc("/chats", app.HandleListChats).Methods("GET")
	api.HandleFunc("/messages", app.HandleListMessages).Methods("GET")
	api.HandleFunc("/send", app.HandleSend).Methods("POST")

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(app.Logging)
	internal.HandleFunc("/ingest/telegram", app.HandleIngest).Methods("POST")

	// Archived media, served read-only.
	r.PathPrefix("/media/").Handler(
		http.StripPrefix("/media/", http.FileServer(http.Dir(c.MediaDir))))

	srv := &http.Server{
		Handler:           r,
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		fmt.Println("Starting server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(sweepStop)
	hub.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed: %+v", err)
	}
	if closer, ok := store.(interface{ close() error }); ok {
		_ = closer.close()
	}
	fmt.Println("Server exited properly")
}

// bootstrapAdmin creates the default admin account on first start. When no
// password is configured a random one is generated and printed once.
func bootstrapAdmin(store Store, username, password string) error {
	count, err := store.CountAdmins()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" || password == "admin" {
		generated, err := genToken(12)
		if err != nil {
			return err
		}
		password = generated
		log.Printf("WARNING: generated admin password: %s", password)
		log.Printf("WARNING: save this password and set ADMIN_PASSWORD for future restarts")
	} else if len(password) < 8 {
		log.Printf("WARNING: ADMIN_PASSWORD is shorter than 8 characters")
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if _, err := store.CreateAdmin(username, hash); err != nil {
		return err
	}
	log.Printf("Bootstrap admin user created: %s", username)
	return nil
}
