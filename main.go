package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const cookieName = "sid"

// Config comes from the environment, with a .env file honored in
// development. An empty DB_DIALECT runs fully in memory.
type Config struct {
	Addr             string `env:"ADDR" envDefault:":8080"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	DBDialect        string `env:"DB_DIALECT" envDefault:""`
	DBSQLitePath     string `env:"DB_SQLITE_PATH" envDefault:""`
	DBPostgresDSN    string `env:"DB_POSTGRES_DSN" envDefault:""`
	SaveMaxAgeHours  int    `env:"SAVE_MAX_AGE_HOURS" envDefault:"24"`
	MinuteTickSecond int    `env:"MINUTE_TICK_SECONDS" envDefault:"5"`
}

// SaveMaxAge converts the configured hours to a duration. Zero or negative
// disables the staleness check.
func (c Config) SaveMaxAge() time.Duration {
	if c.SaveMaxAgeHours <= 0 {
		return 0
	}
	return time.Duration(c.SaveMaxAgeHours) * time.Hour
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR must not be empty")
	}
	if c.MinuteTickSecond <= 0 {
		return fmt.Errorf("MINUTE_TICK_SECONDS must be positive, got %d", c.MinuteTickSecond)
	}
	return nil
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	log := newLogger(cfg.LogLevel)

	store, err := newConfiguredStore(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("store init")
	}

	hub := NewHub(log)
	store.hub = hub
	go hub.Run()

	startCountdownScheduler(store, time.Duration(cfg.MinuteTickSecond)*time.Second)
	mux := newMux(store, log)

	log.WithField("addr", cfg.Addr).Info("night fare dispatch listening")
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
}

// startCountdownScheduler burns one shift minute per tick for every live
// session. The clock only moves in active phases; waiting is free.
func startCountdownScheduler(store *Store, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for now := range ticker.C {
			store.mu.Lock()
			for _, sess := range store.Sessions {
				countdownTickLocked(store, sess, now.UTC())
			}
			store.mu.Unlock()
		}
	}()
}

type driveRequest struct {
	Route string `json:"route"`
}

type interactRequest struct {
	Action string `json:"action"`
}

type refuelRequest struct {
	Units int `json:"units"`
}

func newMux(store *Store, log *logrus.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	withSession := func(method string, fn func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			// Lock for the full handler: every read and transition stays
			// consistent without per-field synchronization.
			store.mu.Lock()
			defer store.mu.Unlock()
			now := time.Now().UTC()
			sess := ensureSessionLocked(store, sessionID(store, w, r), now)
			fn(w, r, sess, now)
		}
	}

	stateReply := func(w http.ResponseWriter, sess *Session) {
		writeJSON(w, http.StatusOK, buildStateViewLocked(store, sess))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"service": "nightfare", "status": "ok"})
	})

	mux.HandleFunc("/api/state", withSession(http.MethodGet, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/shift/start", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		startGameLocked(store, sess, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/shift/begin", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		startShiftLocked(store, sess, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/ride/accept", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		acceptRideLocked(store, sess, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/ride/decline", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		declineRideLocked(store, sess, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/drive", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		var req driveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Route == "" {
			writeError(w, http.StatusBadRequest, "route required")
			return
		}
		handleDrivingChoiceLocked(store, sess, req.Route, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/interact", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		var req interactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
			writeError(w, http.StatusBadRequest, "action required")
			return
		}
		handleInteractionChoiceLocked(store, sess, req.Action, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/dropoff/continue", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		continueFromDropOffLocked(store, sess, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/refuel", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		var req refuelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Units <= 0 {
			writeError(w, http.StatusBadRequest, "units required")
			return
		}
		refuelLocked(store, sess, req.Units, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/shift/end", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		endShiftLocked(store, sess, true, "", now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/save", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		if !saveShiftLocked(store, sess, now) {
			writeError(w, http.StatusConflict, "no shift to save")
			return
		}
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/resume", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		if !resumeShiftLocked(store, sess, now) {
			writeError(w, http.StatusConflict, "no resumable shift")
			return
		}
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/reset", withSession(http.MethodPost, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		resetGameLocked(store, sess, now)
		stateReply(w, sess)
	}))

	mux.HandleFunc("/api/leaderboard", withSession(http.MethodGet, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		writeJSON(w, http.StatusOK, map[string]any{"entries": leaderboardLocked(store)})
	}))

	mux.HandleFunc("/api/stats", withSession(http.MethodGet, func(w http.ResponseWriter, r *http.Request, sess *Session, now time.Time) {
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":       sess.Stats,
			"backstories": unlockedBackstoriesLocked(store, sess),
		})
	}))

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		store.mu.Lock()
		id := sessionID(store, w, r)
		ensureSessionLocked(store, id, time.Now().UTC())
		hub := store.hub
		store.mu.Unlock()
		if hub == nil {
			writeError(w, http.StatusServiceUnavailable, "live feed disabled")
			return
		}
		ServeWs(hub, id, w, r)
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// sessionID reads the session cookie, minting one when absent.
func sessionID(store *Store, w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := generateID()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func generateID() string {
	buf := make([]byte, 18)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
