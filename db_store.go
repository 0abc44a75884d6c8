package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
)

type SQLRepository struct {
	dialect DBDialect
	db      *sql.DB
	log     *logrus.Logger
}

// newConfiguredStore builds the store from config: catalog, optional SQL
// repository, and any previously persisted drivers and leaderboard.
func newConfiguredStore(cfg Config, log *logrus.Logger) (*Store, error) {
	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}
	store := newStore(catalog)
	store.saveMaxAge = cfg.SaveMaxAge()

	repo, err := openRepository(cfg, log)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return store, nil
	}
	store.repo = repo
	if err := repo.LoadInto(context.Background(), store); err != nil {
		return nil, err
	}
	return store, nil
}

func openRepository(cfg Config, log *logrus.Logger) (*SQLRepository, error) {
	dialect := DBDialect(strings.TrimSpace(strings.ToLower(cfg.DBDialect)))
	if dialect == "" {
		return nil, nil
	}

	var driverName string
	var dsn string
	switch dialect {
	case dialectSQLite:
		driverName = "sqlite"
		path := strings.TrimSpace(cfg.DBSQLitePath)
		if path == "" {
			path = filepath.Join("tmp", "nightfare.sqlite")
		}
		if err := ensureParentDir(path); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path
	case dialectPostgres:
		driverName = "pgx"
		dsn = strings.TrimSpace(cfg.DBPostgresDSN)
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", cfg.DBDialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	repo := &SQLRepository{dialect: dialect, db: db, log: log}
	if err := repo.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithField("dialect", dialect).Info("database ready")
	return repo, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (r *SQLRepository) bind(pos int) string {
	if r.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (r *SQLRepository) insertQuery(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = r.bind(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(ph, ", "),
	)
}

func (r *SQLRepository) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", r.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := r.insertQuery("schema_migrations", []string{"version", "applied_at"})
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// persistSessionLocked is best effort. A storage failure is logged and
// counted but never fails the gameplay transition that triggered it.
func persistSessionLocked(s *Store, sess *Session) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(context.Background(), s); err != nil {
		metricSavesFailed.Inc()
		s.repo.log.WithError(err).WithField("session", sess.ID).Warn("persist failed")
	}
}

func (r *SQLRepository) Save(ctx context.Context, store *Store) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	if err := r.saveWithTx(ctx, tx, store); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (r *SQLRepository) saveWithTx(ctx context.Context, tx *sql.Tx, store *Store) error {
	clearTables := []string{"player_stats", "leaderboard", "saved_games", "unlocked_backstories"}
	for _, tbl := range clearTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+tbl); err != nil {
			return fmt.Errorf("clear %s: %w", tbl, err)
		}
	}

	now := time.Now().UTC()

	for _, sess := range store.Sessions {
		row := sessionRow{Stats: sess.Stats, LastSeen: sess.LastSeen}
		if err := r.insertJSONRow(ctx, tx, "player_stats",
			[]string{"session_id", "last_seen", "payload", "updated_at"},
			[]any{sess.ID, sess.LastSeen, asJSON(row), now},
		); err != nil {
			return err
		}
		for passengerID := range sess.Backstories {
			if !sess.Backstories[passengerID] {
				continue
			}
			if err := r.insertJSONRow(ctx, tx, "unlocked_backstories",
				[]string{"session_id", "passenger_id", "unlocked_at"},
				[]any{sess.ID, passengerID, now},
			); err != nil {
				return err
			}
		}
		if sess.Saved != nil {
			if err := r.insertJSONRow(ctx, tx, "saved_games",
				[]string{"session_id", "saved_at", "version", "payload"},
				[]any{sess.ID, sess.Saved.SavedAt, sess.Saved.Version, asJSON(sess.Saved)},
			); err != nil {
				return err
			}
		}
	}

	for i, entry := range store.Leaderboard {
		if err := r.insertJSONRow(ctx, tx, "leaderboard",
			[]string{"rank", "score", "survived", "entry_date", "payload"},
			[]any{i + 1, entry.Score, entry.Survived, entry.Date, asJSON(entry)},
		); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepository) insertJSONRow(ctx context.Context, tx *sql.Tx, table string, cols []string, vals []any) error {
	q := r.insertQuery(table, cols)
	if _, err := tx.ExecContext(ctx, q, vals...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func asJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// sessionRow is the player_stats payload. Timestamps ride in the JSON so
// loading never depends on driver-specific TIMESTAMP scanning.
type sessionRow struct {
	Stats    PlayerStats `json:"stats"`
	LastSeen time.Time   `json:"last_seen"`
}

func (r *SQLRepository) LoadInto(ctx context.Context, store *Store) error {
	now := time.Now().UTC()

	if err := loadKeyedRows(ctx, r.db, "SELECT session_id, payload FROM player_stats", func(id, payload string) error {
		var row sessionRow
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return err
		}
		sess := &Session{ID: id, Stats: row.Stats, Backstories: map[string]bool{}, LastSeen: row.LastSeen}
		store.Sessions[id] = sess
		return nil
	}); err != nil {
		return fmt.Errorf("load player_stats: %w", err)
	}

	if err := loadKeyedRows(ctx, r.db, "SELECT session_id, passenger_id FROM unlocked_backstories", func(sessionID, passengerID string) error {
		if sess := store.Sessions[sessionID]; sess != nil {
			sess.Backstories[passengerID] = true
		}
		return nil
	}); err != nil {
		return fmt.Errorf("load unlocked_backstories: %w", err)
	}

	if err := loadKeyedRows(ctx, r.db, "SELECT session_id, payload FROM saved_games", func(id, payload string) error {
		sess := store.Sessions[id]
		if sess == nil {
			return nil
		}
		var saved SavedGame
		if err := json.Unmarshal([]byte(payload), &saved); err != nil {
			return err
		}
		if saved.Version != saveVersion {
			return nil
		}
		if store.saveMaxAge > 0 && now.Sub(saved.SavedAt) > store.saveMaxAge {
			return nil
		}
		sess.Saved = &saved
		return nil
	}); err != nil {
		return fmt.Errorf("load saved_games: %w", err)
	}

	store.Leaderboard = nil
	if err := loadRows(ctx, r.db, "SELECT payload FROM leaderboard ORDER BY rank", func(payload string) error {
		var entry LeaderboardEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return err
		}
		store.Leaderboard = append(store.Leaderboard, entry)
		return nil
	}); err != nil {
		return fmt.Errorf("load leaderboard: %w", err)
	}
	return nil
}

func loadRows(ctx context.Context, db *sql.DB, q string, fn func(payload string) error) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

func loadKeyedRows(ctx context.Context, db *sql.DB, q string, fn func(id, payload string) error) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		if err := fn(id, payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

// cloneShiftState makes an independent copy through the same JSON shape the
// repository persists. A plain struct copy would share the maps and slice
// backing arrays with the live shift.
func cloneShiftState(shift *ShiftState) ShiftState {
	var out ShiftState
	b, err := json.Marshal(shift)
	if err != nil {
		return *shift
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return *shift
	}
	return out
}

// saveShiftLocked snapshots a live, non-terminal shift for later resume.
func saveShiftLocked(s *Store, sess *Session, now time.Time) bool {
	shift := sess.Shift
	if shift == nil || terminalPhase(shift.Phase) {
		return false
	}
	sess.Saved = &SavedGame{
		Shift:   cloneShiftState(shift),
		Stats:   sess.Stats,
		SavedAt: now,
		Version: saveVersion,
	}
	addEventLocked(s, sess, Event{Type: "Shift", Severity: 1, Text: "You scribble the night so far into the logbook.", At: now})
	persistSessionLocked(s, sess)
	return true
}

// resumeShiftLocked restores a saved snapshot, discarding it if stale.
func resumeShiftLocked(s *Store, sess *Session, now time.Time) bool {
	saved := sess.Saved
	if saved == nil {
		return false
	}
	if s.saveMaxAge > 0 && now.Sub(saved.SavedAt) > s.saveMaxAge {
		sess.Saved = nil
		addEventLocked(s, sess, Event{Type: "Shift", Severity: 2, Text: "The logbook pages from that night have faded past reading.", At: now})
		return false
	}
	restored := cloneShiftState(&saved.Shift)
	if restored.UsedPassengerIDs == nil {
		restored.UsedPassengerIDs = map[string]bool{}
	}
	if restored.Reputation == nil {
		restored.Reputation = map[string]*ReputationRecord{}
	}
	if restored.RouteMastery == nil {
		restored.RouteMastery = map[string]int{}
	}
	sess.Shift = &restored
	invalidateTimersLocked(sess)
	if restored.Phase == phaseWaiting {
		scheduleRideRequestLocked(s, sess)
	}
	addEventLocked(s, sess, Event{Type: "Shift", Severity: 1, Text: "The cab is exactly where you left it. So is the night.", At: now})
	return true
}
