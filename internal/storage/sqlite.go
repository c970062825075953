package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxSourcesRead caps how many sources a read returns (most recent first).
const maxSourcesRead = 10

// Store wraps a SQLite database with methods for decisions, runtime state,
// messages, sources, and completed decision records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "counsel.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Decisions ---

func (s *Store) CreateDecision(d Decision) error {
	status := d.Status
	if status == "" {
		status = StatusActive
	}
	_, err := s.db.Exec(`
		INSERT INTO decisions (id, title, goal, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Goal, status, d.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDecision(id string) (Decision, error) {
	var d Decision
	var createdAt string
	var completedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, title, goal, status, created_at, completed_at
		FROM decisions WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Goal, &d.Status, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return Decision{}, ErrNotFound
	}
	if err != nil {
		return Decision{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Decision{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	if completedAt.Valid && completedAt.String != "" {
		ct, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return Decision{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		d.CompletedAt = ct
	}
	return d, nil
}

func (s *Store) ListDecisions(limit int) ([]Decision, error) {
	rows, err := s.db.Query(`
		SELECT id, title, goal, status, created_at, completed_at
		FROM decisions ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Decision
	for rows.Next() {
		var d Decision
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.Title, &d.Goal, &d.Status, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		if completedAt.Valid && completedAt.String != "" {
			ct, err := time.Parse(time.RFC3339, completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing completed_at: %w", err)
			}
			d.CompletedAt = ct
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// MarkDecisionCompleted flips a decision to completed and stamps the
// completion time. Returns ErrNotFound if the decision does not exist or is
// already completed.
func (s *Store) MarkDecisionCompleted(id string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE decisions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusCompleted, at.UTC().Format(time.RFC3339), id, StatusActive,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runtime state ---

// GetState returns the raw runtime-state JSON for a decision.
// Returns ErrNotFound when no state has been written yet.
func (s *Store) GetState(decisionID string) ([]byte, error) {
	var raw string
	err := s.db.QueryRow("SELECT state_json FROM decision_state WHERE decision_id = ?", decisionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// ReplaceState atomically replaces the runtime-state JSON for a decision.
func (s *Store) ReplaceState(decisionID string, stateJSON []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO decision_state (decision_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(decision_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		decisionID, string(stateJSON), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// --- Messages ---

func (s *Store) AppendMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, decision_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.DecisionID, m.Role, m.Content, m.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListMessages returns a decision's messages in insertion order. A limit of
// 0 or less means no limit.
func (s *Store) ListMessages(decisionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means unlimited
	}
	rows, err := s.db.Query(`
		SELECT id, decision_id, role, content, created_at
		FROM messages WHERE decision_id = ? ORDER BY seq ASC LIMIT ?`, decisionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.DecisionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Sources ---

// UpsertSource inserts or refreshes a source. Sources are unique per
// (decision, URL); a duplicate URL updates title, fetch timestamp, and the
// user-provided flag (a user-pasted URL stays user-provided).
func (s *Store) UpsertSource(src Source) error {
	userProvided := 0
	if src.UserProvided {
		userProvided = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (id, decision_id, title, url, user_provided, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id, url) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sources.title END,
			user_provided = MAX(sources.user_provided, excluded.user_provided),
			fetched_at = excluded.fetched_at`,
		src.ID, src.DecisionID, src.Title, src.URL, userProvided,
		src.FetchedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListSources returns a decision's sources, most recently fetched first,
// capped at the 10 most recent.
func (s *Store) ListSources(decisionID string) ([]Source, error) {
	rows, err := s.db.Query(`
		SELECT id, decision_id, title, url, user_provided, fetched_at
		FROM sources WHERE decision_id = ?
		ORDER BY fetched_at DESC LIMIT ?`, decisionID, maxSourcesRead,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Source
	for rows.Next() {
		var src Source
		var fetchedAt string
		var userProvided int
		if err := rows.Scan(&src.ID, &src.DecisionID, &src.Title, &src.URL, &userProvided, &fetchedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		src.FetchedAt = t
		src.UserProvided = userProvided != 0
		results = append(results, src)
	}
	return results, rows.Err()
}

// --- Completed records ---

func (s *Store) SaveCompletedRecord(r CompletedRecord) error {
	constraintsJSON, err := json.Marshal(emptyIfNil(r.Constraints))
	if err != nil {
		return fmt.Errorf("marshalling constraints: %w", err)
	}
	optionsJSON, err := json.Marshal(r.OptionsConsidered)
	if err != nil {
		return fmt.Errorf("marshalling options: %w", err)
	}
	if r.OptionsConsidered == nil {
		optionsJSON = []byte("[]")
	}
	sourcesJSON, err := json.Marshal(emptyIfNil(r.Sources))
	if err != nil {
		return fmt.Errorf("marshalling sources: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO completed_records
			(id, decision_id, title, user_goal, constraints_json, options_json,
			 recommended_option, rationale, confidence, sources_json, outcome, search_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DecisionID, r.Title, r.UserGoal, string(constraintsJSON), string(optionsJSON),
		r.RecommendedOption, r.Rationale, r.Confidence, string(sourcesJSON), r.Outcome,
		r.SearchBlob, r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetCompletedRecord(decisionID string) (CompletedRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, decision_id, title, user_goal, constraints_json, options_json,
		       recommended_option, rationale, confidence, sources_json, outcome, search_blob, created_at
		FROM completed_records WHERE decision_id = ?`, decisionID,
	)
	r, err := scanCompletedRecord(row)
	if err == sql.ErrNoRows {
		return CompletedRecord{}, ErrNotFound
	}
	return r, err
}

// ListCompletedRecords returns completed records, most recent first.
func (s *Store) ListCompletedRecords(limit int) ([]CompletedRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, decision_id, title, user_goal, constraints_json, options_json,
		       recommended_option, rationale, confidence, sources_json, outcome, search_blob, created_at
		FROM completed_records ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CompletedRecord
	for rows.Next() {
		r, err := scanCompletedRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompletedRecord(row rowScanner) (CompletedRecord, error) {
	var r CompletedRecord
	var constraintsJSON, optionsJSON, sourcesJSON, createdAt string
	err := row.Scan(&r.ID, &r.DecisionID, &r.Title, &r.UserGoal, &constraintsJSON, &optionsJSON,
		&r.RecommendedOption, &r.Rationale, &r.Confidence, &sourcesJSON, &r.Outcome,
		&r.SearchBlob, &createdAt)
	if err != nil {
		return CompletedRecord{}, err
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &r.Constraints); err != nil {
		return CompletedRecord{}, fmt.Errorf("parsing constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &r.OptionsConsidered); err != nil {
		return CompletedRecord{}, fmt.Errorf("parsing options: %w", err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &r.Sources); err != nil {
		return CompletedRecord{}, fmt.Errorf("parsing sources: %w", err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return CompletedRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// --- Settings ---

// SetSetting stores a key/value pair (e.g. the active-decision pointer).
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// DeleteSetting removes a key. Deleting a missing key is not an error.
func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}
