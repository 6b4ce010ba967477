package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/handoff/internal/models"
	_ "modernc.org/sqlite"
)

var ErrSessionNotFound = errors.New("session not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		prompt TEXT NOT NULL,
		context_id TEXT,
		final_stages TEXT NOT NULL,
		log TEXT NOT NULL,
		artifacts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save freezes a finished run into a new session. The run is copied; later
// changes to it do not reach the stored session.
func (s *Storage) Save(prompt string, run models.Run) (*models.Session, error) {
	sess := &models.Session{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Prompt:      prompt,
		ContextID:   run.ContextID,
		FinalStages: make(map[models.StageName]models.StageState, len(run.Stages)),
		Log:         append([]models.LogEntry(nil), run.Log...),
		Artifacts:   append([]models.Artifact(nil), run.Artifacts...),
	}
	for k, v := range run.Stages {
		sess.FinalStages[k] = v
	}

	stages, err := json.Marshal(sess.FinalStages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stages: %w", err)
	}
	logJSON, err := json.Marshal(sess.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log: %w", err)
	}
	artifacts, err := json.Marshal(sess.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, created_at, prompt, context_id, final_stages, log, artifacts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Timestamp.Format(time.RFC3339Nano), sess.Prompt, sess.ContextID,
		string(stages), string(logJSON), string(artifacts),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return sess, nil
}

const sessionColumns = `id, created_at, prompt, context_id, final_stages, log, artifacts`

// List returns every session in creation order.
func (s *Storage) List() ([]*models.Session, error) {
	return s.query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY seq ASC`)
}

func (s *Storage) GetByID(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

func (s *Storage) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// FindMatching is a best-effort lookup by prompt: the newest session whose
// prompt starts with promptPrefix (case-insensitive), else the newest whose
// prompt contains it.
func (s *Storage) FindMatching(promptPrefix string) (*models.Session, error) {
	needle := strings.ToLower(strings.TrimSpace(promptPrefix))
	if needle == "" {
		return nil, ErrSessionNotFound
	}

	sessions, err := s.query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}

	var contains *models.Session
	for _, sess := range sessions {
		prompt := strings.ToLower(strings.TrimSpace(sess.Prompt))
		if strings.HasPrefix(prompt, needle) {
			return sess, nil
		}
		if contains == nil && strings.Contains(prompt, needle) {
			contains = sess
		}
	}
	if contains != nil {
		return contains, nil
	}
	return nil, fmt.Errorf("%w: no prompt matches %q", ErrSessionNotFound, promptPrefix)
}

func (s *Storage) query(q string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var createdAt, stages, logJSON, artifacts string
	var contextID sql.NullString

	if err := row.Scan(&sess.ID, &createdAt, &sess.Prompt, &contextID, &stages, &logJSON, &artifacts); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad timestamp: %w", sess.ID, err)
	}
	sess.Timestamp = ts
	if contextID.Valid {
		sess.ContextID = contextID.String
	}

	if err := json.Unmarshal([]byte(stages), &sess.FinalStages); err != nil {
		return nil, fmt.Errorf("session %s: bad stages: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(logJSON), &sess.Log); err != nil {
		return nil, fmt.Errorf("session %s: bad log: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(artifacts), &sess.Artifacts); err != nil {
		return nil, fmt.Errorf("session %s: bad artifacts: %w", sess.ID, err)
	}

	return &sess, nil
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
