// Package history persists link events and recordings to PostgreSQL so a
// session can be inspected after the process exits.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/rtcManager"
)

var ErrUnknownSession = errors.New("history: no events for session")

// PostgresStore writes to the link_events and recordings tables.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Recording describes a finished WebM file.
type Recording struct {
	SessionID   string `db:"session_id"`
	Path        string `db:"path"`
	ObjectKey   string `db:"object_key"`
	VideoFrames int    `db:"video_frames"`
	AudioFrames int    `db:"audio_frames"`
	Dropped     int    `db:"dropped"`
}

// Summary aggregates the stored events of one session.
type Summary struct {
	Reconnects int          `db:"reconnects"`
	Errors     int          `db:"errors"`
	Failed     bool         `db:"failed"`
	FirstSeen  sql.NullTime `db:"first_seen"`
	LastSeen   sql.NullTime `db:"last_seen"`
}

// Duration is the time between the first and the last stored event.
func (s Summary) Duration() time.Duration {
	if !s.FirstSeen.Valid || !s.LastSeen.Valid {
		return 0
	}
	return s.LastSeen.Time.Sub(s.FirstSeen.Time)
}

type eventRow struct {
	SessionID string    `db:"session_id"`
	Kind      string    `db:"kind"`
	State     string    `db:"state"`
	Quality   string    `db:"quality"`
	Attempt   int       `db:"attempt"`
	DelayMS   int64     `db:"delay_ms"`
	Fatal     bool      `db:"fatal"`
	Error     string    `db:"error"`
	At        time.Time `db:"occurred_at"`
}

// Open connects to cfg.DSN and creates the schema.
func Open(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStore(db, logger)
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func NewPostgresStore(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.L().Named("postgres-store")
	}
	return &PostgresStore{db: db, logger: logger}
}

const schema = `
CREATE TABLE IF NOT EXISTS link_events (
	id BIGSERIAL PRIMARY KEY,
	session_id VARCHAR(255) NOT NULL,
	kind VARCHAR(32) NOT NULL,
	state VARCHAR(64) NOT NULL DEFAULT '',
	quality VARCHAR(16) NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 0,
	delay_ms BIGINT NOT NULL DEFAULT 0,
	fatal BOOLEAN NOT NULL DEFAULT FALSE,
	error TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_link_events_session ON link_events(session_id, occurred_at);

CREATE TABLE IF NOT EXISTS recordings (
	id BIGSERIAL PRIMARY KEY,
	session_id VARCHAR(255) NOT NULL,
	path TEXT NOT NULL,
	object_key TEXT NOT NULL DEFAULT '',
	video_frames INTEGER NOT NULL DEFAULT 0,
	audio_frames INTEGER NOT NULL DEFAULT 0,
	dropped INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordEvent stores one engine event.
func (s *PostgresStore) RecordEvent(ctx context.Context, ev rtcManager.Event) error {
	row := eventRow{
		SessionID: ev.SessionID,
		Kind:      ev.Kind.String(),
		State:     ev.State,
		Attempt:   ev.Attempt,
		DelayMS:   ev.Delay.Milliseconds(),
		Fatal:     ev.Fatal,
		At:        ev.At,
	}
	if ev.Kind == rtcManager.EventQuality {
		row.Quality = ev.Quality.String()
	}
	if ev.Err != nil {
		row.Error = ev.Err.Error()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO link_events (session_id, kind, state, quality, attempt, delay_ms, fatal, error, occurred_at)
		VALUES (:session_id, :kind, :state, :quality, :attempt, :delay_ms, :fatal, :error, :occurred_at)`, row)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", row.Kind, err)
	}
	return nil
}

// SaveRecording stores the metadata of a finished recording.
func (s *PostgresStore) SaveRecording(ctx context.Context, rec Recording) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recordings (session_id, path, object_key, video_frames, audio_frames, dropped)
		VALUES (:session_id, :path, :object_key, :video_frames, :audio_frames, :dropped)`, rec)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	s.logger.Debug("Recording saved", zap.String("session", rec.SessionID), zap.String("path", rec.Path))
	return nil
}

// SessionSummary aggregates the events stored for sessionID.
func (s *PostgresStore) SessionSummary(ctx context.Context, sessionID string) (*Summary, error) {
	var sum Summary
	err := s.db.GetContext(ctx, &sum, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'reconnect-scheduled') AS reconnects,
			COUNT(*) FILTER (WHERE kind = 'error') AS errors,
			COALESCE(BOOL_OR(fatal), FALSE) AS failed,
			MIN(occurred_at) AS first_seen,
			MAX(occurred_at) AS last_seen
		FROM link_events
		WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session summary: %w", err)
	}
	if !sum.FirstSeen.Valid {
		return nil, ErrUnknownSession
	}
	return &sum, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
