package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE(session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		dimension TEXT NOT NULL,
		text TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		weight DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE(session_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS item_scores (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		dimension TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		weight DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		method TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE(session_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT,
		created_at BIGINT NOT NULL,
		UNIQUE(session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS report_versions (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		version_no INTEGER NOT NULL,
		report_json TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE(session_id, version_no)
	)`,
}

// NewPostgres creates a Postgres-backed repository using the pgx driver.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	db, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.initSchemaContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}
