package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		dimension TEXT NOT NULL,
		text TEXT NOT NULL,
		score REAL NOT NULL,
		weight REAL NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS item_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		dimension TEXT NOT NULL,
		score REAL NOT NULL,
		weight REAL NOT NULL,
		confidence REAL NOT NULL,
		method TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS report_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		version_no INTEGER NOT NULL,
		report_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, version_no)
	)`,
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while a turn is being written.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.initSchema(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}
