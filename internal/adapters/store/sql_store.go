package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		sender_norm TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		secured BOOLEAN NOT NULL,
		authenticated_as TEXT NOT NULL,
		verdict TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_norm)`,
	`CREATE TABLE IF NOT EXISTS message_recipients (
		message_id TEXT NOT NULL REFERENCES messages(id),
		position INTEGER NOT NULL,
		address TEXT NOT NULL,
		address_norm TEXT NOT NULL,
		PRIMARY KEY (message_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recipients_address ON message_recipients(address_norm)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(26) PRIMARY KEY,
		sender VARCHAR(320) NOT NULL,
		sender_norm VARCHAR(320) NOT NULL,
		subject TEXT NOT NULL,
		body LONGTEXT NOT NULL,
		received_at BIGINT NOT NULL,
		secured BOOLEAN NOT NULL,
		authenticated_as VARCHAR(320) NOT NULL,
		verdict TEXT NOT NULL,
		fingerprint VARCHAR(80) NOT NULL,
		status VARCHAR(16) NOT NULL,
		INDEX idx_messages_sender (sender_norm)
	)`,
	`CREATE TABLE IF NOT EXISTS message_recipients (
		message_id VARCHAR(26) NOT NULL,
		position INT NOT NULL,
		address VARCHAR(320) NOT NULL,
		address_norm VARCHAR(320) NOT NULL,
		PRIMARY KEY (message_id, position),
		INDEX idx_recipients_address (address_norm)
	)`,
}

// SQLStore is a database/sql implementation of the MessageStore interface
// shared by the SQLite and MySQL drivers.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (and if needed creates) a SQLite message store
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteSchema, logger)
}

// NewMySQLStore connects to MySQL and creates the schema if needed
func NewMySQLStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}
	return newSQLStore(db, mysqlSchema, logger)
}

func newSQLStore(db *sql.DB, schema []string, logger *zap.Logger) (*SQLStore, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLStore{db: db, logger: logger}, nil
}

// Save inserts msg and its recipients in one transaction
func (s *SQLStore) Save(ctx context.Context, msg *core.StoredMessage) (string, error) {
	verdict, err := json.Marshal(msg.Verdict)
	if err != nil {
		return "", fmt.Errorf("failed to encode verdict: %w", err)
	}
	id := ulid.Make().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, sender, sender_norm, subject, body, received_at,
			secured, authenticated_as, verdict, fingerprint, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, msg.Sender, normalize(msg.Sender), msg.Subject, msg.Body, msg.ReceivedAt.UnixNano(),
		msg.Secured, msg.AuthenticatedAs, string(verdict), msg.Fingerprint, string(msg.Status))
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}

	for i, rcpt := range msg.Recipients {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_recipients (message_id, position, address, address_norm)
			VALUES (?, ?, ?, ?)
		`, id, i, rcpt, normalize(rcpt))
		if err != nil {
			return "", fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit message: %w", err)
	}
	s.logger.Debug("Stored message", zap.String("id", id), zap.String("status", string(msg.Status)))
	return id, nil
}

// FindByParticipant returns live messages sent by or addressed to address
func (s *SQLStore) FindByParticipant(ctx context.Context, address string, limit int) ([]*core.StoredMessage, error) {
	address = normalize(address)
	query := `
		SELECT id, sender, subject, body, received_at, secured, authenticated_as,
			verdict, fingerprint, status
		FROM messages
		WHERE status <> ?
		AND (sender_norm = ? OR id IN (
			SELECT message_id FROM message_recipients WHERE address_norm = ?))
		ORDER BY received_at DESC, id DESC`
	args := []any{string(core.StatusDeleted), address, address}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*core.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	rows.Close()

	for _, m := range out {
		if m.Recipients, err = s.recipients(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*core.StoredMessage, error) {
	var (
		m          core.StoredMessage
		receivedAt int64
		verdict    string
		status     string
	)
	err := rows.Scan(&m.ID, &m.Sender, &m.Subject, &m.Body, &receivedAt, &m.Secured,
		&m.AuthenticatedAs, &verdict, &m.Fingerprint, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(verdict), &m.Verdict); err != nil {
		return nil, fmt.Errorf("failed to decode verdict of %s: %w", m.ID, err)
	}
	m.ReceivedAt = time.Unix(0, receivedAt).UTC()
	m.Status = core.MessageStatus(status)
	return &m, nil
}

func (s *SQLStore) recipients(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM message_recipients WHERE message_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// CountForMailbox returns the number of live messages addressed to identity
func (s *SQLStore) CountForMailbox(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT m.id)
		FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE r.address_norm = ? AND m.status <> ?
	`, normalize(identity), string(core.StatusDeleted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// UpdateStatus changes the status of a stored message
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status core.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return false, fmt.Errorf("failed to update message status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	// MySQL reports zero affected rows when the value is unchanged
	var found string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM messages WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up message: %w", err)
	}
	return true, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close message store", zap.Error(err))
		return err
	}
	return nil
}
