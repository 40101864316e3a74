// Package store persists chat history in SQLite. The messaging backend's
// bot API cannot fetch history on demand, so every message seen (inbound
// and the agent's own) is recorded here and transcript builds query this
// local copy. Sticker and animation file IDs are cataloged alongside for
// media resolution.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"personabot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER NOT NULL,
		chat_id         INTEGER NOT NULL,
		chat_kind       TEXT NOT NULL,
		chat_title      TEXT,
		sender_name     TEXT,
		sender_username TEXT,
		is_self         INTEGER DEFAULT 0,
		payload_kind    TEXT NOT NULL,
		text            TEXT,
		emoji           TEXT,
		ref             TEXT,
		file_id         TEXT,
		reply_to        INTEGER DEFAULT 0,
		reply_to_self   INTEGER DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);

	CREATE TABLE IF NOT EXISTS media (
		file_id    TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		emoji      TEXT,
		ref        TEXT,
		last_seen  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_media_kind ON media(kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record stores a message, upserting by (chat_id, id) so redeliveries are
// harmless. Sticker/animation file IDs are cataloged for later resolution.
func (s *SQLiteStore) Record(ctx context.Context, msg domain.InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	var replyTo int
	var replyToSelf bool
	if msg.ReplyTo != nil {
		replyTo = msg.ReplyTo.MessageID
		replyToSelf = msg.ReplyTo.FromSelf
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages
		 (id, chat_id, chat_kind, chat_title, sender_name, sender_username, is_self,
		  payload_kind, text, emoji, ref, file_id, reply_to, reply_to_self, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, string(msg.ChatKind), msg.ChatTitle,
		msg.Sender.DisplayName, msg.Sender.Username, msg.Sender.IsSelf,
		string(msg.Payload.Kind), msg.Payload.Text, msg.Payload.Emoji,
		msg.Payload.Ref, msg.Payload.FileID, replyTo, replyToSelf, msg.Timestamp,
	)
	if err != nil {
		return err
	}

	switch msg.Payload.Kind {
	case domain.PayloadSticker, domain.PayloadAnimation:
		if msg.Payload.FileID != "" {
			_, err = s.db.ExecContext(ctx,
				`INSERT INTO media (file_id, kind, emoji, ref, last_seen)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(file_id) DO UPDATE SET last_seen = excluded.last_seen`,
				msg.Payload.FileID, string(msg.Payload.Kind),
				msg.Payload.Emoji, msg.Payload.Ref, time.Now(),
			)
		}
	}
	return err
}

// Before returns up to limit messages from chatID strictly older than
// beforeID, newest first. beforeID <= 0 means no upper bound.
func (s *SQLiteStore) Before(ctx context.Context, chatID int64, beforeID, limit int) ([]domain.InboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, chat_id, chat_kind, chat_title, sender_name, sender_username, is_self,
	                 payload_kind, text, emoji, ref, file_id, reply_to, reply_to_self, created_at
	          FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.InboundMessage
	for rows.Next() {
		var m domain.InboundMessage
		var kind, payloadKind string
		var title, senderName, senderUsername, text, emoji, ref, fileID sql.NullString
		var replyTo int
		var replyToSelf bool
		if err := rows.Scan(&m.ID, &m.ChatID, &kind, &title, &senderName, &senderUsername,
			&m.Sender.IsSelf, &payloadKind, &text, &emoji, &ref, &fileID,
			&replyTo, &replyToSelf, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ChatKind = domain.ChatKind(kind)
		m.ChatTitle = title.String
		m.Sender.DisplayName = senderName.String
		m.Sender.Username = senderUsername.String
		m.Payload = domain.Payload{
			Kind:   domain.PayloadKind(payloadKind),
			Text:   text.String,
			Emoji:  emoji.String,
			Ref:    ref.String,
			FileID: fileID.String,
		}
		if replyTo != 0 {
			m.ReplyTo = &domain.ReplyRef{MessageID: replyTo, FromSelf: replyToSelf}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// FindSticker picks a random cataloged sticker carrying the given emoji.
func (s *SQLiteStore) FindSticker(ctx context.Context, emoji string) (string, error) {
	var fileID string
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id FROM media WHERE kind = ? AND emoji = ?
		 ORDER BY RANDOM() LIMIT 1`,
		string(domain.PayloadSticker), emoji,
	).Scan(&fileID)
	if err == sql.ErrNoRows {
		return "", &domain.MediaResolutionError{Kind: domain.MediaSticker, Query: emoji}
	}
	if err != nil {
		return "", err
	}
	return fileID, nil
}

// FindAnimation picks a random cataloged animation whose name contains query.
func (s *SQLiteStore) FindAnimation(ctx context.Context, query string) (string, error) {
	var fileID string
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id FROM media WHERE kind = ? AND ref LIKE ?
		 ORDER BY RANDOM() LIMIT 1`,
		string(domain.PayloadAnimation), "%"+query+"%",
	).Scan(&fileID)
	if err == sql.ErrNoRows {
		return "", &domain.MediaResolutionError{Kind: domain.MediaGIF, Query: query}
	}
	if err != nil {
		return "", err
	}
	return fileID, nil
}

// Prune deletes messages recorded before the cutoff. Media stays: file IDs
// remain valid for sending regardless of age.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("pruned old messages", "count", n)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
