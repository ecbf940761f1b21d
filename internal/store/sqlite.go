package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

// SQLiteStore handles SQLite database operations. A single connection
// serializes all access, which is the store's concurrency contract:
// per-operation work is small, so one logical writer is enough.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist and seeds the permanent
// general channel.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		from_key TEXT DEFAULT '',
		from_name TEXT DEFAULT '',
		content TEXT DEFAULT '',
		timestamp INTEGER NOT NULL,
		signature TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS registered_names (
		name TEXT NOT NULL COLLATE NOCASE,
		public_key TEXT NOT NULL,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (name, public_key)
	);

	CREATE TABLE IF NOT EXISTS roles (
		public_key TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT 'user',
		banned INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS link_codes (
		code TEXT PRIMARY KEY COLLATE NOCASE,
		name TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL COLLATE NOCASE,
		description TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		uploaded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel, id);
	CREATE INDEX IF NOT EXISTS idx_messages_from_ts ON messages(from_key, timestamp);
	CREATE INDEX IF NOT EXISTS idx_link_codes_expires ON link_codes(expires_at);

	-- Seed general channel if not exists
	INSERT OR IGNORE INTO channels (id, name, description)
	VALUES ('` + models.GeneralChannelID + `', '` + models.GeneralChannelName + `', '');
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage inserts a message row and returns the assigned id.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.StoredMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (channel, type, from_key, from_name, content, timestamp, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.Channel, string(msg.Type), msg.FromKey, msg.FromName, msg.Content, msg.Timestamp, msg.Signature)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// RecentMessages returns the most recent limit rows for a channel,
// ordered oldest-first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, channel string, limit int) ([]models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, type, from_key, from_name, content, timestamp, signature
		FROM messages
		WHERE channel = ?
		ORDER BY id DESC
		LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to oldest-first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesAfter returns up to limit rows with id greater than cursor,
// oldest-first, plus the new cursor (highest id observed).
func (s *SQLiteStore) MessagesAfter(ctx context.Context, channel string, cursor int64, limit int) ([]models.StoredMessage, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, type, from_key, from_name, content, timestamp, signature
		FROM messages
		WHERE channel = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, channel, cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, cursor, err
	}

	newCursor := cursor
	if n := len(msgs); n > 0 {
		newCursor = msgs[n-1].ID
	}
	return msgs, newCursor, nil
}

// DeleteOwnMessage deletes rows matching both the sender key and the
// exact timestamp. Returns true if anything was removed.
func (s *SQLiteStore) DeleteOwnMessage(ctx context.Context, key string, timestamp int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE from_key = ? AND timestamp = ?
	`, key, timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountMessages returns the row count, for one channel or all when
// channel is empty.
func (s *SQLiteStore) CountMessages(ctx context.Context, channel string) (int64, error) {
	var count int64
	var err error
	if channel == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = ?`, channel).Scan(&count)
	}
	return count, err
}

// KeysForName returns all public keys bound to a name, case-insensitive.
func (s *SQLiteStore) KeysForName(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key FROM registered_names WHERE name = ?
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// BindName inserts a (name, key) binding. Idempotent; never removes
// existing bindings.
func (s *SQLiteStore) BindName(ctx context.Context, name, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO registered_names (name, public_key) VALUES (?, ?)
	`, name, key)
	return err
}

// RemoveBindings deletes bindings for name whose key starts with
// keyPrefix and returns how many were removed.
func (s *SQLiteStore) RemoveBindings(ctx context.Context, name, keyPrefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM registered_names
		WHERE name = ? AND substr(public_key, 1, ?) = ?
	`, name, len(keyPrefix), keyPrefix)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseName deletes all bindings for a name, freeing it.
func (s *SQLiteStore) ReleaseName(ctx context.Context, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM registered_names WHERE name = ?
	`, name)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetRole returns the role record for a key. Unknown keys default to
// role "user", not banned.
func (s *SQLiteStore) GetRole(ctx context.Context, key string) (models.RoleRecord, error) {
	rec := models.RoleRecord{PublicKey: key, Role: models.RoleUser}
	var role string
	var banned int
	err := s.db.QueryRowContext(ctx, `
		SELECT role, banned FROM roles WHERE public_key = ?
	`, key).Scan(&role, &banned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, nil
		}
		return rec, err
	}
	rec.Role = models.Role(role)
	rec.Banned = banned == 1
	return rec, nil
}

// SetRole sets the role for a key, creating the record if needed.
func (s *SQLiteStore) SetRole(ctx context.Context, key string, role models.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (public_key, role) VALUES (?, ?)
		ON CONFLICT(public_key) DO UPDATE SET role = excluded.role
	`, key, string(role))
	return err
}

// SetBanned sets the ban flag for a key, creating the record if needed.
func (s *SQLiteStore) SetBanned(ctx context.Context, key string, banned bool) error {
	bannedInt := 0
	if banned {
		bannedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (public_key, banned) VALUES (?, ?)
		ON CONFLICT(public_key) DO UPDATE SET banned = excluded.banned
	`, key, bannedInt)
	return err
}

// PutLinkCode stores a link code.
func (s *SQLiteStore) PutLinkCode(ctx context.Context, code models.LinkCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO link_codes (code, name, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, code.Code, code.Name, code.CreatedBy, code.CreatedAt.UnixMilli(), code.ExpiresAt.UnixMilli())
	return err
}

// ConsumeLinkCode atomically redeems a code: the lookup and delete run
// in one transaction, so a code is redeemed at most once. Expired codes
// are unusable even if not yet purged. Returns nil if the code is
// missing or expired.
func (s *SQLiteStore) ConsumeLinkCode(ctx context.Context, code string, nowMilli int64) (*models.LinkCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lc := &models.LinkCode{}
	var createdAt, expiresAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT code, name, created_by, created_at, expires_at
		FROM link_codes WHERE code = ?
	`, code).Scan(&lc.Code, &lc.Name, &lc.CreatedBy, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if nowMilli >= expiresAt {
		return nil, nil
	}
	lc.CreatedAt = milliTime(createdAt)
	lc.ExpiresAt = milliTime(expiresAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM link_codes WHERE code = ?`, lc.Code); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lc, nil
}

// PurgeExpiredLinkCodes removes codes past their expiry.
func (s *SQLiteStore) PurgeExpiredLinkCodes(ctx context.Context, nowMilli int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM link_codes WHERE expires_at <= ?
	`, nowMilli)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateChannel creates a channel with a fresh id.
func (s *SQLiteStore) CreateChannel(ctx context.Context, name, description string) (*models.Channel, error) {
	ch := &models.Channel{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, description) VALUES (?, ?, ?)
	`, ch.ID, ch.Name, ch.Description)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DeleteChannel removes a channel by name. The general channel cannot
// be deleted. Returns true if a channel was removed.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM channels WHERE name = ? AND id != ?
	`, name, models.GeneralChannelID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListChannels returns all channels, general first.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description FROM channels
		ORDER BY id != ?, name
	`, models.GeneralChannelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Description); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ChannelByName looks a channel up by name, case-insensitive.
func (s *SQLiteStore) ChannelByName(ctx context.Context, name string) (*models.Channel, error) {
	ch := &models.Channel{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description FROM channels WHERE name = ?
	`, name).Scan(&ch.ID, &ch.Name, &ch.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// RecordUpload inserts an upload record and trims the table FIFO to the
// most recent keep rows.
func (s *SQLiteStore) RecordUpload(ctx context.Context, filename string, size int64, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (filename, size, uploaded_at) VALUES (?, ?, ?)
	`, filename, size, nowMilli())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM uploads WHERE id NOT IN (
			SELECT id FROM uploads ORDER BY id DESC LIMIT ?
		)
	`, keep)
	return err
}

// ListUploads returns the most recent upload records, newest first.
func (s *SQLiteStore) ListUploads(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, size, uploaded_at FROM uploads
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.Filename, &u.Size, &u.UploadedAt); err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		var typ string
		err := rows.Scan(&m.ID, &m.Channel, &typ, &m.FromKey, &m.FromName, &m.Content, &m.Timestamp, &m.Signature)
		if err != nil {
			return nil, err
		}
		m.Type = models.MessageType(typ)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
