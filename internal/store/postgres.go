package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		from_key TEXT DEFAULT '',
		from_name TEXT DEFAULT '',
		content TEXT DEFAULT '',
		timestamp BIGINT NOT NULL,
		signature TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS registered_names (
		name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		registered_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_names_key
		ON registered_names (lower(name), public_key);

	CREATE TABLE IF NOT EXISTS roles (
		public_key TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT 'user',
		banned BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS link_codes (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_name ON channels (lower(name));

	CREATE TABLE IF NOT EXISTS uploads (
		id BIGSERIAL PRIMARY KEY,
		filename TEXT NOT NULL,
		size BIGINT NOT NULL,
		uploaded_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages (channel, id);
	CREATE INDEX IF NOT EXISTS idx_messages_from_ts ON messages (from_key, timestamp);

	INSERT INTO channels (id, name, description)
	VALUES ('` + models.GeneralChannelID + `', '` + models.GeneralChannelName + `', '')
	ON CONFLICT (id) DO NOTHING;
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendMessage inserts a message row and returns the assigned id.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.StoredMessage) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (channel, type, from_key, from_name, content, timestamp, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, msg.Channel, string(msg.Type), msg.FromKey, msg.FromName, msg.Content, msg.Timestamp, msg.Signature).Scan(&id)
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// RecentMessages returns the most recent limit rows for a channel,
// ordered oldest-first.
func (s *PostgresStore) RecentMessages(ctx context.Context, channel string, limit int) ([]models.StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, type, from_key, from_name, content, timestamp, signature
		FROM messages
		WHERE channel = $1
		ORDER BY id DESC
		LIMIT $2
	`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanPgMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesAfter returns up to limit rows with id greater than cursor,
// oldest-first, plus the new cursor.
func (s *PostgresStore) MessagesAfter(ctx context.Context, channel string, cursor int64, limit int) ([]models.StoredMessage, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, type, from_key, from_name, content, timestamp, signature
		FROM messages
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, channel, cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	defer rows.Close()

	msgs, err := scanPgMessages(rows)
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
// exact timestamp.
func (s *PostgresStore) DeleteOwnMessage(ctx context.Context, key string, timestamp int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE from_key = $1 AND timestamp = $2
	`, key, timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountMessages returns the row count, for one channel or all when
// channel is empty.
func (s *PostgresStore) CountMessages(ctx context.Context, channel string) (int64, error) {
	var count int64
	var err error
	if channel == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE channel = $1`, channel).Scan(&count)
	}
	return count, err
}

// KeysForName returns all public keys bound to a name, case-insensitive.
func (s *PostgresStore) KeysForName(ctx context.Context, name string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT public_key FROM registered_names WHERE lower(name) = lower($1)
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

// BindName inserts a (name, key) binding, idempotently.
func (s *PostgresStore) BindName(ctx context.Context, name, key string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO registered_names (name, public_key) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, name, key)
	return err
}

// RemoveBindings deletes bindings for name whose key starts with keyPrefix.
func (s *PostgresStore) RemoveBindings(ctx context.Context, name, keyPrefix string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM registered_names
		WHERE lower(name) = lower($1) AND left(public_key, $2) = $3
	`, name, len(keyPrefix), keyPrefix)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseName deletes all bindings for a name.
func (s *PostgresStore) ReleaseName(ctx context.Context, name string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM registered_names WHERE lower(name) = lower($1)
	`, name)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// GetRole returns the role record for a key, defaulting to user/unbanned.
func (s *PostgresStore) GetRole(ctx context.Context, key string) (models.RoleRecord, error) {
	rec := models.RoleRecord{PublicKey: key, Role: models.RoleUser}
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role, banned FROM roles WHERE public_key = $1
	`, key).Scan(&role, &rec.Banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, nil
		}
		return rec, err
	}
	rec.Role = models.Role(role)
	return rec, nil
}

// SetRole sets the role for a key.
func (s *PostgresStore) SetRole(ctx context.Context, key string, role models.Role) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (public_key, role) VALUES ($1, $2)
		ON CONFLICT (public_key) DO UPDATE SET role = EXCLUDED.role
	`, key, string(role))
	return err
}

// SetBanned sets the ban flag for a key.
func (s *PostgresStore) SetBanned(ctx context.Context, key string, banned bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (public_key, banned) VALUES ($1, $2)
		ON CONFLICT (public_key) DO UPDATE SET banned = EXCLUDED.banned
	`, key, banned)
	return err
}

// PutLinkCode stores a link code. Codes are stored uppercase so lookup
// can be case-insensitive.
func (s *PostgresStore) PutLinkCode(ctx context.Context, code models.LinkCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO link_codes (code, name, created_by, created_at, expires_at)
		VALUES (upper($1), $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			created_by = EXCLUDED.created_by,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, code.Code, code.Name, code.CreatedBy, code.CreatedAt.UnixMilli(), code.ExpiresAt.UnixMilli())
	return err
}

// ConsumeLinkCode atomically redeems a code; the DELETE ... RETURNING
// guarantees at-most-once redemption.
func (s *PostgresStore) ConsumeLinkCode(ctx context.Context, code string, nowMilli int64) (*models.LinkCode, error) {
	lc := &models.LinkCode{}
	var createdAt, expiresAt int64
	err := s.pool.QueryRow(ctx, `
		DELETE FROM link_codes
		WHERE code = upper($1) AND expires_at > $2
		RETURNING code, name, created_by, created_at, expires_at
	`, code, nowMilli).Scan(&lc.Code, &lc.Name, &lc.CreatedBy, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	lc.CreatedAt = milliTime(createdAt)
	lc.ExpiresAt = milliTime(expiresAt)
	return lc, nil
}

// PurgeExpiredLinkCodes removes codes past their expiry.
func (s *PostgresStore) PurgeExpiredLinkCodes(ctx context.Context, nowMilli int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM link_codes WHERE expires_at <= $1
	`, nowMilli)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CreateChannel creates a channel with a fresh id.
func (s *PostgresStore) CreateChannel(ctx context.Context, name, description string) (*models.Channel, error) {
	ch := &models.Channel{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, name, description) VALUES ($1, $2, $3)
	`, ch.ID, ch.Name, ch.Description)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DeleteChannel removes a channel by name; general is protected.
func (s *PostgresStore) DeleteChannel(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM channels WHERE lower(name) = lower($1) AND id != $2
	`, name, models.GeneralChannelID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListChannels returns all channels, general first.
func (s *PostgresStore) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description FROM channels
		ORDER BY id != $1, name
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
func (s *PostgresStore) ChannelByName(ctx context.Context, name string) (*models.Channel, error) {
	ch := &models.Channel{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description FROM channels WHERE lower(name) = lower($1)
	`, name).Scan(&ch.ID, &ch.Name, &ch.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// RecordUpload inserts an upload record and trims the table FIFO.
func (s *PostgresStore) RecordUpload(ctx context.Context, filename string, size int64, keep int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO uploads (filename, size, uploaded_at) VALUES ($1, $2, $3)
	`, filename, size, nowMilli())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM uploads WHERE id NOT IN (
			SELECT id FROM uploads ORDER BY id DESC LIMIT $1
		)
	`, keep)
	return err
}

// ListUploads returns the most recent upload records, newest first.
func (s *PostgresStore) ListUploads(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, filename, size, uploaded_at FROM uploads
		ORDER BY id DESC LIMIT $1
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

func scanPgMessages(rows pgx.Rows) ([]models.StoredMessage, error) {
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
