package store

import (
	"context"
	"time"

	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

// Store defines the interface for durable relay state: the append-only
// message log, the name-registration relation, role/ban records,
// link codes, the channel registry, and upload records for the polling
// API. Both SQLiteStore and PostgresStore implement this interface.
//
// Every operation is a single, independently-committed unit; there is no
// atomic publish+persist step, so the broadcast bus and the log can
// observably diverge on failure.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message log. Only Chat and System variants are durable; AppendMessage
	// returns the assigned monotonic row id.
	AppendMessage(ctx context.Context, msg *models.StoredMessage) (int64, error)
	RecentMessages(ctx context.Context, channel string, limit int) ([]models.StoredMessage, error)
	MessagesAfter(ctx context.Context, channel string, cursor int64, limit int) ([]models.StoredMessage, int64, error)
	DeleteOwnMessage(ctx context.Context, key string, timestamp int64) (bool, error)
	CountMessages(ctx context.Context, channel string) (int64, error)

	// Name registration. Names compare case-insensitively.
	KeysForName(ctx context.Context, name string) ([]string, error)
	BindName(ctx context.Context, name, key string) error
	RemoveBindings(ctx context.Context, name, keyPrefix string) (int, error)
	ReleaseName(ctx context.Context, name string) (int, error)

	// Roles. Keys without a record default to role "user", not banned.
	GetRole(ctx context.Context, key string) (models.RoleRecord, error)
	SetRole(ctx context.Context, key string, role models.Role) error
	SetBanned(ctx context.Context, key string, banned bool) error

	// Link codes, keyed by code, case-insensitive.
	PutLinkCode(ctx context.Context, code models.LinkCode) error
	ConsumeLinkCode(ctx context.Context, code string, nowMilli int64) (*models.LinkCode, error)
	PurgeExpiredLinkCodes(ctx context.Context, nowMilli int64) (int, error)

	// Channel registry. "general" is seeded at first initialization and
	// exempt from deletion.
	CreateChannel(ctx context.Context, name, description string) (*models.Channel, error)
	DeleteChannel(ctx context.Context, name string) (bool, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	ChannelByName(ctx context.Context, name string) (*models.Channel, error)

	// Upload records for the polling collaborator, FIFO-trimmed to keep.
	RecordUpload(ctx context.Context, filename string, size int64, keep int) error
	ListUploads(ctx context.Context, limit int) ([]Upload, error)
}

// Upload is a record of an accepted file upload, retained FIFO.
type Upload struct {
	ID         int64  `json:"id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	UploadedAt int64  `json:"uploaded_at"` // unix ms
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func milliTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
