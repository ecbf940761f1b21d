package models

import "time"

// RegisteredName binds a display name to one authorized public key.
// Names compare case-insensitively; a name may have many keys
// (multi-device) and a key may hold several names.
type RegisteredName struct {
	Name         string    `json:"name"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// LinkCode authorizes binding one additional device key to an existing
// registered name. Single-use, short-lived.
type LinkCode struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is unusable at the given instant.
func (c LinkCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
