package identity

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/models"
	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

// Ownership is the result of resolving a name against a key.
type Ownership int

const (
	Free Ownership = iota
	OwnedBySelf
	OwnedByOther
)

// codeAlphabet avoids visually confusable characters in link codes.
const codeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

const codeLength = 6

// Registry implements the identity and name-registration protocol over
// the store: name resolution, multi-device link codes, revocation.
type Registry struct {
	store  store.Store
	logger zerolog.Logger
	ttl    time.Duration
}

// NewRegistry creates a registry. ttl is the link-code lifetime.
func NewRegistry(st store.Store, logger zerolog.Logger, ttl time.Duration) *Registry {
	return &Registry{store: st, logger: logger, ttl: ttl}
}

// Resolve matches a name against the set of keys bound to it.
// Names compare case-insensitively.
func (r *Registry) Resolve(ctx context.Context, name, key string) (Ownership, error) {
	keys, err := r.store.KeysForName(ctx, name)
	if err != nil {
		return Free, err
	}
	if len(keys) == 0 {
		return Free, nil
	}
	for _, k := range keys {
		if k == key {
			return OwnedBySelf, nil
		}
	}
	return OwnedByOther, nil
}

// Register binds a key to a name. Idempotent; never removes existing
// bindings.
func (r *Registry) Register(ctx context.Context, name, key string) error {
	return r.store.BindName(ctx, name, key)
}

// CreateLinkCode issues a single-use device-link code for a name.
// Expired codes are opportunistically purged on every creation.
//
// The code is deterministically derived from a simple mix of timestamp,
// requester key, and name. It is not cryptographically unpredictable:
// codes are short-lived, single-use, and scoped to an already
// authenticated holder of the name, so predictability is a non-goal.
func (r *Registry) CreateLinkCode(ctx context.Context, name, requester string) (string, error) {
	now := time.Now()

	if n, err := r.store.PurgeExpiredLinkCodes(ctx, now.UnixMilli()); err != nil {
		r.logger.Warn().Err(err).Msg("link code purge failed")
	} else if n > 0 {
		r.logger.Debug().Int("purged", n).Msg("purged expired link codes")
	}

	code := deriveCode(now, requester, name)
	lc := models.LinkCode{
		Code:      code,
		Name:      name,
		CreatedBy: requester,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if err := r.store.PutLinkCode(ctx, lc); err != nil {
		return "", err
	}
	return code, nil
}

// RedeemLinkCode consumes a code and binds key to the linked name.
// Returns the name on success, or "" when the code is unknown or
// expired; failure has no side effects.
func (r *Registry) RedeemLinkCode(ctx context.Context, code, key string) (string, error) {
	lc, err := r.store.ConsumeLinkCode(ctx, code, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	if lc == nil {
		return "", nil
	}
	if err := r.store.BindName(ctx, lc.Name, key); err != nil {
		return "", err
	}
	r.logger.Info().Str("name", lc.Name).Msg("device linked")
	return lc.Name, nil
}

// RevokeDevice removes all bindings for name whose key starts with
// keyPrefix and returns how many were removed. Protecting the caller's
// own key is the command layer's job.
func (r *Registry) RevokeDevice(ctx context.Context, name, keyPrefix string) (int, error) {
	return r.store.RemoveBindings(ctx, name, keyPrefix)
}

// Release deletes every binding for a name, freeing it for
// re-registration. Administrative.
func (r *Registry) Release(ctx context.Context, name string) (int, error) {
	return r.store.ReleaseName(ctx, name)
}

// deriveCode mixes timestamp, requester key, and name into a 6-character
// code via FNV-1a.
func deriveCode(now time.Time, requester, name string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", now.UnixMilli(), requester, name)
	v := h.Sum64()

	buf := make([]byte, codeLength)
	for i := range buf {
		buf[i] = codeAlphabet[v&31]
		v >>= 5
	}
	return string(buf)
}
