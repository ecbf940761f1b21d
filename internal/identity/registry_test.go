package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	st, err := store.NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	return NewRegistry(st, zerolog.Nop(), ttl)
}

func TestResolveAndRegister(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	own, err := reg.Resolve(ctx, "alice", "key1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if own != Free {
		t.Fatalf("unregistered name should be Free, got %v", own)
	}

	if err := reg.Register(ctx, "alice", "key1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	own, _ = reg.Resolve(ctx, "ALICE", "key1")
	if own != OwnedBySelf {
		t.Fatalf("owner should resolve OwnedBySelf regardless of case, got %v", own)
	}
	own, _ = reg.Resolve(ctx, "alice", "key2")
	if own != OwnedByOther {
		t.Fatalf("other key should resolve OwnedByOther, got %v", own)
	}
}

func TestDeriveCodeShape(t *testing.T) {
	code := deriveCode(time.Now(), "key1", "alice")
	if len(code) != codeLength {
		t.Fatalf("code length %d, want %d", len(code), codeLength)
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			t.Fatalf("code %q contains %q outside the alphabet", code, c)
		}
	}

	// Different inputs yield different codes.
	other := deriveCode(time.Now().Add(time.Millisecond), "key2", "bob")
	if code == other {
		t.Fatalf("distinct inputs produced the same code %q", code)
	}
}

func TestLinkCodeRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "alice", "key1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	code, err := reg.CreateLinkCode(ctx, "alice", "key1")
	if err != nil {
		t.Fatalf("create link code: %v", err)
	}

	name, err := reg.RedeemLinkCode(ctx, code, "key2")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if name != "alice" {
		t.Fatalf("redeem returned %q, want alice", name)
	}

	// The new key now owns the name.
	own, _ := reg.Resolve(ctx, "alice", "key2")
	if own != OwnedBySelf {
		t.Fatalf("linked key should own the name, got %v", own)
	}

	// A code redeems exactly once.
	name, err = reg.RedeemLinkCode(ctx, code, "key3")
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if name != "" {
		t.Fatalf("second redeem should fail, got name %q", name)
	}
	own, _ = reg.Resolve(ctx, "alice", "key3")
	if own != OwnedByOther {
		t.Fatal("failed redeem must not bind the key")
	}
}

func TestLinkCodeExpires(t *testing.T) {
	reg := newTestRegistry(t, time.Millisecond)
	ctx := context.Background()

	code, err := reg.CreateLinkCode(ctx, "alice", "key1")
	if err != nil {
		t.Fatalf("create link code: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	name, err := reg.RedeemLinkCode(ctx, code, "key2")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if name != "" {
		t.Fatalf("expired code should not redeem, got %q", name)
	}
}

func TestRevokeAndRelease(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	for _, key := range []string{"aaa111", "aaa222", "bbb333"} {
		if err := reg.Register(ctx, "alice", key); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}

	// Prefix revocation removes every matching key.
	n, err := reg.RevokeDevice(ctx, "alice", "aaa")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked bindings, got %d", n)
	}

	n, err = reg.Release(ctx, "alice")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released binding, got %d", n)
	}
	own, _ := reg.Resolve(ctx, "alice", "bbb333")
	if own != Free {
		t.Fatalf("released name should be Free, got %v", own)
	}
}
