package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/store"
)

// Bootstrap seeds a fresh database with an admin user and key so the instance
// is reachable before any admin surface has written configuration. The raw
// key is logged exactly once, at creation; only its hash is persisted.
func Bootstrap(ctx context.Context, st store.Store) error {
	n, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}

	now := time.Now().UTC()
	user := &hub.User{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      "admin",
		Role:      hub.RoleAdmin,
		Enabled:   true,
		CreatedAt: now,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	raw := GenerateKey()
	key := &hub.Key{
		ID:           uuid.Must(uuid.NewV7()).String(),
		UserID:       user.ID,
		Name:         "bootstrap-admin",
		HashedSecret: hub.HashKey(raw),
		Enabled:      true,
		CreatedAt:    now,
	}
	if err := st.CreateKey(ctx, key); err != nil {
		return fmt.Errorf("create admin key: %w", err)
	}

	slog.Info("bootstrapped admin user", "user_id", user.ID, "api_key", raw)
	return nil
}

// GenerateKey creates a random API key and returns the plaintext.
func GenerateKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hub.KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
