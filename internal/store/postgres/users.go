package postgres

import (
	"context"
	"database/sql"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

const userCols = `id, name, role, enabled, expires_at, ` + quotaCols + `,
	daily_reset_mode, daily_reset_time, allowed_clients, allowed_models,
	provider_groups, tags, created_at`

func scanUser(row scanner) (*hub.User, error) {
	var u hub.User
	var expires sql.NullTime
	var q quotaScan
	var clients, models, groups, tags []byte

	dest := []any{&u.ID, &u.Name, &u.Role, &u.Enabled, &expires}
	dest = append(dest, q.dests()...)
	dest = append(dest, &u.DailyResetMode, &u.DailyResetTime, &clients, &models, &groups, &tags, &u.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, notFoundErr(err)
	}

	u.ExpiresAt = timePtr(expires)
	u.Quota = q.quota()
	for _, pair := range []struct {
		src []byte
		dst *[]string
	}{
		{clients, &u.AllowedClients},
		{models, &u.AllowedModels},
		{groups, &u.ProviderGroups},
		{tags, &u.Tags},
	} {
		if err := unmarshalList(pair.src, pair.dst); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*hub.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*hub.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userCols+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*hub.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the total number of users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *hub.User) error {
	clients, err := marshalList(u.AllowedClients)
	if err != nil {
		return err
	}
	models, err := marshalList(u.AllowedModels)
	if err != nil {
		return err
	}
	groups, err := marshalList(u.ProviderGroups)
	if err != nil {
		return err
	}
	tags, err := marshalList(u.Tags)
	if err != nil {
		return err
	}
	role := u.Role
	if role == "" {
		role = hub.RoleUser
	}
	mode := u.DailyResetMode
	if mode == "" {
		mode = hub.DailyResetFixed
	}
	resetTime := u.DailyResetTime
	if resetTime == "" {
		resetTime = "00:00"
	}

	args := []any{u.ID, u.Name, role, u.Enabled, nullTime(u.ExpiresAt)}
	args = append(args, quotaArgs(u.Quota)...)
	args = append(args, mode, resetTime, clients, models, groups, tags, u.CreatedAt.UTC())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		args...)
	return err
}

const keyCols = `id, user_id, name, hashed_secret, enabled, expires_at, ` + quotaCols + `,
	provider_groups, can_login_web_ui, last_used_at, created_at`

func scanApiKey(row scanner) (*hub.Key, error) {
	var k hub.Key
	var expires, lastUsed sql.NullTime
	var q quotaScan
	var groups []byte

	dest := []any{&k.ID, &k.UserID, &k.Name, &k.HashedSecret, &k.Enabled, &expires}
	dest = append(dest, q.dests()...)
	dest = append(dest, &groups, &k.CanLoginWebUI, &lastUsed, &k.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, notFoundErr(err)
	}

	k.ExpiresAt = timePtr(expires)
	k.LastUsedAt = timePtr(lastUsed)
	k.Quota = q.quota()
	if err := unmarshalList(groups, &k.ProviderGroups); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetKey retrieves a key by id.
func (s *Store) GetKey(ctx context.Context, id string) (*hub.Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM keys WHERE id = $1`, id)
	return scanApiKey(row)
}

// GetKeyByHash retrieves a key by the SHA-256 hash of its secret.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*hub.Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM keys WHERE hashed_secret = $1`, hash)
	return scanApiKey(row)
}

// ListKeysByUser returns all keys owned by a user.
func (s *Store) ListKeysByUser(ctx context.Context, userID string) ([]*hub.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyCols+` FROM keys WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*hub.Key
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, k *hub.Key) error {
	groups, err := marshalList(k.ProviderGroups)
	if err != nil {
		return err
	}

	args := []any{k.ID, k.UserID, k.Name, k.HashedSecret, k.Enabled, nullTime(k.ExpiresAt)}
	args = append(args, quotaArgs(k.Quota)...)
	args = append(args, groups, k.CanLoginWebUI, nullTime(k.LastUsedAt), k.CreatedAt.UTC())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO keys (`+keyCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		args...)
	return err
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE keys SET last_used_at = $1 WHERE id = $2`, at.UTC(), id)
	return err
}
