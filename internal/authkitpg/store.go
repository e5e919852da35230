package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tokenrelay/internal/authkit"
)

const uniqueViolationCode = "23505"

// Store is an authkit.CredentialStore backed by a pgx connection pool.
type Store struct {
	pool  *pgxpool.Pool
	clock authkit.Clock
}

// NewStore wraps pool; callers run EnsureSchema first.
func NewStore(pool *pgxpool.Pool, clock authkit.Clock) *Store {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &Store{pool: pool, clock: clock}
}

// Driver labels the store for logs and health output.
func (store *Store) Driver() string {
	return "pgx"
}

// Close releases the pool.
func (store *Store) Close() {
	store.pool.Close()
}

func (store *Store) CreateUser(ctx context.Context, user authkit.User) (authkit.User, error) {
	user.Email = authkit.NormalizeEmail(user.Email)
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := store.clock.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		_, insertErr := tx.Exec(ctx, `
INSERT INTO users (id, email, password_hash, display_name, avatar_url, enabled, origin, provider_subject_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.AvatarURL, user.Enabled, string(user.Origin), user.ProviderSubjectID, user.CreatedAt, user.UpdatedAt)
		if insertErr != nil {
			var pgErr *pgconn.PgError
			if errors.As(insertErr, &pgErr) && pgErr.Code == uniqueViolationCode {
				return authkit.ErrEmailTaken
			}
			return insertErr
		}
		for _, roleName := range user.Roles {
			if _, roleErr := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, user.ID, roleName); roleErr != nil {
				return roleErr
			}
		}
		return nil
	})
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", err)
	}
	return user, nil
}

func (store *Store) FindUserByID(ctx context.Context, userID string) (authkit.User, error) {
	return store.findUser(ctx, "id", userID)
}

func (store *Store) FindUserByEmail(ctx context.Context, email string) (authkit.User, error) {
	return store.findUser(ctx, "email", authkit.NormalizeEmail(email))
}

func (store *Store) findUser(ctx context.Context, column string, value string) (authkit.User, error) {
	var user authkit.User
	var origin string
	row := store.pool.QueryRow(ctx, `
SELECT id, email, password_hash, display_name, avatar_url, enabled, origin, provider_subject_id, created_at, updated_at
FROM users
WHERE `+column+` = $1
`, value)
	scanErr := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.AvatarURL, &user.Enabled, &origin, &user.ProviderSubjectID, &user.CreatedAt, &user.UpdatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.User{}, fmt.Errorf("user_store.find.pgx: %w", authkit.ErrUserNotFound)
		}
		return authkit.User{}, fmt.Errorf("user_store.find.pgx: %w", scanErr)
	}
	user.Origin = authkit.Origin(origin)

	rows, queryErr := store.pool.Query(ctx, `SELECT role_name FROM user_roles WHERE user_id = $1 ORDER BY role_name`, user.ID)
	if queryErr != nil {
		return authkit.User{}, fmt.Errorf("user_store.roles.pgx: %w", queryErr)
	}
	roles, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return authkit.User{}, fmt.Errorf("user_store.roles.pgx: %w", collectErr)
	}
	user.Roles = roles
	return user, nil
}

func (store *Store) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	tag, err := store.pool.Exec(ctx, `UPDATE users SET enabled = $1, updated_at = $2 WHERE id = $3`, enabled, store.clock.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("user_store.set_enabled.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_store.set_enabled.pgx: %w", authkit.ErrUserNotFound)
	}
	return nil
}

func (store *Store) InsertRefreshToken(ctx context.Context, record authkit.RefreshToken) error {
	if err := insertRefreshToken(ctx, store.pool, record); err != nil {
		return fmt.Errorf("refresh_store.insert.pgx: %w", err)
	}
	return nil
}

func (store *Store) FindRefreshToken(ctx context.Context, tokenID string) (authkit.RefreshToken, error) {
	var record authkit.RefreshToken
	var issuedAtUnix, expiresUnix int64
	row := store.pool.QueryRow(ctx, `
SELECT token_id, user_id, issued_at_unix, expires_unix, revoked, replaced_by
FROM refresh_tokens
WHERE token_id = $1
`, tokenID)
	if scanErr := row.Scan(&record.TokenID, &record.UserID, &issuedAtUnix, &expiresUnix, &record.Revoked, &record.ReplacedBy); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", authkit.ErrRefreshTokenNotFound)
		}
		return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", scanErr)
	}
	record.IssuedAt = time.Unix(issuedAtUnix, 0).UTC()
	record.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	return record, nil
}

// RotateRefreshToken revokes the previous record with a conditional update
// and inserts the successor in one transaction.
func (store *Store) RotateRefreshToken(ctx context.Context, previousTokenID string, successor authkit.RefreshToken, now time.Time) error {
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		tag, updateErr := tx.Exec(ctx, `
UPDATE refresh_tokens
SET revoked = TRUE, replaced_by = $1
WHERE token_id = $2 AND revoked = FALSE AND expires_unix > $3
`, successor.TokenID, previousTokenID, now.Unix())
		if updateErr != nil {
			return updateErr
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if scanErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_id = $1)`, previousTokenID).Scan(&exists); scanErr != nil {
				return scanErr
			}
			if !exists {
				return authkit.ErrRefreshTokenNotFound
			}
			return authkit.ErrRefreshTokenConflict
		}
		return insertRefreshToken(ctx, tx, successor)
	})
	if err != nil {
		return fmt.Errorf("refresh_store.rotate.pgx: %w", err)
	}
	return nil
}

func (store *Store) RevokeRefreshToken(ctx context.Context, tokenID string) (bool, error) {
	tag, err := store.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token_id = $1 AND revoked = FALSE`, tokenID)
	if err != nil {
		return false, fmt.Errorf("refresh_store.revoke.pgx: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if scanErr := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_id = $1)`, tokenID).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("refresh_store.revoke.pgx: %w", scanErr)
	}
	if !exists {
		return false, fmt.Errorf("refresh_store.revoke.pgx: %w", authkit.ErrRefreshTokenNotFound)
	}
	return false, nil
}

func (store *Store) RevokeUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	tag, err := store.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("refresh_store.revoke_user.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_unix < $1`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("refresh_store.purge.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, db execer, record authkit.RefreshToken) error {
	_, err := db.Exec(ctx, `
INSERT INTO refresh_tokens (token_id, user_id, issued_at_unix, expires_unix, revoked, replaced_by)
VALUES ($1, $2, $3, $4, $5, $6)
`, record.TokenID, record.UserID, record.IssuedAt.Unix(), record.ExpiresAt.Unix(), record.Revoked, record.ReplacedBy)
	return err
}
