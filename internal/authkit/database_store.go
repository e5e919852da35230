package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("store.unsupported_no_scheme")
)

// DatabaseStore persists users, roles, and refresh token records using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID                string    `gorm:"column:id;primaryKey"`
	Email             string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash      string    `gorm:"column:password_hash;not null"`
	DisplayName       string    `gorm:"column:display_name;not null"`
	AvatarURL         string    `gorm:"column:avatar_url;not null"`
	Enabled           bool      `gorm:"column:enabled;not null"`
	Origin            string    `gorm:"column:origin;not null"`
	ProviderSubjectID string    `gorm:"column:provider_subject_id;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type userRoleRecord struct {
	UserID   string `gorm:"column:user_id;primaryKey"`
	RoleName string `gorm:"column:role_name;primaryKey"`
}

func (userRoleRecord) TableName() string {
	return "user_roles"
}

type refreshTokenRecord struct {
	TokenID      string `gorm:"column:token_id;primaryKey"`
	UserID       string `gorm:"column:user_id;index;not null"`
	IssuedAtUnix int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;index;not null"`
	Revoked      bool   `gorm:"column:revoked;not null"`
	ReplacedBy   string `gorm:"column:replaced_by;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseStore opens the database behind databaseURL and migrates the tables.
func NewDatabaseStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("store.open.%s: %w", driverLabel, sqlErr)
		}
		// sqlite allows a single writer; one connection serializes transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &userRoleRecord{}, &refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts the user and its roles in one transaction.
func (store *DatabaseStore) CreateUser(ctx context.Context, user User) (User, error) {
	user.Email = NormalizeEmail(user.Email)
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := store.clock.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	record := toUserRecord(user)

	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if countErr := tx.Model(&userRecord{}).Where("email = ?", user.Email).Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrEmailTaken
		}
		if createErr := tx.Create(&record).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return createErr
		}
		for _, roleName := range user.Roles {
			if roleErr := tx.Create(&userRoleRecord{UserID: user.ID, RoleName: roleName}).Error; roleErr != nil {
				return roleErr
			}
		}
		return nil
	})
	if err != nil {
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return fromUserRecord(record, user.Roles), nil
}

// FindUserByID loads a user with its roles.
func (store *DatabaseStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	return store.findUser(ctx, "id = ?", userID)
}

// FindUserByEmail loads a user by normalized email.
func (store *DatabaseStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return store.findUser(ctx, "email = ?", NormalizeEmail(email))
}

func (store *DatabaseStore) findUser(ctx context.Context, query string, argument string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, err)
	}
	var roleRecords []userRoleRecord
	if roleErr := store.db.WithContext(ctx).Where("user_id = ?", record.ID).Order("role_name").Find(&roleRecords).Error; roleErr != nil {
		return User{}, fmt.Errorf("user_store.roles.%s: %w", store.driverLabel, roleErr)
	}
	roles := make([]string, 0, len(roleRecords))
	for _, roleRecord := range roleRecords {
		roles = append(roles, roleRecord.RoleName)
	}
	return fromUserRecord(record, roles), nil
}

// SetUserEnabled toggles the enabled flag.
func (store *DatabaseStore) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": store.clock.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("user_store.set_enabled.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.set_enabled.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

// InsertRefreshToken stores a new refresh record.
func (store *DatabaseStore) InsertRefreshToken(ctx context.Context, record RefreshToken) error {
	row := toRefreshTokenRecord(record)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("refresh_store.insert.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindRefreshToken returns the refresh record for tokenID.
func (store *DatabaseStore) FindRefreshToken(ctx context.Context, tokenID string) (RefreshToken, error) {
	var row refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, err)
	}
	return fromRefreshTokenRecord(row), nil
}

// RotateRefreshToken revokes the previous record with a conditional update and
// inserts the successor inside the same transaction.
func (store *DatabaseStore) RotateRefreshToken(ctx context.Context, previousTokenID string, successor RefreshToken, now time.Time) error {
	successorRow := toRefreshTokenRecord(successor)
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&refreshTokenRecord{}).
			Where("token_id = ? AND revoked = ? AND expires_unix > ?", previousTokenID, false, now.Unix()).
			Updates(map[string]interface{}{"revoked": true, "replaced_by": successor.TokenID})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var existing int64
			if countErr := tx.Model(&refreshTokenRecord{}).Where("token_id = ?", previousTokenID).Count(&existing).Error; countErr != nil {
				return countErr
			}
			if existing == 0 {
				return ErrRefreshTokenNotFound
			}
			return ErrRefreshTokenConflict
		}
		return tx.Create(&successorRow).Error
	})
	if err != nil {
		return fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RevokeRefreshToken marks a record revoked and reports whether it changed.
func (store *DatabaseStore) RevokeRefreshToken(ctx context.Context, tokenID string) (bool, error) {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked = ?", tokenID, false).
		Update("revoked", true)
	if result.Error != nil {
		return false, fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	var existing int64
	if countErr := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).Where("token_id = ?", tokenID).Count(&existing).Error; countErr != nil {
		return false, fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, countErr)
	}
	if existing == 0 {
		return false, fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
	}
	return false, nil
}

// RevokeUserRefreshTokens revokes every live record owned by userID.
func (store *DatabaseStore) RevokeUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true)
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.revoke_user.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeExpiredRefreshTokens deletes records that expired before the cutoff.
func (store *DatabaseStore) PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix < ?", before.Unix()).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.purge.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func toUserRecord(user User) userRecord {
	return userRecord{
		ID:                user.ID,
		Email:             user.Email,
		PasswordHash:      user.PasswordHash,
		DisplayName:       user.DisplayName,
		AvatarURL:         user.AvatarURL,
		Enabled:           user.Enabled,
		Origin:            string(user.Origin),
		ProviderSubjectID: user.ProviderSubjectID,
		CreatedAt:         user.CreatedAt,
		UpdatedAt:         user.UpdatedAt,
	}
}

func fromUserRecord(record userRecord, roles []string) User {
	return User{
		ID:                record.ID,
		Email:             record.Email,
		PasswordHash:      record.PasswordHash,
		DisplayName:       record.DisplayName,
		AvatarURL:         record.AvatarURL,
		Enabled:           record.Enabled,
		Origin:            Origin(record.Origin),
		ProviderSubjectID: record.ProviderSubjectID,
		Roles:             cloneRoles(roles),
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

func toRefreshTokenRecord(record RefreshToken) refreshTokenRecord {
	return refreshTokenRecord{
		TokenID:      record.TokenID,
		UserID:       record.UserID,
		IssuedAtUnix: record.IssuedAt.Unix(),
		ExpiresUnix:  record.ExpiresAt.Unix(),
		Revoked:      record.Revoked,
		ReplacedBy:   record.ReplacedBy,
	}
}

func fromRefreshTokenRecord(row refreshTokenRecord) RefreshToken {
	return RefreshToken{
		TokenID:    row.TokenID,
		UserID:     row.UserID,
		IssuedAt:   time.Unix(row.IssuedAtUnix, 0).UTC(),
		ExpiresAt:  time.Unix(row.ExpiresUnix, 0).UTC(),
		Revoked:    row.Revoked,
		ReplacedBy: row.ReplacedBy,
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
