package keychain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// record is the on-disk row shape: one row per logical key.
type record struct {
	Key       string `gorm:"primarykey"`
	Value     []byte
	UpdatedAt time.Time
}

// SQLite is a durable Keychain backed by GORM over a single SQLite file.
// Opened with a DSN of the form "sqlite:///path/to/identity.db".
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if necessary) the SQLite-backed keychain at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("keychain: unsupported DSN %q (only sqlite:// supported)", dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("keychain: open database: %w", err)
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("keychain: migrate database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var rec record
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keychain: get %q: %w", key, err)
	}
	return rec.Value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	rec := record{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Save(&rec).Error
	if err != nil {
		return fmt.Errorf("keychain: set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&record{}, "key = ?", key).Error
}

func (s *SQLite) WipeAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&record{}).Error
}

var _ Keychain = (*SQLite)(nil)
