package symcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Symbol is a persisted symbol offset. Offsets are stored bit-for-bit in a
// signed column so Absent survives the round trip.
type Symbol struct {
	UUID      string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"primaryKey"`
	Offset    int64
	UpdatedAt time.Time
}

// Store persists symbol offsets in a sqlite database.
type Store struct {
	db *gorm.DB
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("symcache: store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("symcache: failed to create store directory '%s': %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("symcache: failed to connect sqlite database at '%s': %w", path, err)
	}
	if err := db.AutoMigrate(&Symbol{}); err != nil {
		if sqlDB, closeErr := db.DB(); closeErr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("symcache: failed to auto-migrate symbol schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the stored offset of name in the image with uuid.
func (s *Store) Get(uuid, name string) (uint64, bool, error) {
	var sym Symbol
	if err := s.db.Where(&Symbol{UUID: uuid, Name: name}).First(&sym).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("symcache: failed to get symbol %s: %w", name, err)
	}
	return uint64(sym.Offset), true, nil
}

// Put stores offset, replacing an existing entry.
func (s *Store) Put(uuid, name string, offset uint64) error {
	sym := &Symbol{UUID: uuid, Name: name, Offset: int64(offset)}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(sym).Error; err != nil {
		return fmt.Errorf("symcache: failed to put symbol %s: %w", name, err)
	}
	return nil
}

// Forget deletes every entry of the image with uuid.
func (s *Store) Forget(uuid string) error {
	if err := s.db.Where("uuid = ?", uuid).Delete(&Symbol{}).Error; err != nil {
		return fmt.Errorf("symcache: failed to forget image %s: %w", uuid, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.Model(&Symbol{}).Count(&n).Error
	return n, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("symcache: failed to get underlying DB instance: %w", err)
	}
	return sqlDB.Close()
}
