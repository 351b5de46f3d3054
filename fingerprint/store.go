// Package fingerprint persists per-file identity (size, mtime, content hash)
// so incremental runs can skip unchanged files.
package fingerprint

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/pablobfonseca/go-media-vector/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the path -> fingerprint mapping. It works on any gorm dialect.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.FingerprintEntry{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get returns the current-format entry for path. Missing entries and entries
// written by an older format both report ok=false.
func (s *Store) Get(ctx context.Context, path string) (models.FingerprintEntry, bool, error) {
	var entry models.FingerprintEntry
	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.FingerprintEntry{}, false, nil
	}
	if err != nil {
		return models.FingerprintEntry{}, false, err
	}
	if !entry.Current() {
		return entry, false, nil
	}
	return entry, true, nil
}

// Put upserts the entry for path at the current format version.
func (s *Store) Put(ctx context.Context, path string, fp models.Fingerprint) error {
	entry := models.FingerprintEntry{
		Path:    path,
		Version: models.FingerprintVersion,
		Size:    fp.Size,
		ModTime: fp.ModTime,
		Hash:    fp.Hash,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "size", "mod_time", "hash", "updated_at"}),
	}).Create(&entry).Error
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.db.WithContext(ctx).Where("path = ?", path).Delete(&models.FingerprintEntry{}).Error
}

// PathsUnder lists every stored path below root, regardless of version.
func (s *Store) PathsUnder(ctx context.Context, root string) ([]string, error) {
	sep := string(filepath.Separator)
	prefix := strings.TrimSuffix(root, sep) + sep
	var paths []string
	err := s.db.WithContext(ctx).Model(&models.FingerprintEntry{}).
		Where("path LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("path").
		Pluck("path", &paths).Error
	return paths, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
