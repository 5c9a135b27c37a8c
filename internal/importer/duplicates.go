package importer

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
)

// FindDuplicate returns the non-deleted Media whose content hash and byte
// size match, or nil when the content is new. Soft-deleted rows never
// match, so re-importing deleted content creates a fresh Media.
func FindDuplicate(db *gorm.DB, hash string, size int64) (*database.Media, error) {
	var media database.Media
	err := db.
		Where("hash_sha256 = ? AND bytes = ? AND is_deleted = ?", hash, size, false).
		Order("id ASC").
		First(&media).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query duplicate: %w", err)
	}
	return &media, nil
}
