package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/pablobfonseca/go-media-vector/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// records holds the dialect-independent half of both stores.
type records struct {
	db *gorm.DB
}

func (r records) upsert(ctx context.Context, rec models.MediaRecord) error {
	if len(rec.Embedding.Slice()) == 0 {
		return errors.New("record has no embedding")
	}
	dim, err := r.dimension(ctx)
	if err != nil {
		return err
	}
	if dim > 0 && len(rec.Embedding.Slice()) != dim {
		return fmt.Errorf("%w: store has %d, record %s has %d", ErrDimensionMismatch, dim, rec.Path, len(rec.Embedding.Slice()))
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&rec).Error
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.Path, err)
		}
		if err := tx.Where("record_id = ?", rec.ID).Delete(&models.FrameVector{}).Error; err != nil {
			return err
		}
		if len(rec.Frames) == 0 {
			return nil
		}
		frames := make([]models.FrameVector, len(rec.Frames))
		for i, f := range rec.Frames {
			f.RecordID = rec.ID
			frames[i] = f
		}
		return tx.Create(&frames).Error
	})
}

func (r records) delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("record_id = ?", id).Delete(&models.FrameVector{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.MediaRecord{}).Error
	})
}

func (r records) get(ctx context.Context, id string) (models.MediaRecord, error) {
	var rec models.MediaRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.MediaRecord{}, ErrNotFound
	}
	if err != nil {
		return models.MediaRecord{}, err
	}
	err = r.db.WithContext(ctx).Where("record_id = ?", id).Order("frame_index").Find(&rec.Frames).Error
	return rec, err
}

func (r records) count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.MediaRecord{}).Count(&n).Error
	return n, err
}

// dimension reads the length of any stored vector, 0 when empty.
func (r records) dimension(ctx context.Context) (int, error) {
	var rec models.MediaRecord
	err := r.db.WithContext(ctx).Select("embedding").Limit(1).Find(&rec).Error
	if err != nil {
		return 0, err
	}
	return len(rec.Embedding.Slice()), nil
}
