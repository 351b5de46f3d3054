package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pgvector/pgvector-go"
)

// MediaRecord is the single searchable row stored for an indexed file.
type MediaRecord struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id"`
	Path        string          `gorm:"uniqueIndex" json:"path"`
	Filename    string          `json:"filename"`
	Kind        MediaKind       `gorm:"index;size:8" json:"kind"`
	Size        int64           `json:"size"`
	ModTime     int64           `json:"mod_time"`
	Hash        string          `gorm:"size:64" json:"hash"`
	Embedding   pgvector.Vector `gorm:"type:vector" json:"-"`
	FrameCount  int             `json:"frame_count"`
	ThumbnailAt float64         `json:"thumbnail_at"`
	IndexedAt   time.Time       `json:"indexed_at"`
	Frames      []FrameVector   `gorm:"-" json:"frames,omitempty"`
}

// TableName pins the table name for both sqlite and postgres backends.
func (MediaRecord) TableName() string {
	return "media_records"
}

// Fingerprint returns the change-detection summary the record was built from.
func (r MediaRecord) Fingerprint() Fingerprint {
	return Fingerprint{Size: r.Size, ModTime: r.ModTime, Hash: r.Hash}
}

// ThumbnailRef is the recipe used to regenerate a preview: the file plus the
// timestamp of its first sampled frame.
func (r MediaRecord) ThumbnailRef() ThumbnailRef {
	return ThumbnailRef{Path: r.Path, Kind: r.Kind, At: r.ThumbnailAt}
}

// FrameVector is an optional per-frame embedding kept next to the aggregate.
type FrameVector struct {
	RecordID  string          `gorm:"primaryKey;size:64" json:"record_id"`
	Index     int             `gorm:"primaryKey;column:frame_index" json:"index"`
	Timestamp float64         `json:"timestamp"`
	Embedding pgvector.Vector `gorm:"type:vector" json:"-"`
}

func (FrameVector) TableName() string {
	return "media_frames"
}

type ThumbnailRef struct {
	Path string    `json:"path"`
	Kind MediaKind `json:"kind"`
	At   float64   `json:"at"`
}

// MediaID derives the stable record id from an absolute path.
func MediaID(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])
}
