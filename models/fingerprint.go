package models

import "time"

// FingerprintVersion is bumped whenever the hashing recipe changes. Entries
// written with another version are treated as missing, so the file is
// re-indexed and its entry rewritten.
const FingerprintVersion = 1

// Fingerprint summarises a file for change detection.
type Fingerprint struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
	Hash    string `json:"hash"`
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Size == o.Size && f.ModTime == o.ModTime && f.Hash == o.Hash
}

// FingerprintEntry is the persisted path -> fingerprint mapping used by
// incremental runs.
type FingerprintEntry struct {
	Path      string    `gorm:"primaryKey" json:"path"`
	Version   int       `gorm:"not null;default:1" json:"version"`
	Size      int64     `json:"size"`
	ModTime   int64     `json:"mod_time"`
	Hash      string    `gorm:"size:64" json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FingerprintEntry) TableName() string {
	return "fingerprints"
}

func (e FingerprintEntry) Fingerprint() Fingerprint {
	return Fingerprint{Size: e.Size, ModTime: e.ModTime, Hash: e.Hash}
}

// Current reports whether the entry was written with the active format.
func (e FingerprintEntry) Current() bool {
	return e.Version == FingerprintVersion
}
