package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pablobfonseca/go-media-vector/models"
)

// Files at or above this size are hashed from their head and tail only.
var (
	fullHashLimit int64 = 10 << 20
	sampleSize    int64 = 1 << 20
)

// Compute stats and hashes path. Only reads are performed.
func Compute(path string) (models.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Fingerprint{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.Fingerprint{}, err
	}
	if info.IsDir() {
		return models.Fingerprint{}, fmt.Errorf("%s is a directory", path)
	}

	hash, err := contentHash(f, info.Size())
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return models.Fingerprint{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Hash:    hash,
	}, nil
}

func contentHash(f *os.File, size int64) (string, error) {
	h := sha256.New()
	if size < fullHashLimit {
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	if _, err := io.CopyN(h, f, sampleSize); err != nil {
		return "", err
	}
	if _, err := f.Seek(-sampleSize, io.SeekEnd); err != nil {
		return "", err
	}
	if _, err := io.CopyN(h, f, sampleSize); err != nil {
		return "", err
	}
	h.Write([]byte(strconv.FormatInt(size, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
