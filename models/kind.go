package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {},
	".tiff": {}, ".tif": {}, ".webp": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {},
	".webm": {}, ".flv": {}, ".wmv": {}, ".m4v": {},
}

// DetectMediaKind classifies a file by its extension, case-insensitively.
// The second return is false for unsupported extensions.
func DetectMediaKind(path string) (MediaKind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := videoExtensions[ext]; ok {
		return MediaKindVideo, true
	}
	if _, ok := imageExtensions[ext]; ok {
		return MediaKindImage, true
	}
	return "", false
}

// ParseMediaKind accepts "", "image" or "video". The empty kind means no filter.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case MediaKindImage:
		return MediaKindImage, nil
	case MediaKindVideo:
		return MediaKindVideo, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}
