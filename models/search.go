package models

// SearchResult is produced per query and never persisted.
type SearchResult struct {
	ID         string    `json:"id"`
	Similarity float64   `json:"similarity"`
	Score      int       `json:"score"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Kind       MediaKind `json:"kind"`
}
