// Package scanner discovers supported media files under a root directory and
// decides which of them need (re-)indexing.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/pablobfonseca/go-media-vector/fingerprint"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRoot          = errors.New("invalid root directory")
	ErrUnsupportedExtension = errors.New("unsupported file extension")
)

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// ModeFor maps the incremental flag onto a Mode.
func ModeFor(incremental bool) Mode {
	if incremental {
		return ModeIncremental
	}
	return ModeFull
}

// Change says why a candidate was yielded.
type Change string

const (
	ChangeNew      Change = "new"
	ChangeModified Change = "modified"
	ChangeRebuild  Change = "rebuild" // full mode, stored state not consulted
)

// Candidate is a file the orchestrator should index.
type Candidate struct {
	Path        string
	Kind        models.MediaKind
	Fingerprint models.Fingerprint
	Change      Change
}

// Lookup is the read side of the fingerprint store.
type Lookup interface {
	Get(ctx context.Context, path string) (models.FingerprintEntry, bool, error)
	PathsUnder(ctx context.Context, root string) ([]string, error)
}

type Scanner struct {
	root   string
	lookup Lookup
}

// New validates root and returns a scanner over its absolute form.
func New(root string, lookup Lookup) (*Scanner, error) {
	abs, err := ValidateRoot(root)
	if err != nil {
		return nil, err
	}
	return &Scanner{root: abs, lookup: lookup}, nil
}

func (s *Scanner) Root() string {
	return s.root
}

// ValidateRoot checks that root exists, is a directory and can be listed.
func ValidateRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: path does not exist: %s", ErrInvalidRoot, abs)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: path is not a directory: %s", ErrInvalidRoot, abs)
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("%w: no read permission for %s", ErrInvalidRoot, abs)
	}
	f.Close()
	return abs, nil
}

// Classify returns the media kind of path or ErrUnsupportedExtension.
func Classify(path string) (models.MediaKind, error) {
	kind, ok := models.DetectMediaKind(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedExtension, filepath.Ext(path))
	}
	return kind, nil
}

// Scan lazily yields candidates. Unreadable entries are logged and skipped.
// Iteration stops early when ctx is cancelled.
func (s *Scanner) Scan(ctx context.Context, mode Mode) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		skipped := 0
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if err != nil {
				logrus.WithError(err).WithField("path", path).Warn("Skipping unreadable entry")
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != s.root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			kind, ok := models.DetectMediaKind(path)
			if !ok {
				return nil
			}

			c, keep := s.candidate(ctx, path, kind, mode)
			if !keep {
				skipped++
				return nil
			}
			if !yield(c) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			logrus.WithError(err).WithField("root", s.root).Warn("Directory walk ended with error")
		}
		logrus.WithFields(logrus.Fields{"root": s.root, "mode": mode, "skipped": skipped}).Debug("Scan finished")
	}
}

func (s *Scanner) candidate(ctx context.Context, path string, kind models.MediaKind, mode Mode) (Candidate, bool) {
	fp, err := fingerprint.Compute(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("Skipping unreadable file")
		return Candidate{}, false
	}
	c := Candidate{Path: path, Kind: kind, Fingerprint: fp, Change: ChangeRebuild}
	if mode == ModeFull || s.lookup == nil {
		return c, true
	}

	entry, ok, err := s.lookup.Get(ctx, path)
	switch {
	case err != nil:
		logrus.WithError(err).WithField("path", path).Warn("Fingerprint lookup failed, treating file as modified")
		c.Change = ChangeModified
	case !ok && entry.Path != "":
		// present but written by another format version
		c.Change = ChangeModified
	case !ok:
		c.Change = ChangeNew
	case entry.Fingerprint().Equal(fp):
		return Candidate{}, false
	default:
		c.Change = ChangeModified
	}
	return c, true
}

// Collect drains Scan into a slice.
func (s *Scanner) Collect(ctx context.Context, mode Mode) ([]Candidate, error) {
	var out []Candidate
	for c := range s.Scan(ctx, mode) {
		out = append(out, c)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Missing returns fingerprinted paths under the root that are gone from disk.
func (s *Scanner) Missing(ctx context.Context) ([]string, error) {
	if s.lookup == nil {
		return nil, nil
	}
	paths, err := s.lookup.PathsUnder(ctx, s.root)
	if err != nil {
		return nil, err
	}
	var gone []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			gone = append(gone, p)
		}
	}
	return gone, nil
}
