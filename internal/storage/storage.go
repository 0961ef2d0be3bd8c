package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("archive not found")
	ErrInvalidRef = errors.New("invalid ref")
)

// refPattern keeps refs usable as a single URL segment and file name.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const currentRefFile = "current_ref"

// Archive describes a stored worker archive.
type Archive struct {
	Ref       string    `json:"ref"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Storage keeps worker archives on disk, one "<ref>.zip" per published ref,
// and remembers which ref is current.
type Storage struct {
	basePath string
	mu       sync.Mutex
}

// NewStorage creates a new storage instance
func NewStorage(basePath string) (*Storage, error) {
	dirs := []string{"archives", "tmp"}
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Storage{basePath: basePath}, nil
}

// ValidRef reports whether ref can be stored.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref) && !strings.Contains(ref, "..")
}

// SaveArchive stores the archive for ref, replacing any previous upload of the
// same ref. The data is written to a temporary file first so readers never
// see a partial archive.
func (s *Storage) SaveArchive(ref string, reader io.Reader) (*Archive, error) {
	if !ValidRef(ref) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	tmpPath := filepath.Join(s.basePath, "tmp", uuid.New().String())
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hasher), reader)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmpPath, s.archivePath(ref)); err != nil {
		return nil, fmt.Errorf("failed to store archive: %w", err)
	}

	return &Archive{
		Ref:       ref,
		Size:      size,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt: time.Now(),
	}, nil
}

// ArchivePath returns the full path to the archive for ref.
func (s *Storage) ArchivePath(ref string) (string, error) {
	if !ValidRef(ref) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	path := s.archivePath(ref)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return path, nil
}

// ListArchives returns every stored archive, newest first.
func (s *Storage) ListArchives() ([]Archive, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "archives"))
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	var archives []Archive
	for _, e := range entries {
		ref, ok := strings.CutSuffix(e.Name(), ".zip")
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, Archive{Ref: ref, Size: info.Size(), CreatedAt: info.ModTime()})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].CreatedAt.After(archives[j].CreatedAt)
	})
	return archives, nil
}

// DeleteArchive removes a stored archive. The current ref cannot be deleted.
func (s *Storage) DeleteArchive(ref string) error {
	path, err := s.ArchivePath(ref)
	if err != nil {
		return err
	}

	current, err := s.CurrentRef()
	if err != nil {
		return err
	}
	if current == ref {
		return fmt.Errorf("archive %s is the current version", ref)
	}

	return os.Remove(path)
}

// CurrentRef returns the published ref, or "" when nothing is published.
func (s *Storage) CurrentRef() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, currentRefFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current ref: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetCurrentRef publishes ref. Its archive must already be stored.
func (s *Storage) SetCurrentRef(ref string) error {
	if _, err := s.ArchivePath(ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := filepath.Join(s.basePath, "tmp", uuid.New().String())
	if err := os.WriteFile(tmpPath, []byte(ref+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write current ref: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.basePath, currentRefFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write current ref: %w", err)
	}
	return nil
}

func (s *Storage) archivePath(ref string) string {
	return filepath.Join(s.basePath, "archives", ref+".zip")
}
