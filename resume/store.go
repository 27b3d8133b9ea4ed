package resume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/refinewatch/types"
)

// ErrNoSnapshot is returned by Load when no snapshot is stored for a job.
var ErrNoSnapshot = errors.New("no stored snapshot")

// Store persists the latest snapshot per job.
type Store interface {
	Save(snap types.ResumeSnapshot) error
	Load(jobID string) (*types.ResumeSnapshot, error)
	Delete(jobID string) error
}

// NopStore stores nothing.
type NopStore struct{}

// Save implements Store.
func (NopStore) Save(types.ResumeSnapshot) error { return nil }

// Load implements Store.
func (NopStore) Load(string) (*types.ResumeSnapshot, error) { return nil, ErrNoSnapshot }

// Delete implements Store.
func (NopStore) Delete(string) error { return nil }

const snapshotExt = ".snapshot"

var safeJobID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileStore keeps one msgpack file per job under a directory.
// Writes go through a temp file and rename so a crash never leaves a torn
// snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(jobID string) (string, error) {
	if !safeJobID.MatchString(jobID) || strings.HasPrefix(jobID, ".") {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(s.dir, jobID+snapshotExt), nil
}

// Save implements Store.
func (s *FileStore) Save(snap types.ResumeSnapshot) error {
	p, err := s.path(snap.JobID)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+snap.JobID+"-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(jobID string) (*types.ResumeSnapshot, error) {
	p, err := s.path(jobID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(p)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for job %s", ErrNoSnapshot, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap types.ResumeSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Delete implements Store. Deleting a missing snapshot is not an error.
func (s *FileStore) Delete(jobID string) error {
	p, err := s.path(jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns the job ids with a stored snapshot, sorted.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(ids)
	return ids, nil
}
