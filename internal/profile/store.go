package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrStoreUnavailable marks failures to read the profile cache. They are not
// recoverable locally: the daemon cannot decide anything without profiles.
var ErrStoreUnavailable = errors.New("profile store unavailable")

const (
	currentFile = "current.cid"
	profileDir  = "profile.%s"
)

// documentNames are tried in order inside a profile directory.
var documentNames = []string{"profile.yaml", "profile.yml", "profile.json"}

// Store is the read side of the profile cache consumed by the dispatch loop.
type Store interface {
	CurrentVersionID(ctx context.Context) (VersionID, error)
	LoadVersion(ctx context.Context, id VersionID) (*Profile, error)
}

// FSStore reads a cache directory laid out as
//
//	<root>/current.cid
//	<root>/profile.<cid>/profile.yaml
//
// Writing and locking the cache belong to the profile fetcher, not to this type.
type FSStore struct {
	root string
}

// NewFSStore returns a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

// Root returns the cache directory.
func (s *FSStore) Root() string { return s.root }

// CurrentVersionID reads the id of the most recent complete profile.
func (s *FSStore) CurrentVersionID(ctx context.Context) (VersionID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path := filepath.Join(s.root, currentFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", ErrStoreUnavailable, path, err)
	}
	id, err := ParseVersionID(string(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, path, err)
	}
	return id, nil
}

// LoadVersion decodes the profile document for id.
func (s *FSStore) LoadVersion(ctx context.Context, id VersionID) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.VersionDir(id)

	var (
		data []byte
		path string
		err  error
	)
	for _, name := range documentNames {
		path = filepath.Join(dir, name)
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: read %s: %w", ErrStoreUnavailable, path, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: no profile document in %s", ErrStoreUnavailable, dir)
	}

	var root any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrStoreUnavailable, path, err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return New(id, root), nil
}

// VersionDir returns the directory holding version id.
func (s *FSStore) VersionDir(id VersionID) string {
	return filepath.Join(s.root, fmt.Sprintf(profileDir, id))
}
