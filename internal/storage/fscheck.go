package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a path that lives on a network mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"coda":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ValidateLocalFilesystem ensures the history database is on local disk.
// SQLite's locking is unreliable over network mounts.
func ValidateLocalFilesystem(path string) error {
	return requireLocal(path, "database path", "point state.path at local disk", detectFilesystemType)
}

// ValidateMarkerDir ensures the configurator's failure-marker directory is on
// local disk, so markers written by a run are visible when the run exits.
func ValidateMarkerDir(path string) error {
	return requireLocal(path, "marker directory", "point configurator.state_dir at local disk", detectFilesystemType)
}

// FilesystemType reports the filesystem holding path, or its nearest existing
// ancestor when path does not exist yet.
func FilesystemType(path string) (string, error) {
	return filesystemTypeWith(path, detectFilesystemType)
}

func filesystemTypeWith(path string, detector func(string) (string, error)) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detector(inspect)
	if err != nil {
		return "", fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	return fsType, nil
}

func requireLocal(path, what, hint string, detector func(string) (string, error)) error {
	fsType, err := filesystemTypeWith(path, detector)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%s %q is on %w %q; %s", what, path, ErrNetworkFilesystem, fsType, hint)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
