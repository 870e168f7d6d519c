package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cdispd.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file = %q, want pid %d", b, os.Getpid())
	}
}

func TestAcquirePIDLockRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cdispd.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if _, err := AcquirePIDLock(lockPath); err == nil {
		t.Fatalf("expected second AcquirePIDLock to fail")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock after release: %v", err)
	}
	_ = again.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l, err := AcquirePIDLock(filepath.Join(t.TempDir(), "cdispd.lock"))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	var nilLock *PIDLock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}

func TestReadPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := ReadPID(filepath.Join(dir, "missing.lock")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("missing file err = %v, want ErrNotRunning", err)
	}

	empty := filepath.Join(dir, "empty.lock")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(empty); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("empty file err = %v, want ErrNotRunning", err)
	}

	garbage := filepath.Join(dir, "garbage.lock")
	if err := os.WriteFile(garbage, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(garbage); err == nil || errors.Is(err, ErrNotRunning) {
		t.Fatalf("garbage file err = %v, want parse error", err)
	}

	good := filepath.Join(dir, "good.lock")
	if err := os.WriteFile(good, []byte("4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPID(good)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v; want 4242", pid, err)
	}
}

func TestSignalRequiresHeldLock(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cdispd.lock")
	// A stale file from a crashed daemon is not held by anyone.
	if err := os.WriteFile(lockPath, []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Signal(lockPath, syscall.Signal(0)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stale lock err = %v, want ErrNotRunning", err)
	}

	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if !Held(lockPath) {
		t.Fatalf("expected lock to be reported as held")
	}
	pid, err := Signal(lockPath, syscall.Signal(0))
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("Signal pid = %d, want %d", pid, os.Getpid())
	}
}
