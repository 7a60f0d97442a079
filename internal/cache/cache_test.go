package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestKindString(t *testing.T) {
	if Default.String() != "default" || Temp.String() != "temp" {
		t.Errorf("Default=%q Temp=%q", Default.String(), Temp.String())
	}
}

func TestAutoinstFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoinst")
	if err := writeAutoinstFile(path, []string{"zeta", "alpha", "mid"}); err != nil {
		t.Fatal(err)
	}
	got, err := readAutoinstFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"zeta", "alpha", "mid"} {
		if !got[want] {
			t.Errorf("missing %q in read-back set", want)
		}
	}
	if len(got) != 3 {
		t.Errorf("len(got) = %d, want 3", len(got))
	}
}

func TestReadAutoinstFileMissingIsEmpty(t *testing.T) {
	got, err := readAutoinstFile(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
}

func TestIsAllDigits(t *testing.T) {
	cases := map[string]bool{
		"12345": true,
		"":      false,
		"12a45": false,
		"0":     true,
	}
	for in, want := range cases {
		if got := isAllDigits(in); got != want {
			t.Errorf("isAllDigits(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRebuildFlag(t *testing.T) {
	c := &Controller{}
	if c.TakeRebuild() {
		t.Fatal("TakeRebuild() initial state should be false")
	}
	c.RequestRebuild()
	if !c.TakeRebuild() {
		t.Fatal("TakeRebuild() should be true after RequestRebuild")
	}
	if c.TakeRebuild() {
		t.Fatal("TakeRebuild() should consume the flag")
	}
}

func TestLockInstanceBreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "lock")
	// A lock file recording a PID that is certainly not alive.
	const deadPID = 1 << 30
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(deadPID)), 0644); err != nil {
		t.Fatal(err)
	}

	// Hold the flock from a different fd to simulate "another holder".
	heldFD, err := holdLockForTest(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer unlockInstance(heldFD, lockPath)

	logger := testLogger(t)
	fd, err := lockInstance(lockPath, true, logger)
	if err != nil {
		t.Fatalf("lockInstance with breakLocks=true and dead holder: %v", err)
	}
	unlockInstance(fd, lockPath)
}

func TestLockInstanceRefusesWhenHolderPIDIndeterminate(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "lock")
	// An empty lock file: no recorded holder pid, so readLockHolderPID
	// fails and the break must be refused rather than performed blindly.
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatal(err)
	}

	heldFD, err := holdLockForTest(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer unlockInstance(heldFD, lockPath)

	logger := testLogger(t)
	if _, err := lockInstance(lockPath, true, logger); err == nil {
		t.Fatal("lockInstance with indeterminate holder pid should refuse to break the lock")
	}
}
