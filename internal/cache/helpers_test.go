package cache

import (
	"io"
	"log"
	"testing"

	"golang.org/x/sys/unix"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(io.Discard, "", 0)
}

// holdLockForTest opens and flocks path from a second fd, simulating a
// concurrent holder, without going through lockInstance's retry logic.
func holdLockForTest(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
