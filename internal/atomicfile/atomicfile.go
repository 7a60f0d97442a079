// Package atomicfile writes every persisted artifact via temp-file +
// atomic rename (spec §3 "Persistent artifacts", §5 "Shared resources"),
// so a reader always observes either the previous full version or the new
// one, never a partial write.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// Write atomically replaces path with data, creating parent directories if
// necessary. On failure the previous file, if any, is left intact.
func Write(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if err := t.Chmod(perm); err != nil {
		return err
	}
	if _, err := t.Write(data); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
