// Package notifier implements the update-notification state machine (spec
// §4.10, component C10): it diffs the available-updates artifact against
// seen/tapped acknowledgments to derive the tri-state None/Tapped/New
// status, categorizes unseen updates for the button label, and watches
// the artifact directory for changes.
//
// Grounded on original_source/src/update-notifier.c and
// statusbar/ham-updates.c (the tri-state icon logic) and spec §4.10;
// uses fsnotify for the directory watch in place of the original's glib
// GFileMonitor (and in place of the teacher's irrelevant uevent/netlink
// watcher, see DESIGN.md).
package notifier

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/tree"
)

// DefaultBlinkExpiry is used when the daemon configuration leaves the
// blink-expiry window unset (spec §4.10: "a configurable interval" names
// no fixed value).
const DefaultBlinkExpiry = 7 * 24 * time.Hour

// Status is the derived user-visible notification state (spec §4.10).
type Status int

const (
	None Status = iota
	Tapped
	New
)

func (s Status) String() string {
	switch s {
	case Tapped:
		return "tapped"
	case New:
		return "new"
	default:
		return "none"
	}
}

// Category is the highest-priority non-empty partition of unseen updates,
// used for the button label (spec §4.10 "Auxiliary categorization").
type Category int

const (
	CategoryNone Category = iota
	CategoryOS
	CategoryCertified
	CategoryOther
)

// Paths names the three persisted artifact files this package reads (spec
// §3 "Persistent artifacts").
type Paths struct {
	Available string
	Seen      string
	Tapped    string
}

func readNames(path string) (map[string]string, error) {
	root, err := tree.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, xerrors.Errorf("reading %s: %w", path, err)
	}
	names := make(map[string]string, len(root.Children))
	for _, c := range root.Children {
		names[c.Text] = c.Tag
	}
	return names, nil
}

func readSet(path string) (map[string]bool, error) {
	tagged, err := readNames(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(tagged))
	for name := range tagged {
		set[name] = true
	}
	return set, nil
}

// Evaluate computes the current Status and Category by reading the three
// artifacts at paths (spec §4.10 "Computation").
func Evaluate(paths Paths) (Status, Category, error) {
	available, err := readNames(paths.Available)
	if err != nil {
		return None, CategoryNone, err
	}
	seen, err := readSet(paths.Seen)
	if err != nil {
		return None, CategoryNone, err
	}
	tapped, err := readSet(paths.Tapped)
	if err != nil {
		return None, CategoryNone, err
	}

	unseen := make(map[string]string)
	for name, tag := range available {
		if !seen[name] {
			unseen[name] = tag
		}
	}
	if len(unseen) == 0 {
		return None, CategoryNone, nil
	}

	untapped := false
	for name := range unseen {
		if !tapped[name] {
			untapped = true
			break
		}
	}

	status := Tapped
	if untapped {
		status = New
	}
	return status, categorize(unseen), nil
}

// categorize partitions U by tag and picks the highest-priority non-empty
// category: os > certified > other (spec §4.10).
func categorize(unseen map[string]string) Category {
	hasOS, hasCertified, hasOther := false, false, false
	for _, tag := range unseen {
		switch tag {
		case "os":
			hasOS = true
		case "certified":
			hasCertified = true
		default:
			hasOther = true
		}
	}
	switch {
	case hasOS:
		return CategoryOS
	case hasCertified:
		return CategoryCertified
	case hasOther:
		return CategoryOther
	default:
		return CategoryNone
	}
}

// CheckBlinkExpiry implements spec §4.10 "Blink-expiry": if tapped has
// existed and been unchanged for longer than maxAge, both seen and tapped
// are deleted so the notification state recomputes to New.
func CheckBlinkExpiry(paths Paths, maxAge time.Duration) error {
	fi, err := os.Stat(paths.Tapped)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("stat tapped-updates: %w", err)
	}
	if time.Since(fi.ModTime()) <= maxAge {
		return nil
	}
	if err := os.Remove(paths.Seen); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("removing seen-updates: %w", err)
	}
	if err := os.Remove(paths.Tapped); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("removing tapped-updates: %w", err)
	}
	return nil
}

// Watcher recomputes the notification state whenever one of the three
// artifacts changes on disk (spec §4.10: "A file-system watcher on the
// directory containing these artifacts fires the recompute").
type Watcher struct {
	fsw   *fsnotify.Watcher
	paths Paths
	names map[string]bool
}

// NewWatcher watches the directory containing paths's three artifacts.
func NewWatcher(paths Paths) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("creating fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(paths.Available)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, xerrors.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{
		fsw:   fsw,
		paths: paths,
		names: map[string]bool{
			filepath.Base(paths.Available): true,
			filepath.Base(paths.Seen):      true,
			filepath.Base(paths.Tapped):    true,
		},
	}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run invokes onChange whenever a write-close or move-into event targets
// one of the three watched artifacts, until done closes or the watcher's
// event channel closes. Watcher errors are ignored.
func (w *Watcher) Run(onChange func(), done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Base(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				onChange()
			}
		case <-w.fsw.Errors:
			continue
		case <-done:
			return
		}
	}
}
