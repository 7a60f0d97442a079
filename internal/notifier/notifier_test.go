package notifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/mdpm/internal/tree"
)

func writeUpdates(t *testing.T, path string, entries ...[2]string) {
	t.Helper()
	root := tree.NewList("updates")
	for _, e := range entries {
		root.Append(tree.NewText(e[0], e[1]))
	}
	if err := tree.WriteFile(path, root); err != nil {
		t.Fatal(err)
	}
}

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{
		Available: filepath.Join(dir, "available-updates"),
		Seen:      filepath.Join(dir, "seen-updates"),
		Tapped:    filepath.Join(dir, "tapped-updates"),
	}
}

func TestEvaluateNoneWhenNoAvailable(t *testing.T) {
	paths := testPaths(t)
	status, cat, err := Evaluate(paths)
	if err != nil {
		t.Fatal(err)
	}
	if status != None || cat != CategoryNone {
		t.Errorf("status=%v cat=%v, want None/CategoryNone", status, cat)
	}
}

func TestEvaluateNoneWhenAllSeen(t *testing.T) {
	paths := testPaths(t)
	writeUpdates(t, paths.Available, [2]string{"os", "os-core"})
	writeUpdates(t, paths.Seen, [2]string{"os", "os-core"})

	status, _, err := Evaluate(paths)
	if err != nil {
		t.Fatal(err)
	}
	if status != None {
		t.Errorf("status = %v, want None", status)
	}
}

func TestEvaluateNewWhenUnseenUntapped(t *testing.T) {
	paths := testPaths(t)
	writeUpdates(t, paths.Available, [2]string{"os", "os-core"}, [2]string{"other", "some-app"})

	status, cat, err := Evaluate(paths)
	if err != nil {
		t.Fatal(err)
	}
	if status != New {
		t.Errorf("status = %v, want New", status)
	}
	if cat != CategoryOS {
		t.Errorf("category = %v, want CategoryOS (highest priority)", cat)
	}
}

func TestEvaluateTappedWhenUnseenButAllTapped(t *testing.T) {
	paths := testPaths(t)
	writeUpdates(t, paths.Available, [2]string{"other", "some-app"})
	writeUpdates(t, paths.Tapped, [2]string{"other", "some-app"})

	status, cat, err := Evaluate(paths)
	if err != nil {
		t.Fatal(err)
	}
	if status != Tapped {
		t.Errorf("status = %v, want Tapped", status)
	}
	if cat != CategoryOther {
		t.Errorf("category = %v, want CategoryOther", cat)
	}
}

func TestCategorizePriorityOrder(t *testing.T) {
	cases := []struct {
		unseen map[string]string
		want   Category
	}{
		{map[string]string{"a": "other"}, CategoryOther},
		{map[string]string{"a": "certified", "b": "other"}, CategoryCertified},
		{map[string]string{"a": "os", "b": "certified", "c": "other"}, CategoryOS},
		{map[string]string{}, CategoryNone},
	}
	for i, c := range cases {
		if got := categorize(c.unseen); got != c.want {
			t.Errorf("case %d: categorize() = %v, want %v", i, got, c.want)
		}
	}
}

func TestCheckBlinkExpiryRemovesStaleArtifacts(t *testing.T) {
	paths := testPaths(t)
	writeUpdates(t, paths.Seen, [2]string{"os", "os-core"})
	writeUpdates(t, paths.Tapped, [2]string{"os", "os-core"})

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(paths.Tapped, old, old); err != nil {
		t.Fatal(err)
	}

	if err := CheckBlinkExpiry(paths, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(paths.Seen); !os.IsNotExist(err) {
		t.Errorf("seen-updates still exists after blink-expiry")
	}
	if _, err := os.Stat(paths.Tapped); !os.IsNotExist(err) {
		t.Errorf("tapped-updates still exists after blink-expiry")
	}
}

func TestCheckBlinkExpiryKeepsFreshArtifacts(t *testing.T) {
	paths := testPaths(t)
	writeUpdates(t, paths.Tapped, [2]string{"os", "os-core"})

	if err := CheckBlinkExpiry(paths, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(paths.Tapped); err != nil {
		t.Errorf("tapped-updates removed too early: %v", err)
	}
}

func TestCheckBlinkExpiryNoopWhenMissing(t *testing.T) {
	paths := testPaths(t)
	if err := CheckBlinkExpiry(paths, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherFiresOnAvailableUpdate(t *testing.T) {
	paths := testPaths(t)
	writeUpdates(t, paths.Available, [2]string{"os", "os-core"})

	w, err := NewWatcher(paths)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	fired := make(chan struct{}, 1)
	done := make(chan struct{})
	go w.Run(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, done)
	defer close(done)

	time.Sleep(50 * time.Millisecond)
	writeUpdates(t, paths.Available, [2]string{"os", "os-core"}, [2]string{"other", "new-app"})

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire on available-updates change")
	}
}
