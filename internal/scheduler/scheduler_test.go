package scheduler

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/distr1/mdpm/internal/tree"
)

// fakeAlarm lets tests fire the scheduler synchronously instead of
// waiting on a real timer.
type fakeAlarm struct {
	mu   sync.Mutex
	fire func()
}

func (a *fakeAlarm) Schedule(interval time.Duration, fire func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fire = fire
}
func (a *fakeAlarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fire = nil
}
func (a *fakeAlarm) Trigger() {
	a.mu.Lock()
	fire := a.fire
	a.mu.Unlock()
	if fire != nil {
		fire()
	}
}

type fakeRunner struct {
	updates []Update
	err     error
}

func (r *fakeRunner) CheckForUpdates(ctx context.Context, httpProxy string) ([]Update, error) {
	return r.updates, r.err
}

func newTestScheduler(t *testing.T, runner Runner, notify NotifyFrontend) (*Scheduler, *fakeAlarm, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Interval:       time.Hour,
		LastUpdateFile: filepath.Join(dir, "last-update"),
		AvailableFile:  filepath.Join(dir, "available-updates"),
	}
	alarm := &fakeAlarm{}
	logger := log.New(io.Discard, "", 0)
	s := New(alarm, runner, notify, logger, cfg)
	return s, alarm, cfg
}

func TestRunOnceWritesArtifacts(t *testing.T) {
	runner := &fakeRunner{updates: []Update{{Name: "os-core", Tag: "os"}, {Name: "some-app", Tag: ""}}}
	s, _, cfg := newTestScheduler(t, runner, nil)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	root, err := tree.ReadFile(cfg.AvailableFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(root.Children))
	}
	if root.Children[0].Tag != "os" || root.Children[0].Text != "os-core" {
		t.Errorf("first entry = %+v", root.Children[0])
	}
	if root.Children[1].Tag != "other" {
		t.Errorf("second entry tag = %q, want other", root.Children[1].Tag)
	}

	last, err := LastUpdate(cfg.LastUpdateFile)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(last) > time.Minute {
		t.Errorf("LastUpdate() = %v, want recent", last)
	}
}

func TestFireNotifiesFrontendOnFailure(t *testing.T) {
	notified := make(chan struct{}, 1)
	runner := &fakeRunner{err: errBoom{}}
	s, alarm, _ := newTestScheduler(t, runner, func() { notified <- struct{}{} })
	s.Start()
	alarm.Trigger()
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("frontend was not notified after a failed run")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestDefaultIntervalAppliedWhenNonPositive(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{}, nil)
	s.SetInterval(0)
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v, want default %v", s.interval, DefaultInterval)
	}
	s.SetInterval(-5 * time.Minute)
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v, want default %v", s.interval, DefaultInterval)
	}
}
