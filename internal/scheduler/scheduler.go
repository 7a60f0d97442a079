// Package scheduler implements the alarm-driven periodic update check
// (spec §4.9, component C9): it runs `<worker> check-for-updates
// <http_proxy>` on an interval, writes the available-updates artifact on
// success, and persists the last-run timestamp.
//
// Grounded on original_source/src/update-notifier.c's alarm-cookie
// bookkeeping and spec §4.9's prose. An interval change re-schedules the
// single alarm in place; there is no separate add or delete step.
package scheduler

import (
	"context"
	"io/ioutil"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/atomicfile"
	"github.com/distr1/mdpm/internal/tree"
)

// DefaultInterval is used when the configured interval is zero or
// negative (spec §4.9 "Alarm policy").
const DefaultInterval = 24 * time.Hour

// Alarm is the minimal periodic-timer abstraction the scheduler drives.
// TimerAlarm backs it with time.Timer; the tests use a fake.
type Alarm interface {
	// Schedule arranges for fire to be invoked no earlier than interval
	// from now, recurring. Scheduling again before a prior firing
	// replaces it (spec §4.9: "Exactly one event is kept alive").
	Schedule(interval time.Duration, fire func())
	// Cancel stops any scheduled firing.
	Cancel()
}

// Runner invokes the worker binary to perform one check-for-updates pass.
type Runner interface {
	CheckForUpdates(ctx context.Context, httpProxy string) ([]Update, error)
}

// Update is one entry of the available-updates artifact (spec §3
// "Persistent artifacts").
type Update struct {
	Name string
	Tag  string // "os", "certified", or "" for third-party
}

// NotifyFrontend is invoked when the recurring run fails, asking the
// running UI (if any) to surface the failure (spec §4.9: "the scheduler
// asks the running front-end ... to do a user-facing update").
type NotifyFrontend func()

// Scheduler drives Alarm and Runner together (spec §4.9).
type Scheduler struct {
	alarm    Alarm
	runner   Runner
	notify   NotifyFrontend
	logger   *log.Logger

	interval         time.Duration
	httpProxy        string
	lastUpdateFile   string
	availableFile    string
}

// Config names the persisted paths and starting interval.
type Config struct {
	Interval       time.Duration
	HTTPProxy      string
	LastUpdateFile string
	AvailableFile  string
}

func New(alarm Alarm, runner Runner, notify NotifyFrontend, logger *log.Logger, cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		alarm: alarm, runner: runner, notify: notify, logger: logger,
		interval: interval, httpProxy: cfg.HTTPProxy,
		lastUpdateFile: cfg.LastUpdateFile, availableFile: cfg.AvailableFile,
	}
}

// Start installs the recurring alarm (spec §4.9 "Alarm policy": "Event is
// recurring, backwards-reschedulable, delayable").
func (s *Scheduler) Start() {
	s.alarm.Schedule(s.interval, s.fire)
}

// SetInterval changes the alarm interval by calling Alarm.Schedule once,
// which replaces any existing firing. There is no separate add-then-delete
// step: with TimerAlarm, Schedule stops the old timer and then starts the
// new one.
func (s *Scheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.interval = interval
	s.alarm.Schedule(interval, s.fire)
}

// Stop cancels the installed alarm.
func (s *Scheduler) Stop() {
	s.alarm.Cancel()
}

func (s *Scheduler) fire() {
	ctx := context.Background()
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Printf("scheduled check-for-updates failed: %v", err)
		if s.notify != nil {
			s.notify()
		}
	}
}

// RunOnce performs one check-for-updates pass: invokes the runner, writes
// the available-updates artifact on success, and persists the wall-clock
// time (spec §4.9: "On successful completion the scheduler persists the
// wall-clock time").
func (s *Scheduler) RunOnce(ctx context.Context) error {
	updates, err := s.runner.CheckForUpdates(ctx, s.httpProxy)
	if err != nil {
		return xerrors.Errorf("check-for-updates: %w", err)
	}
	if err := writeAvailable(s.availableFile, updates); err != nil {
		return xerrors.Errorf("writing available-updates: %w", err)
	}
	return writeLastUpdate(s.lastUpdateFile, time.Now())
}

func writeAvailable(path string, updates []Update) error {
	root := tree.NewList("available-updates")
	for _, u := range updates {
		tag := u.Tag
		if tag == "" {
			tag = "other"
		}
		root.Append(tree.NewText(tag, u.Name))
	}
	return tree.WriteFile(path, root)
}

func writeLastUpdate(path string, t time.Time) error {
	return atomicfile.Write(path, []byte(strconv.FormatInt(t.Unix(), 10)), 0644)
}

// LastUpdate reads the persisted last-run timestamp, or the zero time if
// none has been recorded yet.
func LastUpdate(path string) (time.Time, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("parsing last-update timestamp: %w", err)
	}
	return time.Unix(sec, 0), nil
}

// execRunner is the real Runner, invoking the worker binary (spec §4.9:
// "An alarm event runs a periodic command of the form `sudo <worker>
// check-for-updates <http_proxy>`").
type execRunner struct {
	workerPath string
	useSudo    bool
	useFakeroot bool
}

// NewExecRunner returns a Runner that shells out to the worker binary,
// wrapped in sudo or fakeroot per the deployment mode (spec §5 "Process
// topology").
func NewExecRunner(workerPath string, useSudo, useFakeroot bool) Runner {
	return &execRunner{workerPath: workerPath, useSudo: useSudo, useFakeroot: useFakeroot}
}

func (r *execRunner) CheckForUpdates(ctx context.Context, httpProxy string) ([]Update, error) {
	args := []string{r.workerPath, "check-for-updates", httpProxy}
	wrapper := ""
	switch {
	case r.useSudo:
		wrapper = "sudo"
	case r.useFakeroot:
		wrapper = "fakeroot"
	}
	var cmd *exec.Cmd
	if wrapper != "" {
		cmd = exec.CommandContext(ctx, wrapper, args...)
	} else {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("running worker check-for-updates: %w", err)
	}
	root, err := tree.Unmarshal(out)
	if err != nil {
		return nil, xerrors.Errorf("parsing check-for-updates output: %w", err)
	}
	var updates []Update
	for _, child := range root.Children {
		updates = append(updates, Update{Name: child.Text, Tag: child.Tag})
	}
	return updates, nil
}
