// Package cache implements the cache controller (spec §4.4, component C4):
// it owns the "default" and "temp" package-cache configurations, their
// open/close/rebuild lifecycle, the dpkg lock, and auto-install-flag
// persistence. There is no line-for-line original_source equivalent (the
// Hildon worker calls directly into libapt-pkg); this package is grounded
// on spec §4.4's prose and on the teacher's lock-and-retry style in
// internal/install/install.go.
package cache

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/atomicfile"
	"github.com/distr1/mdpm/internal/pkgdb"
)

// Kind selects one of the two cache configurations (spec §3 "Cache state").
type Kind int

const (
	Default Kind = iota
	Temp
)

func (k Kind) String() string {
	if k == Temp {
		return "temp"
	}
	return "default"
}

// Aux is the per-package auxiliary record the controller maintains
// alongside the package library's own state (spec §3 "Cache state",
// §4.4 "Auto-install flags").
type Aux struct {
	Autoinst bool
	Related  bool
}

// instance holds everything specific to one of the two cache
// configurations.
type instance struct {
	cfg         pkgdb.Config
	autoinstFile string
	lockFile    string
	breakLocks  bool

	db       *pkgdb.DB
	lockFD   int
	aux      map[string]*Aux
}

// Controller owns the two cache instances and tracks which is current
// (spec §4.4).
type Controller struct {
	mu       sync.Mutex
	logger   *log.Logger
	current  Kind
	insts    [2]*instance
	rebuild  bool
}

// New constructs a Controller with the given per-kind configurations. Each
// autoinstFile/lockFile is a plain path; breakLocks mirrors the worker's
// --break-locks flag (spec §4.4 "Locking").
func New(logger *log.Logger, defaultCfg, tempCfg pkgdb.Config, defaultAutoinst, tempAutoinst, defaultLock, tempLock string, breakLocks bool) *Controller {
	return &Controller{
		logger:  logger,
		current: Default,
		insts: [2]*instance{
			Default: {cfg: defaultCfg, autoinstFile: defaultAutoinst, lockFile: defaultLock, breakLocks: breakLocks, lockFD: -1},
			Temp:    {cfg: tempCfg, autoinstFile: tempAutoinst, lockFile: tempLock, breakLocks: breakLocks, lockFD: -1},
		},
	}
}

// SetCurrent reconfigures the package library's process-wide settings from
// the chosen instance's record. Idempotent when already current (spec
// §4.4 "set_current").
func (c *Controller) SetCurrent(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = kind
}

func (c *Controller) inst(kind Kind) *instance { return c.insts[kind] }

// EnsureOpen opens the current instance if it has no database handle yet:
// it closes any other open instance first (to free its lock), clears the
// dpkg journal, takes the instance's lock, opens a fresh handle, reloads
// the auxiliary table, and resets every package to its canonical state
// (spec §4.4 "ensure_open").
func (c *Controller) EnsureOpen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.inst(c.current)
	if cur.db != nil {
		return nil
	}
	other := c.inst(1 - c.current)
	if other.db != nil {
		if err := c.closeInstance(other); err != nil {
			c.logger.Printf("closing other cache instance before open: %v", err)
		}
	}

	if err := clearDpkgJournal(ctx, cur.cfg.StateDir, c.logger); err != nil {
		c.logger.Printf("clearing dpkg journal: %v", err)
	}

	fd, err := lockInstance(cur.lockFile, cur.breakLocks, c.logger)
	if err != nil {
		return xerrors.Errorf("locking cache instance: %w", err)
	}
	cur.lockFD = fd

	db, err := pkgdb.Open(ctx, cur.cfg, c.logger)
	if err != nil {
		unlockInstance(cur.lockFD, cur.lockFile)
		cur.lockFD = -1
		return xerrors.Errorf("opening package database: %w", err)
	}
	cur.db = db

	if err := c.resetAll(ctx, cur); err != nil {
		return xerrors.Errorf("resetting cache state: %w", err)
	}
	return nil
}

// DB returns the current instance's open database handle, or nil if not
// open.
func (c *Controller) DB() *pkgdb.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst(c.current).db
}

// Aux returns the auxiliary record for name in the current instance,
// creating a zero-value one if it does not yet exist.
func (c *Controller) Aux(name string) *Aux {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.inst(c.current)
	if cur.aux == nil {
		cur.aux = make(map[string]*Aux)
	}
	a, ok := cur.aux[name]
	if !ok {
		a = &Aux{}
		cur.aux[name] = a
	}
	return a
}

// resetAll allocates the per-package auxiliary table, loads the persisted
// autoinst set, and resets every installed package to keep with its Auto
// flag taken from that persisted set rather than from whatever the
// library currently believes (spec §4.4 "Auto-install flags").
func (c *Controller) resetAll(ctx context.Context, inst *instance) error {
	installed, err := inst.db.Installed(ctx)
	if err != nil {
		return err
	}
	persisted, err := readAutoinstFile(inst.autoinstFile)
	if err != nil {
		return err
	}
	inst.aux = make(map[string]*Aux, len(installed))
	for name := range installed {
		inst.aux[name] = &Aux{Autoinst: persisted[name], Related: false}
	}
	var autoNames, manualNames []string
	for name, a := range inst.aux {
		if a.Autoinst {
			autoNames = append(autoNames, name)
		} else {
			manualNames = append(manualNames, name)
		}
	}
	if err := inst.db.SetAuto(ctx, autoNames, true); err != nil {
		c.logger.Printf("restoring auto flags: %v", err)
	}
	if err := inst.db.SetAuto(ctx, manualNames, false); err != nil {
		c.logger.Printf("restoring manual flags: %v", err)
	}
	return nil
}

// PersistAutoinst snapshots the library's current Auto flags to the
// current instance's autoinst file (spec §4.4: "After every successful
// install, write the set atomically").
func (c *Controller) PersistAutoinst(ctx context.Context) error {
	c.mu.Lock()
	cur := c.inst(c.current)
	c.mu.Unlock()
	if cur.db == nil {
		return xerrors.Errorf("persist autoinst: cache not open")
	}
	flags, err := cur.db.AutoFlags(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(flags))
	for name, auto := range flags {
		if auto {
			names = append(names, name)
		}
	}
	return writeAutoinstFile(cur.autoinstFile, names)
}

// CloseAll closes both instances (spec §4.4 "close_all").
func (c *Controller) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, inst := range c.insts {
		if err := c.closeInstance(inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) closeInstance(inst *instance) error {
	if inst.db == nil {
		return nil
	}
	err := inst.db.Close()
	inst.db = nil
	unlockInstance(inst.lockFD, inst.lockFile)
	inst.lockFD = -1
	return err
}

// RequestRebuild sets the post-request flag; the dispatcher (internal/worker)
// checks it after sending the response and calls EnsureOpen again if set
// (spec §4.4 "request_rebuild").
func (c *Controller) RequestRebuild() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuild = true
}

// TakeRebuild reports and clears the pending-rebuild flag.
func (c *Controller) TakeRebuild() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rebuild
	c.rebuild = false
	return r
}

// Refresh ensures the current instance is open, runs `apt-get update`
// against it, and marks the mutating-request rebuild flag (spec §4.11
// step 2: "commit it ... and refresh the package cache").
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.EnsureOpen(ctx); err != nil {
		return err
	}
	if err := c.DB().Update(ctx); err != nil {
		return err
	}
	c.RequestRebuild()
	return nil
}

func readAutoinstFile(path string) (map[string]bool, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, xerrors.Errorf("reading autoinst file: %w", err)
	}
	set := make(map[string]bool)
	for _, line := range strings.Split(string(b), "\n") {
		name := strings.TrimSpace(line)
		if name != "" {
			set[name] = true
		}
	}
	return set, nil
}

func writeAutoinstFile(path string, names []string) error {
	sorted := append([]string(nil), names...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return atomicfile.Write(path, []byte(strings.Join(sorted, "\n")+"\n"), 0644)
}

// clearDpkgJournal implements spec §4.4 "Clearing the dpkg journal": if any
// file name under <stateDir>/dpkg/updates is entirely decimal digits, the
// previous dpkg run was interrupted; run `dpkg --configure dpkg`
// synchronously and log output.
func clearDpkgJournal(ctx context.Context, stateDir string, logger *log.Logger) error {
	updatesDir := filepath.Join(stateDir, "dpkg", "updates")
	fis, err := ioutil.ReadDir(updatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("reading dpkg updates directory: %w", err)
	}
	interrupted := false
	for _, fi := range fis {
		if isAllDigits(fi.Name()) {
			interrupted = true
			break
		}
	}
	if !interrupted {
		return nil
	}
	logger.Printf("dpkg updates journal non-empty, previous run was interrupted; configuring pending packages")
	db, err := pkgdb.Open(ctx, pkgdb.Config{StateDir: stateDir}, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.ConfigurePending(ctx)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// lockInstance takes the dpkg status-directory lock (spec §4.4 "Locking").
// When breakLocks is set and another holder is detected, it checks whether
// that holder's PID is still alive before unlinking and retaking the lock
// (Open Question resolution: never break a lock blindly).
func lockInstance(path string, breakLocks bool, logger *log.Logger) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return -1, xerrors.Errorf("creating lock directory: %w", err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0640)
	if err != nil {
		return -1, xerrors.Errorf("opening lock file: %w", err)
	}
	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return fd, nil
	}
	if !breakLocks {
		unix.Close(fd)
		return -1, xerrors.Errorf("lock held by another process: %w", err)
	}

	holderPID, perr := readLockHolderPID(path)
	if perr != nil {
		unix.Close(fd)
		return -1, xerrors.Errorf("lock held by another process, holder pid indeterminate, refusing to break: %w", perr)
	}
	if pidAlive(holderPID) {
		unix.Close(fd)
		return -1, xerrors.Errorf("lock held by live process %d, refusing to break", holderPID)
	}

	logger.Printf("forcing break of cache lock %s (held by stale pid %d)", path, holderPID)
	unix.Close(fd)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return -1, xerrors.Errorf("removing stale lock: %w", rmErr)
	}
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0640)
	if err != nil {
		return -1, xerrors.Errorf("reopening lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return -1, xerrors.Errorf("retaking lock after break: %w", err)
	}
	return fd, nil
}

func unlockInstance(fd int, path string) {
	if fd < 0 {
		return
	}
	unix.Flock(fd, unix.LOCK_UN)
	unix.Close(fd)
}

// readLockHolderPID reads dpkg's own lock convention: the lock file's
// content, if any, is the holding process's PID as decimal text.
func readLockHolderPID(path string) (int, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, xerrors.Errorf("lock file has no recorded holder pid")
	}
	return strconv.Atoi(s)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
