// Package worker implements the privileged request dispatcher (spec §4.6,
// component C6): it reads one request frame, ensures the requested cache
// configuration is open, invokes the matching handler, writes one response
// frame, and optionally schedules a post-request cache rebuild.
//
// Grounded on spec §4.6's numbered procedure and on
// original_source/src/apt-worker.cc's main request loop (not
// transliterated: that loop calls straight into libapt-pkg). The
// Ctx/Logger-threading shape follows distri's internal/batch.Ctx.
package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"os/exec"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/backup"
	"github.com/distr1/mdpm/internal/cache"
	"github.com/distr1/mdpm/internal/catalogue"
	"github.com/distr1/mdpm/internal/plan"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/wire"
)

// Options mirrors the worker CLI's <options> alphabet (spec §6 "Worker
// CLI"): break locks, ignore-wrong-domains ("red pill"), and
// use-apt-algorithms.
type Options struct {
	BreakLocks          bool
	IgnoreWrongDomains  bool
	UseAptAlgorithms    bool
}

// ParseOptions decodes the 0-3 character options alphabet {B, D, A}.
func ParseOptions(s string) Options {
	var o Options
	for _, r := range s {
		switch r {
		case 'B':
			o.BreakLocks = true
		case 'D':
			o.IgnoreWrongDomains = true
		case 'A':
			o.UseAptAlgorithms = true
		}
	}
	return o
}

// Ctx holds everything one worker process needs to serve requests (spec
// §4.6). The zero value is not usable; construct with New.
type Ctx struct {
	Log *log.Logger

	Cache     *cache.Controller
	Planner   *plan.Planner
	Catalogue *catalogue.Model
	Domains   *catalogue.Domains
	Backup    *backup.Writer

	SimulatedRoot bool // worker runs under fakeroot rather than sudo (spec §5)

	opts Options
}

// New constructs a worker Ctx.
func New(logger *log.Logger, ctrl *cache.Controller, planner *plan.Planner, cat *catalogue.Model, domains *catalogue.Domains, bk *backup.Writer, simulatedRoot bool, opts Options) *Ctx {
	return &Ctx{
		Log: logger, Cache: ctrl, Planner: planner, Catalogue: cat, Domains: domains,
		Backup: bk, SimulatedRoot: simulatedRoot, opts: opts,
	}
}

// Serve runs the main request loop against w until the request pipe
// closes (spec §4.6 "Main loop", §4.2 "graceful shutdown").
func (c *Ctx) Serve(ctx context.Context, w *transport.WorkerSide) error {
	for {
		h, payload, err := wire.ReadFrame(w.Request)
		if err != nil {
			if xerrors.Is(err, io.EOF) || xerrors.Is(err, io.ErrUnexpectedEOF) {
				c.Log.Printf("request pipe closed, shutting down")
				return nil
			}
			return xerrors.Errorf("reading request frame: %w", err)
		}
		c.handleOne(ctx, w, h, payload)
	}
}

// handleOne implements spec §4.6 steps 4-8 for a single already-read
// request frame.
func (c *Ctx) handleOne(ctx context.Context, w *transport.WorkerSide, h wire.Header, payload []byte) {
	w.DrainCancel()

	d := wire.NewDecoder(payload)
	kind := mdpm.CacheKind(d.DecodeInt32())
	if d.Corrupted() {
		c.Log.Printf("corrupted request payload for %v seq=%d", h.Cmd, h.Seq)
		c.respond(w, h.Cmd, h.Seq, encodeFailure())
		return
	}
	c.Cache.SetCurrent(toCacheKind(kind))
	c.Cache.TakeRebuild() // clear any stale flag before this request

	if h.Cmd != mdpm.CmdGetFileDetails && h.Cmd != mdpm.CmdInstallFile && h.Cmd != mdpm.CmdClean {
		if err := c.Cache.EnsureOpen(ctx); err != nil {
			c.Log.Printf("opening cache for %v: %v", h.Cmd, err)
			c.respond(w, h.Cmd, h.Seq, encodeLockFailure(err))
			return
		}
	}

	handler, ok := handlers[h.Cmd]
	if !ok {
		c.Log.Printf("unknown command %v (seq %d)", h.Cmd, h.Seq)
		c.respond(w, h.Cmd, h.Seq, encodeFailure())
		return
	}

	resp := handler(ctx, c, w, d)
	c.respond(w, h.Cmd, h.Seq, resp)

	if c.Cache.TakeRebuild() {
		if err := c.Cache.EnsureOpen(ctx); err != nil {
			c.Log.Printf("post-request rebuild: %v", err)
		}
	}
	if err := mdpm.RunDeferred(); err != nil {
		c.Log.Printf("running deferred actions: %v", err)
	}
}

func (c *Ctx) respond(w *transport.WorkerSide, cmd mdpm.Command, seq int32, payload []byte) {
	if err := wire.WriteFrame(w.Response, cmd, seq, payload); err != nil {
		c.Log.Printf("writing response frame: %v", err)
	}
}

func toCacheKind(k mdpm.CacheKind) cache.Kind {
	if k == mdpm.CacheTemp {
		return cache.Temp
	}
	return cache.Default
}

// handler serves one command's payload (already past the universal
// leading cache-kind field) and returns the encoded response payload.
type handler func(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte

var handlers map[mdpm.Command]handler

func init() {
	handlers = map[mdpm.Command]handler{
		mdpm.CmdNoop:                    handleNoop,
		mdpm.CmdGetPackageList:          handleGetPackageList,
		mdpm.CmdGetPackageInfo:          handleGetPackageInfo,
		mdpm.CmdGetPackageDetails:       handleGetPackageDetails,
		mdpm.CmdCheckUpdates:            handleCheckUpdates,
		mdpm.CmdGetCatalogues:           handleGetCatalogues,
		mdpm.CmdSetCatalogues:           handleSetCatalogues,
		mdpm.CmdAddTempCatalogues:       handleAddTempCatalogues,
		mdpm.CmdRmTempCatalogues:        handleRmTempCatalogues,
		mdpm.CmdInstallCheck:            handleInstallCheck,
		mdpm.CmdDownloadPackage:         handleDownloadPackage,
		mdpm.CmdInstallPackage:          handleInstallPackage,
		mdpm.CmdRemoveCheck:             handleRemoveCheck,
		mdpm.CmdRemovePackage:           handleRemovePackage,
		mdpm.CmdGetFileDetails:          handleGetFileDetails,
		mdpm.CmdInstallFile:             handleInstallFile,
		mdpm.CmdClean:                   handleClean,
		mdpm.CmdSaveBackupData:          handleSaveBackupData,
		mdpm.CmdGetSystemUpdatePackages: handleGetSystemUpdatePackages,
		mdpm.CmdReboot:                  handleReboot,
		mdpm.CmdSetOptions:              handleSetOptions,
		mdpm.CmdSetEnv:                  handleSetEnv,
		mdpm.CmdThirdPartyPolicyCheck:   handleThirdPartyPolicyCheck,
	}
}

func encodeFailure() []byte {
	e := wire.NewEncoder()
	e.EncodeInt32(int32(mdpm.ResultFailure))
	return e.Bytes()
}

// encodeLockFailure translates a cache-open error into the result code
// taxonomy of spec §7 "Lock failure". The underlying syscall errno is
// wrapped twice (lockInstance, then EnsureOpen) before it reaches here, so
// os.IsPermission (which only type-switches on *PathError/*LinkError/
// *SyscallError, not arbitrary Unwrap chains) would never match; errors.Is
// walks the full chain down to the unix.Errno instead.
func encodeLockFailure(err error) []byte {
	e := wire.NewEncoder()
	e.EncodeInt32(int32(mdpm.ResultFailure))
	msg := "must be root"
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EAGAIN) {
		msg = "another process is using the administration directory"
	}
	e.EncodeStr(msg)
	return e.Bytes()
}

// runReboot is swapped out in tests; production calls /sbin/reboot.
var runReboot = func(ctx context.Context) error {
	return exec.CommandContext(ctx, "/sbin/reboot").Run()
}
