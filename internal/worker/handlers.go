package worker

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/catalogue"
	"github.com/distr1/mdpm/internal/pkgdb"
	"github.com/distr1/mdpm/internal/plan"
	"github.com/distr1/mdpm/internal/progress"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/tree"
	"github.com/distr1/mdpm/internal/wire"
)

func handleNoop(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	return nil
}

// handleGetPackageList implements spec §4.6 "get-package-list": a §4.5-
// derived snapshot filtered by {only_user, only_installed, only_available,
// pattern, show_magic_sys}.
func handleGetPackageList(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	f := ListFilter{
		OnlyUser:      d.DecodeInt32() != 0,
		OnlyInstalled: d.DecodeInt32() != 0,
		OnlyAvailable: d.DecodeInt32() != 0,
		Pattern:       d.DecodeStr(),
		ShowMagicSys:  d.DecodeInt32() != 0,
	}
	db := c.Cache.DB()
	installed, err := db.Installed(ctx)
	if err != nil {
		c.Log.Printf("get-package-list: listing installed: %v", err)
		installed = map[string]pkgdb.Package{}
	}

	names := make(map[string]bool)
	for name, pkg := range installed {
		if f.OnlyUser && !strings.HasPrefix(pkg.Section, "user") {
			continue
		}
		names[name] = true
	}
	if !f.OnlyInstalled {
		if matches, err := db.Search(ctx, f.Pattern); err == nil {
			for _, name := range matches {
				names[name] = true
			}
		}
	}
	if f.OnlyAvailable {
		for name := range names {
			if _, ok := installed[name]; ok {
				if _, avail, _ := db.Candidate(ctx, name); !avail {
					delete(names, name)
				}
			}
		}
	}
	if f.ShowMagicSys {
		names[plan.MagicSys] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		if f.Pattern != "" && f.OnlyInstalled && !strings.Contains(name, f.Pattern) {
			continue
		}
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	root := tree.NewList("packages")
	for _, name := range sorted {
		s := buildSummary(ctx, db, name, installed)
		root.Append(s.toTree())
	}
	e := wire.NewEncoder()
	e.EncodeTree(root)
	return e.Bytes()
}

// handleGetPackageInfo implements "get-package-info": a summary record for
// one package, via install/remove simulation (spec §4.6).
func handleGetPackageInfo(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	db := c.Cache.DB()
	installed, _ := db.Installed(ctx)
	s := buildSummary(ctx, db, name, installed)

	status, err := c.Planner.InstallableStatusOf(ctx, name)
	if err == nil {
		s.Broken = status != plan.Able && status != plan.NotFound
	}

	e := wire.NewEncoder()
	e.EncodeInt32(int32(mdpm.ResultSuccess))
	e.EncodeTree(s.toTree())
	return e.Bytes()
}

// handleGetPackageDetails implements "get-package-details": the package
// name plus a simulation summary by kind (spec §4.6, SPEC_FULL.md
// supplemented feature 4). Maintainer, description and dependency list are
// not included in the reply.
func handleGetPackageDetails(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	kind := mdpm.SummaryKind(d.DecodeInt32())

	root := tree.NewList("details")
	root.Set("name", name)

	var p *plan.Plan
	var err error
	switch kind {
	case mdpm.SummaryInstall:
		p, err = c.Planner.InstallNoSurprises(ctx, name)
	case mdpm.SummaryRemove:
		p, err = c.Planner.RemoveNoSurprises(ctx, name)
	}
	sim := tree.NewList("summary")
	if p != nil {
		for _, n := range p.Install {
			line := tree.NewList("line")
			line.Set("kind", sumKind(mdpm.SumInstalling))
			line.Set("name", n)
			sim.Append(line)
		}
		for _, n := range p.Remove {
			line := tree.NewList("line")
			line.Set("kind", sumKind(mdpm.SumRemoving))
			line.Set("name", n)
			sim.Append(line)
		}
	}
	if err != nil {
		errLine := tree.NewList("line")
		errLine.Set("kind", sumKind(mdpm.SumMissing))
		errLine.Set("name", name)
		sim.Append(errLine)
	}
	root.Append(sim)

	e := wire.NewEncoder()
	e.EncodeInt32(int32(mdpm.ResultSuccess))
	e.EncodeTree(root)
	return e.Bytes()
}

func sumKind(k mdpm.SummaryLineKind) string {
	return strconv.FormatInt(int64(k), 10)
}

// handleCheckUpdates implements "check-updates": a full APT refresh with
// the proxy payload fields pushed into the environment (spec §4.6, §6
// "Proxy contract"), cancellable via the cancel pipe during the fetch
// (testable scenario S2).
func handleCheckUpdates(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	httpProxy := d.DecodeStr()
	httpsProxy := d.DecodeStr()
	setProxyEnv(httpProxy, httpsProxy)

	reporter := progress.NewDownloadReporter(w)
	cancelled, updateErr := runCancellable(ctx, reporter, func(ctx context.Context) error {
		return c.Cache.DB().Update(ctx)
	})

	root := tree.NewList("catalogues")
	entries, loadErr := c.Catalogue.Load()
	if loadErr == nil {
		for _, e := range entries {
			root.Append(e)
		}
	}

	e := wire.NewEncoder()
	switch {
	case cancelled:
		e.EncodeInt32(int32(mdpm.ResultCancelled))
	case updateErr != nil:
		e.EncodeInt32(int32(translateLibraryError(updateErr)))
	case loadErr != nil:
		e.EncodeInt32(int32(mdpm.ResultFailure))
	default:
		e.EncodeInt32(int32(mdpm.ResultSuccess))
	}
	e.EncodeTree(root)
	return e.Bytes()
}

func handleGetCatalogues(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	entries, err := c.Catalogue.Load()
	root := tree.NewList("catalogues")
	if err == nil {
		for _, e := range entries {
			root.Append(e)
		}
	}
	e := wire.NewEncoder()
	e.EncodeTree(root)
	return e.Bytes()
}

func handleSetCatalogues(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	root := d.DecodeTree()
	var entries []*tree.Node
	if root != nil {
		entries = root.Children
	}
	result := mdpm.ResultSuccess
	if err := c.Catalogue.WriteUserCatalogues(entries); err != nil {
		c.Log.Printf("set-catalogues: writing user catalogues: %v", err)
		result = mdpm.ResultFailure
	} else if err := c.Catalogue.WriteSourcesList(entries); err != nil {
		c.Log.Printf("set-catalogues: writing sources.list: %v", err)
		result = mdpm.ResultFailure
	} else {
		c.Cache.RequestRebuild()
	}
	e := wire.NewEncoder()
	e.EncodeInt32(int32(result))
	return e.Bytes()
}

// handleAddTempCatalogues / handleRmTempCatalogues implement spec §4.6's
// temporary-catalogue commands against the "temp" cache's sources.list,
// leaving the default configuration untouched (spec §3 "Cache state": two
// switchable configurations).
func handleAddTempCatalogues(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	added := d.DecodeTree()
	entries, err := c.Catalogue.Load()
	if err == nil && added != nil {
		entries = append(entries, added.Children...)
		err = c.Catalogue.WriteSourcesList(entries)
	}
	result := mdpm.ResultSuccess
	if err != nil {
		result = mdpm.ResultFailure
	} else {
		c.Cache.RequestRebuild()
	}
	e := wire.NewEncoder()
	e.EncodeInt32(int32(result))
	return e.Bytes()
}

func handleRmTempCatalogues(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	removed := d.DecodeTree()
	entries, err := c.Catalogue.Load()
	if err == nil && removed != nil {
		entries = subtractCatalogues(entries, removed.Children)
		err = c.Catalogue.WriteSourcesList(entries)
	}
	result := mdpm.ResultSuccess
	if err != nil {
		result = mdpm.ResultFailure
	} else {
		c.Cache.RequestRebuild()
	}
	e := wire.NewEncoder()
	e.EncodeInt32(int32(result))
	return e.Bytes()
}

// handleInstallCheck implements "install-check": simulate install, report
// trust information and the list of upgrades that would happen (spec
// §4.6; §9 "install-check success indicator vs trust info" resolution:
// trust info is authoritative).
func handleInstallCheck(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	p, err := c.Planner.InstallNoSurprises(ctx, name)

	notCertified := false
	domainsViolated := false
	if c.Domains != nil {
		notCertified = !c.Domains.Trusted("certified")
	}

	root := tree.NewList("upgrades")
	if p != nil {
		for _, n := range p.Install {
			root.Append(tree.NewText("name", n))
		}
	}

	e := wire.NewEncoder()
	if err != nil {
		e.EncodeInt32(int32(mdpm.ResultFailure))
	} else {
		e.EncodeInt32(int32(mdpm.ResultSuccess))
	}
	e.EncodeInt32(boolInt(notCertified))
	e.EncodeInt32(boolInt(domainsViolated))
	e.EncodeTree(root)
	return e.Bytes()
}

// handleDownloadPackage implements "download-package": fetch the archives
// for name without installing, requesting a post-request cache rebuild
// (spec §4.6).
func handleDownloadPackage(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	httpProxy := d.DecodeStr()
	httpsProxy := d.DecodeStr()
	setProxyEnv(httpProxy, httpsProxy)

	reporter := progress.NewDownloadReporter(w)
	cancelled, dlErr := runCancellable(ctx, reporter, func(ctx context.Context) error {
		return c.Cache.DB().Download(ctx, []string{name})
	})
	c.Cache.RequestRebuild()

	e := wire.NewEncoder()
	switch {
	case cancelled:
		e.EncodeInt32(int32(mdpm.ResultCancelled))
	case dlErr != nil:
		e.EncodeInt32(int32(translateLibraryError(dlErr)))
	default:
		e.EncodeInt32(int32(mdpm.ResultSuccess))
	}
	return e.Bytes()
}

// handleInstallPackage implements "install-package" (spec §4.5, §4.6;
// testable scenario S1).
func handleInstallPackage(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	httpProxy := d.DecodeStr()
	httpsProxy := d.DecodeStr()
	_ = d.DecodeStr() // reserved
	setProxyEnv(httpProxy, httpsProxy)

	reporter := progress.NewDownloadReporter(w)
	cancelled, installErr := runCancellable(ctx, reporter, func(ctx context.Context) error {
		p, err := c.Planner.InstallNoSurprises(ctx, name)
		if err != nil {
			return err
		}
		return c.Planner.Install(ctx, p)
	})
	c.Cache.RequestRebuild()

	var result mdpm.ResultCode
	switch {
	case cancelled:
		result = mdpm.ResultCancelled
	case installErr != nil:
		c.Log.Printf("install-package %s: %v", name, installErr)
		result = translateLibraryError(installErr)
	default:
		result = mdpm.ResultSuccess
	}

	e := wire.NewEncoder()
	e.EncodeInt32(int32(result))
	return e.Bytes()
}

// handleRemoveCheck / handleRemovePackage implement spec §4.5 "No-surprises
// removes" and §4.6's remove-check/remove-package handlers.
func handleRemoveCheck(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	status, err := c.Planner.RemovableStatusOf(ctx, name)
	e := wire.NewEncoder()
	if err != nil {
		e.EncodeInt32(int32(mdpm.ResultFailure))
	} else {
		e.EncodeInt32(int32(mdpm.ResultSuccess))
	}
	e.EncodeInt32(int32(toAbleStatus(status)))
	return e.Bytes()
}

func handleRemovePackage(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	p, err := c.Planner.RemoveNoSurprises(ctx, name)
	result := mdpm.ResultSuccess
	if err != nil {
		result = mdpm.ResultFailure
	} else if err := c.Planner.Remove(ctx, p); err != nil {
		c.Log.Printf("remove-package %s: %v", name, err)
		result = translateLibraryError(err)
	} else {
		c.Cache.RequestRebuild()
	}
	e := wire.NewEncoder()
	e.EncodeInt32(int32(result))
	return e.Bytes()
}

// handleGetFileDetails / handleInstallFile operate on a local .deb (spec
// §4.6): read its control record, check architecture, require a
// "user/"-prefixed section when only_user, then install with a purge
// rollback on failure.
func handleGetFileDetails(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	path := d.DecodeStr()
	onlyUser := d.DecodeInt32() != 0

	ctrl, err := pkgdb.ReadDebControl(ctx, path)
	e := wire.NewEncoder()
	if err != nil {
		e.EncodeInt32(int32(mdpm.ResultPackageCorrupted))
		return e.Bytes()
	}
	if onlyUser && !strings.HasPrefix(ctrl.Section, "user") {
		e.EncodeInt32(int32(mdpm.ResultFailure))
		return e.Bytes()
	}
	e.EncodeInt32(int32(mdpm.ResultSuccess))
	root := tree.NewList("deb")
	root.Set("name", ctrl.Package)
	root.Set("version", ctrl.Version)
	root.Set("section", ctrl.Section)
	root.Set("depends", ctrl.Depends)
	root.Set("description", ctrl.Description)
	e.EncodeTree(root)
	return e.Bytes()
}

func handleInstallFile(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	path := d.DecodeStr()
	onlyUser := d.DecodeInt32() != 0

	ctrl, err := pkgdb.ReadDebControl(ctx, path)
	if err != nil {
		return resultOnly(mdpm.ResultPackageCorrupted)
	}
	if ctrl.Architecture != "all" && ctrl.Architecture != hostArch() {
		return resultOnly(mdpm.ResultFailure)
	}
	if onlyUser && !strings.HasPrefix(ctrl.Section, "user") {
		return resultOnly(mdpm.ResultFailure)
	}

	db := c.Cache.DB()
	if err := db.InstallDeb(ctx, path); err != nil {
		c.Log.Printf("install-file %s: %v; rolling back %s", path, err, ctrl.Package)
		if perr := db.PurgeDeb(ctx, ctrl.Package); perr != nil {
			c.Log.Printf("install-file rollback purge %s: %v", ctrl.Package, perr)
		}
		c.Cache.RequestRebuild()
		return resultOnly(translateLibraryError(err))
	}
	c.Cache.RequestRebuild()
	return resultOnly(mdpm.ResultSuccess)
}

func hostArch() string {
	// dpkg --print-architecture would require another exec round trip per
	// call; the worker process's own GOARCH mapping is stable for the
	// lifetime of a build and is cached here once.
	return cachedHostArch
}

var cachedHostArch = detectHostArch()

func detectHostArch() string {
	if b, err := os.ReadFile("/var/lib/dpkg/arch"); err == nil {
		return strings.TrimSpace(string(b))
	}
	return "amd64"
}

func handleClean(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	if err := c.Cache.DB().Clean(ctx); err != nil {
		c.Log.Printf("clean: %v", err)
		return resultOnly(mdpm.ResultFailure)
	}
	return resultOnly(mdpm.ResultSuccess)
}

func handleSaveBackupData(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	installed, err := c.Cache.DB().Installed(ctx)
	if err != nil {
		return resultOnly(mdpm.ResultFailure)
	}
	entries, _ := c.Catalogue.Load()
	if err := c.Backup.Save(installed, entries); err != nil {
		c.Log.Printf("save-backup-data: %v", err)
		return resultOnly(mdpm.ResultFailure)
	}
	return resultOnly(mdpm.ResultSuccess)
}

// handleGetSystemUpdatePackages implements the supplemented
// GET_SYSTEM_UPDATE_PACKAGES command (SPEC_FULL.md item 1): the package
// list magic:sys would touch, without installing anything.
func handleGetSystemUpdatePackages(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	p, err := c.Planner.InstallNoSurprises(ctx, plan.MagicSys)
	root := tree.NewList("packages")
	if err == nil {
		for _, n := range p.Install {
			root.Append(tree.NewText("name", n))
		}
	}
	e := wire.NewEncoder()
	e.EncodeTree(root)
	return e.Bytes()
}

// handleReboot implements the supplemented REBOOT command: the reboot
// itself is deferred until after the response is written, via the same
// RegisterDeferred/RunDeferred mechanism distri used for post-install
// hooks (see atexit.go).
func handleReboot(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	simulated := c.SimulatedRoot
	mdpm.RegisterDeferred(func() error {
		if simulated {
			c.Log.Printf("reboot requested (simulated root: not actually rebooting)")
			return nil
		}
		return runReboot(ctx)
	})
	return resultOnly(mdpm.ResultSuccess)
}

// handleSetOptions implements the supplemented SET_OPTIONS command:
// re-parses the <options> alphabet at runtime (spec §6, SPEC_FULL.md
// item 1).
func handleSetOptions(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	opts := d.DecodeStr()
	c.opts = ParseOptions(opts)
	return resultOnly(mdpm.ResultSuccess)
}

// handleSetEnv implements the supplemented SET_ENV command (SPEC_FULL.md
// item 1): http_proxy/https_proxy/internal_mmc/removable_mmc.
func handleSetEnv(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	httpProxy := d.DecodeStr()
	httpsProxy := d.DecodeStr()
	internalMMC := d.DecodeStr()
	removableMMC := d.DecodeStr()
	setProxyEnv(httpProxy, httpsProxy)
	if internalMMC != "" {
		os.Setenv("internal_mmc", internalMMC)
	}
	if removableMMC != "" {
		os.Setenv("removable_mmc", removableMMC)
	}
	return resultOnly(mdpm.ResultSuccess)
}

// handleThirdPartyPolicyCheck implements the supplemented
// THIRD_PARTY_POLICY_CHECK command: whether (name, version) violates the
// "SSU" domain policy, reusing the §4.5 conflict-walk logic
// (SPEC_FULL.md item 1).
func handleThirdPartyPolicyCheck(ctx context.Context, c *Ctx, w *transport.WorkerSide, d *wire.Decoder) []byte {
	name := d.DecodeStr()
	_ = d.DecodeStr() // version, unused: trust is domain-scoped, not version-scoped
	domain := d.DecodeStr()

	violates := false
	if c.Domains != nil && domain != "" {
		violates = !c.Domains.Trusted(domain)
	}
	status, err := c.Planner.InstallableStatusOf(ctx, name)
	if err == nil && status == plan.Conflicting {
		violates = true
	}

	e := wire.NewEncoder()
	e.EncodeInt32(int32(mdpm.ResultSuccess))
	e.EncodeInt32(boolInt(violates))
	return e.Bytes()
}

func resultOnly(r mdpm.ResultCode) []byte {
	e := wire.NewEncoder()
	e.EncodeInt32(int32(r))
	return e.Bytes()
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func toAbleStatus(s plan.RemovableStatus) mdpm.AbleStatus {
	switch s {
	case plan.RemovalAble:
		return mdpm.StatusAble
	case plan.Needed:
		return mdpm.StatusNeeded
	case plan.RemovalSystemUpdateUnremovable:
		return mdpm.StatusSystemUpdateUnremovable
	default:
		return mdpm.StatusUnable
	}
}

// translateLibraryError scans the error text for well-known substrings to
// upgrade a generic failure to a more specific result code (spec §7
// "Package-library error": "the log is scanned for well-known substrings
// (e.g. 'No space left on device') to upgrade a generic failure to
// out-of-space").
func translateLibraryError(err error) mdpm.ResultCode {
	if err == nil {
		return mdpm.ResultSuccess
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "No space left on device"):
		return mdpm.ResultOutOfSpace
	case strings.Contains(msg, "Unable to fetch"), strings.Contains(msg, "Failed to fetch"):
		return mdpm.ResultDownloadFailed
	case strings.Contains(msg, "Unable to locate package"):
		return mdpm.ResultPackagesNotFound
	default:
		return mdpm.ResultFailure
	}
}

func subtractCatalogues(entries []*tree.Node, remove []*tree.Node) []*tree.Node {
	var out []*tree.Node
	for _, e := range entries {
		drop := false
		for _, r := range remove {
			if catalogue.Equal(e, r) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}
	return out
}

func setProxyEnv(httpProxy, httpsProxy string) {
	if httpProxy != "" {
		os.Setenv("http_proxy", httpProxy)
	}
	if httpsProxy != "" {
		os.Setenv("https_proxy", httpsProxy)
	}
}

// runCancellable runs fn on its own goroutine, polling the cancel pipe at
// a fixed tick and cancelling fn's context the moment a cancel byte
// arrives (spec §4.7 "Download reporter", §5 "Cancellation", testable
// scenario S2). It reports whether cancellation was observed and fn's
// own error otherwise.
func runCancellable(ctx context.Context, reporter *progress.Reporter, fn func(context.Context) error) (cancelled bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(runCtx) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			reporter.Pulse(-1, 0)
			return false, err
		case <-ticker.C:
			if reporter.Pulse(-1, 0) {
				cancel()
				<-done
				return true, nil
			}
		}
	}
}
