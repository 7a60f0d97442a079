// Package plan implements the "no-surprises" install/remove planner (spec
// §4.5, component C5). There is no direct original_source transliteration
// to ground this against (apt-worker.cc delegates dependency resolution to
// libapt-pkg in-process); it follows spec §4.5's prose directly, and
// borrows the teacher's dependency-graph-with-cycle-break shape from
// internal/batch/batch.go (gonum/graph + simple + topo).
package plan

import (
	"context"
	"log"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/distr1/mdpm/internal/cache"
	"github.com/distr1/mdpm/internal/pkgdb"
)

// MagicSys is the virtual package name meaning "all upgradable non-user
// packages" (spec §4.5 "System upgrade", GLOSSARY "Magic:sys").
const MagicSys = "magic:sys"

// maxDepth bounds the recursive dependency walk (spec §4.5 step 3: "a
// depth limit of 100").
const maxDepth = 100

// InstallableStatus is the derived install-readiness classification (spec
// §4.5 "Derived queries").
type InstallableStatus int

const (
	Able InstallableStatus = iota
	Missing
	Conflicting
	Corrupted
	Incompatible
	IncompatibleCurrent
	SystemUpdateUnremovable
	NotFound
	IncompatibleThirdParty
)

// RemovableStatus is the derived removability classification.
type RemovableStatus int

const (
	RemovalAble RemovableStatus = iota
	Needed
	Unable
	RemovalSystemUpdateUnremovable
)

// Plan accumulates the outcome of a single no-surprises planning pass: the
// decisions made for each package and, separately, the related-bit every
// touched package receives (spec §3 "Cache state": "related").
type Plan struct {
	Install []string
	Remove  []string
	Related map[string]bool

	graph   *simple.DirectedGraph
	ids     map[string]int64
	nextID  int64
	visited map[string]int // package -> depth at which it was marked, for cycle/re-entry detection
}

func newPlan() *Plan {
	return &Plan{
		Related: make(map[string]bool),
		graph:   simple.NewDirectedGraph(),
		ids:     make(map[string]int64),
		visited: make(map[string]int),
	}
}

func (p *Plan) nodeID(pkg string) int64 {
	if id, ok := p.ids[pkg]; ok {
		return id
	}
	id := p.nextID
	p.nextID++
	p.ids[pkg] = id
	p.graph.AddNode(simpleNode{id: id, pkg: pkg})
	return id
}

type simpleNode struct {
	id  int64
	pkg string
}

func (n simpleNode) ID() int64 { return n.id }

func (p *Plan) addEdge(from, to string) {
	fid, tid := p.nodeID(from), p.nodeID(to)
	if fid == tid {
		return
	}
	p.graph.SetEdge(p.graph.NewEdge(p.graph.Node(fid), p.graph.Node(tid)))
}

// logCycles reports (non-fatally) whether the accumulated dependency graph
// contains a cycle, matching the teacher's use of topo.Sort for
// cycle-detection rather than treating cycles as fatal.
func (p *Plan) logCycles(logger *log.Logger) {
	if _, err := topo.Sort(p.graph); err != nil {
		logger.Printf("plan: dependency graph contains a cycle: %v", err)
	}
}

// Planner drives installability/removability decisions against one open
// cache instance.
type Planner struct {
	ctrl   *cache.Controller
	cfg    pkgdb.Config
	logger *log.Logger
}

func New(ctrl *cache.Controller, cfg pkgdb.Config, logger *log.Logger) *Planner {
	return &Planner{ctrl: ctrl, cfg: cfg, logger: logger}
}

func (pl *Planner) isUserSection(ctx context.Context, pkg string) bool {
	installed, err := pl.ctrl.DB().Installed(ctx)
	if err != nil {
		return false
	}
	p, ok := installed[pkg]
	if !ok {
		return false
	}
	return p.Section == "user" || p.Section == "user/hidden"
}

// InstallNoSurprises implements spec §4.5 "No-surprises installs" for a
// single named package P, or MagicSys for a full system upgrade.
func (pl *Planner) InstallNoSurprises(ctx context.Context, pkgName string) (*Plan, error) {
	p := newPlan()
	if pkgName == MagicSys {
		return pl.systemUpgrade(ctx, p)
	}
	if err := pl.markInstall(ctx, p, pkgName, 0); err != nil {
		return p, err
	}
	p.logCycles(pl.logger)
	return p, nil
}

func (pl *Planner) markInstall(ctx context.Context, p *Plan, pkgName string, depth int) error {
	if depth > maxDepth {
		return nil
	}
	p.Related[pkgName] = true
	_, candidateOK, err := pl.ctrl.DB().Candidate(ctx, pkgName)
	if err != nil {
		return xerrors.Errorf("resolving candidate for %s: %w", pkgName, err)
	}
	if !candidateOK {
		// "If the mark failed ... return." (step 2)
		return nil
	}
	p.Install = append(p.Install, pkgName)

	clauses, err := depsOf(ctx, pl.cfg, pkgName)
	if err != nil {
		pl.logger.Printf("resolving dependencies of %s: %v", pkgName, err)
		return nil
	}
	for _, clause := range clauses {
		if clause.negative() {
			pl.markConflictTargets(ctx, p, clause, depth)
			continue
		}
		if len(clause.Targets) == 0 {
			continue
		}
		already := pl.anyAlreadySatisfied(ctx, p, clause.Targets)
		if already {
			continue
		}
		if !clause.important() && pl.isInstalled(ctx, pkgName) {
			continue
		}
		target := pl.chooseAlternative(ctx, pkgName, clause.Targets)
		if target == "" {
			continue
		}
		p.addEdge(pkgName, target)
		if _, seenDepth := p.visited[target]; seenDepth {
			continue
		}
		p.visited[target] = depth + 1
		if err := pl.markInstall(ctx, p, target, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// markConflictTargets implements step 4: for each Conflicts/Obsoletes
// alternative, if the target is not user-section, mark it for removal
// with only_maybe semantics; a user-section package is left alone so the
// UI can surface the broken state instead.
func (pl *Planner) markConflictTargets(ctx context.Context, p *Plan, clause Clause, depth int) {
	for _, target := range clause.Targets {
		if !pl.isInstalled(ctx, target) {
			continue
		}
		if pl.isUserSection(ctx, target) {
			continue // never silently remove a user-section package
		}
		pl.removeOnlyMaybe(ctx, p, target, depth+1)
	}
}

func (pl *Planner) anyAlreadySatisfied(ctx context.Context, p *Plan, targets []string) bool {
	for _, t := range targets {
		if pl.isInstalled(ctx, t) || contains(p.Install, t) {
			return true
		}
	}
	return false
}

// chooseAlternative picks, among an OR-group's targets that have an
// installation candidate, the one with the highest candidate version.
// The parent argument is not consulted: no parent-package matching is
// done, and no priority database is used.
func (pl *Planner) chooseAlternative(ctx context.Context, parent string, targets []string) string {
	type resolvable struct {
		name    string
		version string
	}
	var candidates []resolvable
	for _, t := range targets {
		if v, ok, _ := pl.ctrl.DB().Candidate(ctx, t); ok {
			candidates = append(candidates, resolvable{t, v})
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return newerVersion(candidates[i].version, candidates[j].version)
	})
	return candidates[0].name
}

// maybeV prefixes a bare version with "v" so semver.IsValid/Compare can
// parse it, matching the teacher's checkupstream.maybeV.
func maybeV(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// newerVersion reports whether a should sort before b when picking the
// highest-priority candidate among dependency alternatives. Debian
// version strings are rarely valid semver (epochs, tildes, revisions);
// when both sides happen to parse, semver.Compare is authoritative,
// otherwise fall back to a reverse string sort, the same fallback the
// teacher's checkupstream.versions applies when force_semver is off.
func newerVersion(a, b string) bool {
	va, vb := maybeV(a), maybeV(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb) >= 0
	}
	return a >= b
}

func (pl *Planner) isInstalled(ctx context.Context, pkg string) bool {
	installed, err := pl.ctrl.DB().Installed(ctx)
	if err != nil {
		return false
	}
	_, ok := installed[pkg]
	return ok
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

// systemUpgrade implements spec §4.5 "System upgrade": magic:sys marks
// every upgradable non-user package for install.
func (pl *Planner) systemUpgrade(ctx context.Context, p *Plan) (*Plan, error) {
	installed, err := pl.ctrl.DB().Installed(ctx)
	if err != nil {
		return p, err
	}
	for name, pkg := range installed {
		if pkg.Section == "user" || pkg.Section == "user/hidden" {
			continue
		}
		cand, ok, err := pl.ctrl.DB().Candidate(ctx, name)
		if err != nil || !ok || cand == pkg.InstalledVersion {
			continue
		}
		if err := pl.markInstall(ctx, p, name, 0); err != nil {
			return p, err
		}
	}
	p.logCycles(pl.logger)
	return p, nil
}

// RemoveNoSurprises implements spec §4.5 "No-surprises removes" for P.
func (pl *Planner) RemoveNoSurprises(ctx context.Context, pkgName string) (*Plan, error) {
	p := newPlan()
	ok, err := pl.removeOnlyMaybe(ctx, p, pkgName, 0)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, xerrors.Errorf("removing %s would break a dependent package", pkgName)
	}
	p.logCycles(pl.logger)
	return p, nil
}

// removeOnlyMaybe marks pkgName for delete and recursively removes
// auto-installed dependents that are no longer needed, implementing the
// "only_maybe" rule of spec §4.5 step 3: if removal would break a package
// that should stay installed, undo and report failure.
func (pl *Planner) removeOnlyMaybe(ctx context.Context, p *Plan, pkgName string, depth int) (bool, error) {
	if depth > maxDepth {
		return true, nil
	}
	if needed, err := pl.packageIsNeeded(ctx, pkgName, p); err != nil {
		return false, err
	} else if needed {
		return false, nil
	}
	p.Related[pkgName] = true
	p.Remove = append(p.Remove, pkgName)
	pl.ctrlClearAuto(pkgName)

	clauses, err := depsOf(ctx, pl.cfg, pkgName)
	if err != nil {
		pl.logger.Printf("resolving dependencies of %s for removal: %v", pkgName, err)
		return true, nil
	}
	for _, clause := range clauses {
		if clause.Relation != "Depends" && clause.Relation != "PreDepends" {
			continue
		}
		for _, target := range clause.Targets {
			if !pl.isInstalled(ctx, target) {
				continue
			}
			aux := pl.ctrl.Aux(target)
			if !aux.Autoinst || pl.isUserSection(ctx, target) {
				continue
			}
			p.addEdge(pkgName, target)
			if ok, err := pl.removeOnlyMaybe(ctx, p, target, depth+1); err != nil {
				return false, err
			} else if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func (pl *Planner) ctrlClearAuto(pkgName string) {
	pl.ctrl.Aux(pkgName).Autoinst = false
}

// Install carries out a previously computed install Plan: it performs the
// real (non-simulated) apt-get install of p.Install, then re-asserts the
// Auto flag on every package the plan marked related-but-not-directly-
// requested and persists the new autoinst snapshot (spec §4.4 "Auto-install
// flags": "it is re-applied on every cache rebuild", §4.5 step 3: "re-assert
// the Auto flag on newly installed dependencies").
func (pl *Planner) Install(ctx context.Context, p *Plan) error {
	if len(p.Install) == 0 {
		return nil
	}
	if err := pl.ctrl.DB().Install(ctx, p.Install); err != nil {
		return xerrors.Errorf("installing %v: %w", p.Install, err)
	}
	requested := p.Install[0]
	var autoNames []string
	for _, name := range p.Install {
		aux := pl.ctrl.Aux(name)
		if name == requested {
			aux.Autoinst = false
			continue
		}
		aux.Autoinst = true
		autoNames = append(autoNames, name)
	}
	if err := pl.ctrl.DB().SetAuto(ctx, autoNames, true); err != nil {
		pl.logger.Printf("re-asserting auto flag after install: %v", err)
	}
	return pl.ctrl.PersistAutoinst(ctx)
}

// Remove carries out a previously computed remove Plan (spec §4.5
// "No-surprises removes").
func (pl *Planner) Remove(ctx context.Context, p *Plan) error {
	if len(p.Remove) == 0 {
		return nil
	}
	if err := pl.ctrl.DB().Remove(ctx, p.Remove); err != nil {
		return xerrors.Errorf("removing %v: %w", p.Remove, err)
	}
	return pl.ctrl.PersistAutoinst(ctx)
}

// packageIsNeeded reports whether some other installed, non-planned-for-
// removal package still depends on pkgName (spec §4.5 "package_is_needed").
func (pl *Planner) packageIsNeeded(ctx context.Context, pkgName string, p *Plan) (bool, error) {
	installed, err := pl.ctrl.DB().Installed(ctx)
	if err != nil {
		return false, err
	}
	for name := range installed {
		if name == pkgName || contains(p.Remove, name) {
			continue
		}
		clauses, err := depsOf(ctx, pl.cfg, name)
		if err != nil {
			continue
		}
		for _, clause := range clauses {
			if clause.Relation != "Depends" && clause.Relation != "PreDepends" {
				continue
			}
			if contains(clause.Targets, pkgName) {
				return true, nil
			}
		}
	}
	return false, nil
}
