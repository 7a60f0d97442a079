// Package installinstr implements the install-instruction loader (spec
// §4.11, component C11): parsing a declarative ".install" fragment,
// optionally adding its catalogue, refreshing the package cache, and
// installing the named packages.
//
// Grounded on original_source/src/instr.cc
// (open_local_install_instructions/instr_cont2/instr_cont3) for the
// control flow, and spec §4.11's numbered procedure. The original reads
// the fragment with GKeyFile; this uses gopkg.in/ini.v1 (named in the
// wider example pack, e.g. juju-juju's go.mod) for the equivalent
// INI-like parse, since no pack repo ships its own ad hoc key-file
// reader.
package installinstr

import (
	"context"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gopkg.in/ini.v1"

	"github.com/distr1/mdpm/internal/catalogue"
	"github.com/distr1/mdpm/internal/plan"
	"github.com/distr1/mdpm/internal/tree"
)

// Instruction is the parsed content of a ".install" fragment's single
// [install] section (spec §4.11).
type Instruction struct {
	RepoName string
	RepoDeb3 string // an APT "deb <uri> <dist> <components>" line
	Packages []string
}

// ErrMissingRepo is returned when repo_deb_3 is absent: the original
// fails the entire flow with a user-visible error in this case (spec
// §4.11 step 1).
var ErrMissingRepo = xerrors.New("install fragment has no repo_deb_3 line")

// ParseFile reads and parses a ".install" fragment at path.
func ParseFile(path string) (*Instruction, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, xerrors.Errorf("parsing install fragment: %w", err)
	}
	sec, err := f.GetSection("install")
	if err != nil {
		return nil, xerrors.Errorf("install fragment has no [install] section: %w", err)
	}
	instr := &Instruction{
		RepoName: sec.Key("repo_name").String(),
		RepoDeb3: sec.Key("repo_deb_3").String(),
	}
	if sec.HasKey("package") {
		instr.Packages = splitPackageList(sec.Key("package").String())
	}
	return instr, nil
}

// splitPackageList mirrors GKeyFile's default string-list separator (';'),
// also tolerating a comma as the more common ini.v1 convention.
func splitPackageList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDebLine turns "deb <uri> <dist> <components>" into a catalogue
// entry suitable for comparison and commit via internal/catalogue.
func parseDebLine(line string) (*tree.Node, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "deb" {
		return nil, xerrors.Errorf("not a deb line: %q", line)
	}
	e := tree.NewList("catalogue")
	e.Set("uri", fields[1])
	if len(fields) >= 3 {
		e.Set("dist", fields[2])
	}
	if len(fields) >= 4 {
		e.Set("components", strings.Join(fields[3:], " "))
	}
	return e, nil
}

// Prompter asks the user the two questions spec §4.11 requires: whether
// to add/enable the catalogue, and (when more than one package is
// listed) which of them to install.
type Prompter interface {
	ConfirmAddCatalogue(repoName, repoDeb3 string) bool
	SelectPackages(candidates []string) []string
}

// Installer performs the final sequential install (spec §4.11 step 3,
// "via the standard install interaction").
type Installer interface {
	InstallNoSurprises(ctx context.Context, pkgName string) (*plan.Plan, error)
	Install(ctx context.Context, p *plan.Plan) error
}

// CacheRefresher refreshes the package cache after a catalogue commit
// (spec §4.11 step 2). *internal/cache.Controller implements this.
type CacheRefresher interface {
	Refresh(ctx context.Context) error
}

// Loader ties the catalogue model, the cache refresher, and an Installer
// together to run one .install fragment end to end.
type Loader struct {
	Catalogue *catalogue.Model
	Cache     CacheRefresher
	Installer Installer
	Logger    *log.Logger
}

// Run executes spec §4.11's three-step procedure against instr.
func (l *Loader) Run(ctx context.Context, instr *Instruction, prompter Prompter) error {
	if instr.RepoDeb3 == "" {
		return ErrMissingRepo
	}

	candidate, err := parseDebLine(instr.RepoDeb3)
	if err != nil {
		return xerrors.Errorf("parsing repo_deb_3: %w", err)
	}

	entries, err := l.Catalogue.Load()
	if err != nil {
		return xerrors.Errorf("loading catalogues: %w", err)
	}

	if !alreadyPresentAndEnabled(entries, candidate) {
		if !prompter.ConfirmAddCatalogue(instr.RepoName, instr.RepoDeb3) {
			return nil // user declined: quiet no-op, matching the original's cancelled flow
		}
		entries = append(entries, candidate)

		var g errgroup.Group
		g.Go(func() error { return l.Catalogue.WriteUserCatalogues(entries) })
		g.Go(func() error { return l.Catalogue.WriteSourcesList(entries) })
		if err := g.Wait(); err != nil {
			return xerrors.Errorf("committing catalogue: %w", err)
		}

		if err := l.Cache.Refresh(ctx); err != nil {
			return xerrors.Errorf("refreshing package cache: %w", err)
		}
	}

	if len(instr.Packages) == 0 {
		return nil
	}

	toInstall := instr.Packages
	if len(toInstall) > 1 {
		toInstall = prompter.SelectPackages(toInstall)
	}
	for _, name := range toInstall {
		p, err := l.Installer.InstallNoSurprises(ctx, name)
		if err != nil {
			return xerrors.Errorf("planning install of %s: %w", name, err)
		}
		if err := l.Installer.Install(ctx, p); err != nil {
			return xerrors.Errorf("installing %s: %w", name, err)
		}
	}
	return nil
}

func alreadyPresentAndEnabled(entries []*tree.Node, candidate *tree.Node) bool {
	for _, e := range entries {
		if e.Tag != "catalogue" {
			continue
		}
		if catalogue.Equal(e, candidate) && !e.RefBool("disabled") {
			return true
		}
	}
	return false
}
