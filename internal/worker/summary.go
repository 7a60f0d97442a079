package worker

import (
	"context"
	"strconv"
	"strings"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/pkgdb"
	"github.com/distr1/mdpm/internal/tree"
)

// Summary is the per-package record GET_PACKAGE_LIST/GET_PACKAGE_INFO
// return (spec §3 "Package summary record"). It is produced fresh per
// request and never persisted.
type Summary struct {
	Name   string
	Broken bool

	HasInstalled     bool
	InstalledVersion string
	InstalledSize    int64
	InstalledSection string

	HasAvailable     bool
	AvailableVersion string
	AvailableSection string

	Flags mdpm.InstallFlags
}

// toTree renders s as a "package" tree node for the wire (spec §4.1's
// structured-tree value is reused here rather than a bespoke fixed-field
// layout, matching how catalogues and available-updates are carried).
func (s Summary) toTree() *tree.Node {
	n := tree.NewList("package")
	n.Set("name", s.Name)
	n.SetFlag("broken", s.Broken)
	if s.HasInstalled {
		inst := tree.NewList("installed")
		inst.Set("version", s.InstalledVersion)
		inst.Set("size", strconv.FormatInt(s.InstalledSize, 10))
		inst.Set("section", s.InstalledSection)
		n.Append(inst)
	}
	if s.HasAvailable {
		avail := tree.NewList("available")
		avail.Set("version", s.AvailableVersion)
		avail.Set("section", s.AvailableSection)
		n.Append(avail)
	}
	n.Set("flags", strconv.FormatInt(int64(s.Flags), 10))
	return n
}

// summaryFromTree is the inverse of toTree, used by tests and by clients
// sharing this package.
func summaryFromTree(n *tree.Node) Summary {
	var s Summary
	s.Name, _ = n.RefText("name")
	s.Broken = n.RefBool("broken")
	if inst := n.First("installed"); inst != nil {
		s.HasInstalled = true
		s.InstalledVersion, _ = inst.RefText("version")
		if sz, ok := inst.RefInt("size"); ok {
			s.InstalledSize = sz
		}
		s.InstalledSection, _ = inst.RefText("section")
	}
	if avail := n.First("available"); avail != nil {
		s.HasAvailable = true
		s.AvailableVersion, _ = avail.RefText("version")
		s.AvailableSection, _ = avail.RefText("section")
	}
	if fl, ok := n.RefInt("flags"); ok {
		s.Flags = mdpm.InstallFlags(fl)
	}
	return s
}

// flagsFor derives the install-flags bitfield (spec §3) for a package
// transitioning from "installed" (possibly absent) to candidate.
func flagsFor(name string, installed pkgdb.Package, wasInstalled bool, candidate string) mdpm.InstallFlags {
	var f mdpm.InstallFlags
	if name == "magic:sys" {
		f |= mdpm.FlagSystemUpdate
	}
	if wasInstalled && installed.Essential {
		f |= mdpm.FlagReboot
	}
	if strings.HasPrefix(installed.Section, "user") {
		f |= mdpm.FlagSuggestBackup
	}
	return f
}

// buildSummary assembles one package's Summary from the installed map and
// apt's candidate lookup (spec §3, §4.6 "get-package-info").
func buildSummary(ctx context.Context, db *pkgdb.DB, name string, installed map[string]pkgdb.Package) Summary {
	s := Summary{Name: name}
	rec, wasInstalled := installed[name]
	if wasInstalled {
		s.HasInstalled = true
		s.InstalledVersion = rec.InstalledVersion
		s.InstalledSize = rec.InstalledSize
		s.InstalledSection = rec.Section
	}
	cand, ok, err := db.Candidate(ctx, name)
	if err == nil && ok {
		s.HasAvailable = true
		s.AvailableVersion = cand
		s.AvailableSection = rec.Section
	}
	s.Flags = flagsFor(name, rec, wasInstalled, cand)
	return s
}

// ListFilter is GET_PACKAGE_LIST's request payload (spec §4.6).
type ListFilter struct {
	OnlyUser      bool
	OnlyInstalled bool
	OnlyAvailable bool
	Pattern       string
	ShowMagicSys  bool
}
