// Package catalogue implements the APT source (catalogue) configuration
// layer (spec §3 "Catalogue entry", §4.3): merging package-supplied and
// user-supplied fragments, filtering by the configured distribution, and
// translating the merged set to a native APT sources.list.
//
// Grounded on original_source/src/catalogues.cc
// (read_package_catalogues/read_catalogues/write_user_catalogues) and
// src/confutils.h's path constants.
package catalogue

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/atomicfile"
	"github.com/distr1/mdpm/internal/tree"
)

// Paths names the on-disk locations the catalogue layer reads and writes
// (spec §6 "Persisted file layouts").
type Paths struct {
	PackageFragmentsDir string // e.g. /usr/share/<vendor>/catalogues/
	FragmentExt         string // e.g. "xexp"
	UserConfFile        string // e.g. /etc/<vendor>/catalogues
	AptSourcesFile       string // e.g. /etc/apt/sources.list.d/<vendor>.list
}

// Model owns the merge and remembers, per package-supplied entry, whether
// it shipped disabled by default, so a later commit can tell whether a
// user override actually changed anything (spec §4.3 "Writing").
type Model struct {
	Paths Paths
	Dist  string // system default distribution (spec §4.3 "Distribution filter")

	defaultDisabled map[string]bool
}

func New(paths Paths, dist string) *Model {
	return &Model{Paths: paths, Dist: dist, defaultDisabled: make(map[string]bool)}
}

// key is the case-insensitive, whitespace-normalized identity of a
// package-supplied entry (spec §3 "Catalogue entry" equality rule (a)).
func key(file, id string) string {
	return strings.ToLower(normalize(file)) + "\x00" + strings.ToLower(normalize(id))
}

func normalize(s string) string { return strings.TrimSpace(s) }

func stripTrailingSlashes(s string) string { return strings.TrimRight(s, "/") }

// IsPackageSupplied reports whether e is a package-supplied entry (has both
// "file" and "id").
func IsPackageSupplied(e *tree.Node) bool {
	f, fok := e.RefText("file")
	i, iok := e.RefText("id")
	return fok && iok && f != "" && i != ""
}

// Equal implements the two-branch equality rule of spec §3.
func Equal(a, b *tree.Node) bool {
	aPkg, bPkg := IsPackageSupplied(a), IsPackageSupplied(b)
	if aPkg != bPkg {
		return false
	}
	if aPkg {
		af, _ := a.RefText("file")
		aid, _ := a.RefText("id")
		bf, _ := b.RefText("file")
		bid, _ := b.RefText("id")
		return strings.EqualFold(normalize(af), normalize(bf)) &&
			strings.EqualFold(normalize(aid), normalize(bid))
	}
	auri, _ := a.RefText("uri")
	buri, _ := b.RefText("uri")
	adist, _ := a.RefText("dist")
	bdist, _ := b.RefText("dist")
	acomp, _ := a.RefText("components")
	bcomp, _ := b.RefText("components")
	return stripTrailingSlashes(normalize(auri)) == stripTrailingSlashes(normalize(buri)) &&
		normalize(adist) == normalize(bdist) &&
		normalize(acomp) == normalize(bcomp)
}

// passesFilterDist reports whether e is visible under the configured
// distribution (spec §3 invariant 6, §4.3 "Distribution filter").
func passesFilterDist(e *tree.Node, dist string) bool {
	fd, ok := e.RefText("filter_dist")
	if !ok || fd == "" {
		return true
	}
	return fd == dist
}

func findPackageEntry(file, id string, pkg []*tree.Node) *tree.Node {
	k := key(file, id)
	for _, e := range pkg {
		ef, _ := e.RefText("file")
		eid, _ := e.RefText("id")
		if key(ef, eid) == k {
			return e
		}
	}
	return nil
}

// loadPackageFragments enumerates *.<ext> files in dir; each is a list of
// catalogue entries. Invalid or filtered entries are silently dropped
// (spec §4.3 step 1).
func (m *Model) loadPackageFragments() ([]*tree.Node, error) {
	fis, err := ioutil.ReadDir(m.Paths.PackageFragmentsDir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("reading package catalogue directory: %w", err)
	}
	var out []*tree.Node
	for _, fi := range fis {
		if fi.IsDir() {
			continue
		}
		ext := strings.TrimPrefix(filepath.Ext(fi.Name()), ".")
		if !strings.EqualFold(ext, m.Paths.FragmentExt) {
			continue
		}
		stem := strings.TrimSuffix(fi.Name(), filepath.Ext(fi.Name()))
		path := filepath.Join(m.Paths.PackageFragmentsDir, fi.Name())
		root, err := tree.ReadFile(path)
		if err != nil {
			continue // malformed fragment file: dropped silently
		}
		for _, e := range root.Children {
			id, ok := e.RefText("id")
			if !ok || id == "" {
				continue
			}
			if !passesFilterDist(e, m.Dist) {
				continue
			}
			e.Set("file", stem)
			e.SetFlag("nobackup", true)
			m.defaultDisabled[key(stem, id)] = e.RefBool("disabled")
			out = append(out, e)
		}
	}
	return out, nil
}

// Load reads the package fragments and the user catalogue file and returns
// the merged catalogue set (spec §4.3).
func (m *Model) Load() ([]*tree.Node, error) {
	pkg, err := m.loadPackageFragments()
	if err != nil {
		return nil, err
	}
	global := append([]*tree.Node(nil), pkg...)

	userRoot, err := tree.ReadFile(m.Paths.UserConfFile)
	if err != nil {
		if isNotExist(err) {
			return global, nil
		}
		return nil, xerrors.Errorf("reading user catalogues: %w", err)
	}
	for _, e := range userRoot.Children {
		file, fok := e.RefText("file")
		id, iok := e.RefText("id")
		if (!fok || file == "") && (!iok || id == "") {
			// user-defined entry
			if passesFilterDist(e, m.Dist) {
				global = append(global, e)
			}
			continue
		}
		// reference to a package entry
		if target := findPackageEntry(file, id, pkg); target != nil {
			target.SetFlag("disabled", e.RefBool("disabled"))
		}
	}
	return global, nil
}

// WriteUserCatalogues atomically writes the compact user catalogue file:
// full user-defined entries, plus (file, id, disabled) stubs for
// package entries whose disabled value differs from their shipped default
// (spec §4.3 "Writing").
func (m *Model) WriteUserCatalogues(entries []*tree.Node) error {
	user := tree.NewList("catalogues")
	for _, e := range entries {
		if e.Tag != "catalogue" {
			continue
		}
		file, fok := e.RefText("file")
		id, iok := e.RefText("id")
		if fok && iok && file != "" && id != "" {
			disabled := e.RefBool("disabled")
			if disabled == m.defaultDisabled[key(file, id)] {
				continue // unchanged from package default, nothing to persist
			}
			stub := tree.NewList("catalogue")
			stub.Set("file", file)
			stub.Set("id", id)
			stub.SetFlag("disabled", disabled)
			user.Append(stub)
			continue
		}
		if (!fok || file == "") && (!iok || id == "") {
			user.Append(e.Clone())
		}
	}
	return tree.WriteFile(m.Paths.UserConfFile, user)
}

// WriteSourcesList atomically regenerates the native APT sources.list: one
// "deb <uri> <dist> <components>" line per non-disabled entry, in order,
// substituting "/" for a missing dist and "" for missing components (spec
// §4.3 "Writing", testable property 4). Entries already excluded by the
// distribution filter must not be passed in.
func (m *Model) WriteSourcesList(entries []*tree.Node) error {
	var sb strings.Builder
	for _, e := range entries {
		if e.Tag != "catalogue" || e.RefBool("disabled") {
			continue
		}
		uri, _ := e.RefText("uri")
		if uri == "" {
			continue
		}
		dist, ok := e.RefText("dist")
		if !ok || dist == "" {
			dist = "/"
		}
		components, _ := e.RefText("components")
		fmt.Fprintf(&sb, "deb %s %s %s\n", uri, dist, components)
	}
	return atomicfile.Write(m.Paths.AptSourcesFile, []byte(sb.String()), 0644)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
