package catalogue

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/tree"
)

// DomainsPaths names the on-disk locations of the "trust domain" fragments
// (supplemented feature, spec §9 "SUPPLEMENTED FEATURES" item 2): a
// second, independent merge pipeline over package-supplied and per-user
// domain definitions, reusing the tree-merge machinery of this package.
// Grounded on original_source/src/confutils.h's DOMAIN_CONF path and the
// domain lookup used by THIRD_PARTY_POLICY_CHECK.
type DomainsPaths struct {
	PackageFragmentsDir string
	FragmentExt         string
	UserConfFile        string
}

// Domains is a named set of trust domains, each either trusted or not. A
// catalogue entry's "domain" field is looked up here to decide whether
// installing from it requires an explicit user confirmation (the
// THIRD_PARTY_POLICY_CHECK command, spec §9).
type Domains struct {
	Paths   DomainsPaths
	trusted map[string]bool
}

func NewDomains(paths DomainsPaths) *Domains {
	return &Domains{Paths: paths, trusted: make(map[string]bool)}
}

// Load merges package-supplied domain fragments with the user override
// file. Package fragments establish the default trust of a domain; a user
// fragment with the same (case-insensitive) name overrides it.
func (d *Domains) Load() error {
	d.trusted = make(map[string]bool)

	fis, err := ioutil.ReadDir(d.Paths.PackageFragmentsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return xerrors.Errorf("reading domain fragments: %w", err)
		}
		fis = nil
	}
	for _, fi := range fis {
		if fi.IsDir() {
			continue
		}
		ext := strings.TrimPrefix(filepath.Ext(fi.Name()), ".")
		if !strings.EqualFold(ext, d.Paths.FragmentExt) {
			continue
		}
		root, err := tree.ReadFile(filepath.Join(d.Paths.PackageFragmentsDir, fi.Name()))
		if err != nil {
			continue
		}
		d.mergeFile(root)
	}

	if userRoot, err := tree.ReadFile(d.Paths.UserConfFile); err == nil {
		d.mergeFile(userRoot)
	} else if !os.IsNotExist(err) {
		return xerrors.Errorf("reading user domains: %w", err)
	}
	return nil
}

func (d *Domains) mergeFile(root *tree.Node) {
	for _, e := range root.Children {
		if e.Tag != "domain" {
			continue
		}
		name, ok := e.RefText("name")
		if !ok || name == "" {
			continue
		}
		d.trusted[strings.ToLower(strings.TrimSpace(name))] = e.RefBool("trusted")
	}
}

// Trusted reports whether the named domain is trusted. An unknown domain
// is untrusted, matching the original's fail-closed policy for
// THIRD_PARTY_POLICY_CHECK.
func (d *Domains) Trusted(name string) bool {
	return d.trusted[strings.ToLower(strings.TrimSpace(name))]
}
