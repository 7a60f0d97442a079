// Package backup implements the SAVE_BACKUP_DATA artifact (spec §3's
// backup-data artifact; its producer is not described in spec §4 and is
// recovered from original_source/src/operations.cc, see SPEC_FULL.md
// "Supplemented features" item 3): a cpio archive listing every installed
// user-section package plus the backup-eligible catalogue fragments,
// gzip-compressed.
//
// Grounded on cmd/distri/initrd.go's cpio.Writer + pgzip.Writer +
// renameio.TempFile pipeline (distr1-distri), reused here for a manifest
// archive instead of a boot initrd.
package backup

import (
	"bytes"
	"io"
	"sort"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/pkgdb"
	"github.com/distr1/mdpm/internal/tree"
)

// Writer produces the backup-data artifact at a fixed path.
type Writer struct {
	Path string
}

// New returns a Writer that writes to path (spec §6 "Persisted file
// layouts": e.g. /var/lib/<vendor>/backup/backup-data.cpio.gz).
func New(path string) *Writer {
	return &Writer{Path: path}
}

// Save writes the backup-data artifact: a "packages.xexp" entry listing
// every installed user-section package and version, and a
// "catalogues.xexp" entry with the backup-eligible catalogue fragments
// (those not flagged "nobackup" — package-supplied entries are marked
// nobackup on load, spec §4.3 step 1; user-defined entries are not).
func (w *Writer) Save(installed map[string]pkgdb.Package, catalogues []*tree.Node) error {
	var buf bytes.Buffer
	cw := cpio.NewWriter(&buf)

	if err := writeTreeEntry(cw, "packages.xexp", packagesManifest(installed)); err != nil {
		return xerrors.Errorf("writing packages manifest: %w", err)
	}
	if err := writeTreeEntry(cw, "catalogues.xexp", eligibleCatalogues(catalogues)); err != nil {
		return xerrors.Errorf("writing catalogues manifest: %w", err)
	}
	if err := cw.Close(); err != nil {
		return xerrors.Errorf("closing cpio archive: %w", err)
	}

	out, err := renameio.TempFile("", w.Path)
	if err != nil {
		return xerrors.Errorf("creating backup temp file: %w", err)
	}
	defer out.Cleanup()

	zw := pgzip.NewWriter(out)
	if _, err := io.Copy(zw, &buf); err != nil {
		return xerrors.Errorf("writing backup archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("closing gzip writer: %w", err)
	}
	return out.CloseAtomicallyReplace()
}

func packagesManifest(installed map[string]pkgdb.Package) *tree.Node {
	names := make([]string, 0, len(installed))
	for name, pkg := range installed {
		if pkg.Section == "user" || pkg.Section == "user/hidden" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	root := tree.NewList("packages")
	for _, name := range names {
		pkg := installed[name]
		n := tree.NewList("package")
		n.Set("name", name)
		n.Set("version", pkg.InstalledVersion)
		root.Append(n)
	}
	return root
}

func eligibleCatalogues(catalogues []*tree.Node) *tree.Node {
	root := tree.NewList("catalogues")
	for _, e := range catalogues {
		if e.RefBool("nobackup") {
			continue
		}
		root.Append(e.Clone())
	}
	return root
}

func writeTreeEntry(cw *cpio.Writer, name string, n *tree.Node) error {
	b, err := tree.Marshal(n)
	if err != nil {
		return err
	}
	if err := cw.WriteHeader(&cpio.Header{Name: name, Mode: cpio.FileMode(0644), Size: int64(len(b))}); err != nil {
		return err
	}
	_, err = cw.Write(b)
	return err
}
