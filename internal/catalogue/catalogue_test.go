package catalogue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/mdpm/internal/tree"
)

func writeFragment(t *testing.T, dir, name string, root *tree.Node) {
	t.Helper()
	if err := tree.WriteFile(filepath.Join(dir, name), root); err != nil {
		t.Fatal(err)
	}
}

func newModel(t *testing.T, dist string) (*Model, string, string) {
	t.Helper()
	pkgDir := t.TempDir()
	etcDir := t.TempDir()
	m := New(Paths{
		PackageFragmentsDir: pkgDir,
		FragmentExt:         "xexp",
		UserConfFile:        filepath.Join(etcDir, "catalogues"),
		AptSourcesFile:      filepath.Join(etcDir, "mdpm.list"),
	}, dist)
	return m, pkgDir, etcDir
}

func TestLoadPackageOnly(t *testing.T) {
	m, pkgDir, _ := newModel(t, "fremantle")
	frag := tree.NewList("catalogues",
		tree.NewList("catalogue",
			tree.NewText("id", "main"),
			tree.NewText("uri", "http://repo.example/"),
			tree.NewText("dist", "fremantle"),
		),
	)
	writeFragment(t, pkgDir, "example.xexp", frag)

	entries, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if file, ok := entries[0].RefText("file"); !ok || file != "example" {
		t.Errorf("file = %q, %v, want example, true", file, ok)
	}
}

func TestFilterDistDropsMismatchedEntry(t *testing.T) {
	m, pkgDir, _ := newModel(t, "fremantle")
	frag := tree.NewList("catalogues",
		tree.NewList("catalogue",
			tree.NewText("id", "beta"),
			tree.NewText("uri", "http://beta.example/"),
			tree.NewText("filter_dist", "harmattan"),
		),
	)
	writeFragment(t, pkgDir, "beta.xexp", frag)

	entries, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 (filtered out)", len(entries))
	}
}

func TestUserDisablesPackageEntry(t *testing.T) {
	m, pkgDir, etcDir := newModel(t, "fremantle")
	frag := tree.NewList("catalogues",
		tree.NewList("catalogue",
			tree.NewText("id", "main"),
			tree.NewText("uri", "http://repo.example/"),
		),
	)
	writeFragment(t, pkgDir, "example.xexp", frag)

	user := tree.NewList("catalogues",
		tree.NewList("catalogue",
			tree.NewText("file", "example"),
			tree.NewText("id", "main"),
			tree.NewFlag("disabled"),
		),
	)
	writeFragment(t, etcDir, "catalogues", user)

	entries, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].RefBool("disabled") {
		t.Fatalf("entries = %+v, want single disabled entry", entries)
	}
}

func TestWriteUserCataloguesOnlyPersistsChanges(t *testing.T) {
	m, pkgDir, etcDir := newModel(t, "fremantle")
	frag := tree.NewList("catalogues",
		tree.NewList("catalogue",
			tree.NewText("id", "main"),
			tree.NewText("uri", "http://repo.example/"),
		),
	)
	writeFragment(t, pkgDir, "example.xexp", frag)

	entries, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	// Flip disabled on the package entry and add a fresh user-defined one.
	entries[0].SetFlag("disabled", true)
	userDefined := tree.NewList("catalogue",
		tree.NewText("uri", "http://custom.example/"),
		tree.NewText("dist", "fremantle"),
	)
	entries = append(entries, userDefined)

	if err := m.WriteUserCatalogues(entries); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(filepath.Join(etcDir, "catalogues"))
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.Unmarshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Children) != 2 {
		t.Fatalf("persisted %d entries, want 2 (disabled stub + user-defined)", len(root.Children))
	}
}

func TestWriteSourcesListFormatsLines(t *testing.T) {
	m, _, etcDir := newModel(t, "fremantle")
	entries := []*tree.Node{
		tree.NewList("catalogue",
			tree.NewText("uri", "http://repo.example/"),
			tree.NewText("dist", "fremantle"),
			tree.NewText("components", "free non-free"),
		),
		tree.NewList("catalogue",
			tree.NewText("uri", "http://nodist.example/"),
		),
		tree.NewList("catalogue",
			tree.NewText("uri", "http://disabled.example/"),
			tree.NewFlag("disabled"),
		),
	}
	if err := m.WriteSourcesList(entries); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(filepath.Join(etcDir, "mdpm.list"))
	if err != nil {
		t.Fatal(err)
	}
	want := "deb http://repo.example/ fremantle free non-free\n" +
		"deb http://nodist.example/ / \n"
	if string(out) != want {
		t.Errorf("sources.list = %q, want %q", out, want)
	}
}

func TestEqualPackageSuppliedCaseInsensitive(t *testing.T) {
	a := tree.NewList("catalogue", tree.NewText("file", "Example"), tree.NewText("id", "Main"))
	b := tree.NewList("catalogue", tree.NewText("file", "example"), tree.NewText("id", "main"))
	if !Equal(a, b) {
		t.Error("Equal() = false, want true for case-insensitive file+id match")
	}
}

func TestEqualUserDefinedNormalizesURI(t *testing.T) {
	a := tree.NewList("catalogue", tree.NewText("uri", "http://example/repo/"), tree.NewText("dist", "fremantle"))
	b := tree.NewList("catalogue", tree.NewText("uri", "http://example/repo"), tree.NewText("dist", "fremantle"))
	if !Equal(a, b) {
		t.Error("Equal() = false, want true ignoring trailing slash on uri")
	}
}
