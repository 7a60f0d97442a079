package plan

import "github.com/distr1/mdpm/internal/pkgdb"

func pkgFixture(section string) pkgdb.Package {
	return pkgdb.Package{Name: "fixture", Section: section}
}
