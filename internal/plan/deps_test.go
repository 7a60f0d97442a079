package plan

import "testing"

func TestParseDependsSimpleClauses(t *testing.T) {
	out := `myapp
  Depends: libfoo
  Depends: libbar
  Conflicts: old-myapp
`
	clauses := parseDepends(out)
	want := []Clause{
		{Relation: "Depends", Targets: []string{"libfoo"}},
		{Relation: "Depends", Targets: []string{"libbar"}},
		{Relation: "Conflicts", Targets: []string{"old-myapp"}},
	}
	assertClausesEqual(t, clauses, want)
}

func TestParseDependsORGroup(t *testing.T) {
	out := `myapp
  Depends: libfoo-a
 |Depends: libfoo-b
 |Depends: libfoo-c
  Depends: libbar
`
	clauses := parseDepends(out)
	want := []Clause{
		{Relation: "Depends", Targets: []string{"libfoo-a", "libfoo-b", "libfoo-c"}},
		{Relation: "Depends", Targets: []string{"libbar"}},
	}
	assertClausesEqual(t, clauses, want)
}

func TestParseDependsStripsVersionConstraint(t *testing.T) {
	out := `myapp
  Depends: libfoo (>= 1.2.3)
`
	clauses := parseDepends(out)
	if len(clauses) != 1 || clauses[0].Targets[0] != "libfoo" {
		t.Fatalf("clauses = %+v, want a single libfoo target", clauses)
	}
}

func TestClauseImportantAndNegative(t *testing.T) {
	if !(Clause{Relation: "Depends"}).important() {
		t.Error("Depends should be important")
	}
	if !(Clause{Relation: "PreDepends"}).important() {
		t.Error("PreDepends should be important")
	}
	if (Clause{Relation: "Recommends"}).important() {
		t.Error("Recommends should not be important")
	}
	if !(Clause{Relation: "Conflicts"}).negative() {
		t.Error("Conflicts should be negative")
	}
	if !(Clause{Relation: "Obsoletes"}).negative() {
		t.Error("Obsoletes should be negative")
	}
	if (Clause{Relation: "Depends"}).negative() {
		t.Error("Depends should not be negative")
	}
}

func assertClausesEqual(t *testing.T, got, want []Clause) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len(clauses) = %d, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Relation != want[i].Relation {
			t.Errorf("clause %d relation = %q, want %q", i, got[i].Relation, want[i].Relation)
		}
		if len(got[i].Targets) != len(want[i].Targets) {
			t.Errorf("clause %d targets = %v, want %v", i, got[i].Targets, want[i].Targets)
			continue
		}
		for j := range want[i].Targets {
			if got[i].Targets[j] != want[i].Targets[j] {
				t.Errorf("clause %d target %d = %q, want %q", i, j, got[i].Targets[j], want[i].Targets[j])
			}
		}
	}
}
