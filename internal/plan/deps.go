package plan

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm/internal/pkgdb"
)

// Clause is one AND-ed dependency clause (e.g. one "Depends:" line in
// `apt-cache depends`), whose Targets are OR-alternatives: any one
// satisfies the clause (spec §4.5 "For each OR-group").
type Clause struct {
	Relation string // "Depends", "PreDepends", "Conflicts", "Obsoletes", "Breaks"
	Targets  []string
}

// important reports whether a relation participates in the no-surprises
// install walk (spec §4.5 step 3: "If the group is not considered
// important ... and P is already installed, skip").
func (c Clause) important() bool {
	return c.Relation == "Depends" || c.Relation == "PreDepends"
}

func (c Clause) negative() bool {
	return c.Relation == "Conflicts" || c.Relation == "Obsoletes" || c.Relation == "Breaks"
}

// depsOf runs `apt-cache depends` and parses its clause structure,
// grouping "|"-continued lines into one OR-group per clause.
func depsOf(ctx context.Context, cfg pkgdb.Config, pkg string) ([]Clause, error) {
	args := []string{
		"-o", "Dir::Cache=" + cfg.CacheDir,
		"-o", "Dir::State=" + cfg.StateDir,
		"-o", "Dir::Etc::sourcelist=" + cfg.SourcesList,
		"-o", "Dir::Etc::sourceparts=" + cfg.SourcesPartsDir,
		"depends", "--important", pkg,
	}
	cmd := exec.CommandContext(ctx, "apt-cache", args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("apt-cache depends %s: %w", pkg, err)
	}
	return parseDepends(string(out)), nil
}

// parseDepends parses `apt-cache depends --important` output. Within one
// OR-group, every alternative after the first is prefixed with "|"; the
// first (unprefixed) alternative opens the clause and each "|"-prefixed
// line that follows extends it, until a non-prefixed line opens the next
// clause.
func parseDepends(output string) []Clause {
	var clauses []Clause
	lastOpen := -1

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		continuation := strings.HasPrefix(strings.TrimLeft(line, " "), "|")
		trimmed = strings.TrimPrefix(trimmed, "|")
		rel, target, ok := splitRelation(trimmed)
		if !ok {
			continue // the package's own name header, or an unrecognized relation
		}
		if continuation && lastOpen >= 0 {
			clauses[lastOpen].Targets = append(clauses[lastOpen].Targets, target)
			continue
		}
		clauses = append(clauses, Clause{Relation: rel, Targets: []string{target}})
		lastOpen = len(clauses) - 1
	}
	return clauses
}

var knownRelations = []string{"PreDepends", "Depends", "Recommends", "Suggests", "Conflicts", "Obsoletes", "Breaks", "Replaces", "Enhances"}

func splitRelation(s string) (relation, target string, ok bool) {
	for _, rel := range knownRelations {
		prefix := rel + ": "
		if strings.HasPrefix(s, prefix) {
			target := strings.TrimSpace(strings.TrimPrefix(s, prefix))
			target = strings.TrimSuffix(target, ">")
			target = strings.TrimPrefix(target, "<")
			if i := strings.IndexByte(target, ' '); i >= 0 {
				target = target[:i] // drop a trailing "(>= 1.0)" version constraint
			}
			return rel, target, true
		}
	}
	return "", "", false
}
