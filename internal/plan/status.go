package plan

import (
	"context"

	"github.com/distr1/mdpm/internal/pkgdb"
)

// InstallableStatusOf classifies whether pkgName can be installed (spec
// §4.5 "Derived queries") from apt's candidate lookup and an install
// simulation: Corrupted if the candidate lookup fails, NotFound if there
// is no candidate, Missing if the simulation fails, Conflicting if it
// reports broken packages, and Able otherwise. It does not run the
// no-surprises planner and does not tell which dependency broke first.
func (pl *Planner) InstallableStatusOf(ctx context.Context, pkgName string) (InstallableStatus, error) {
	_, candidateOK, err := pl.ctrl.DB().Candidate(ctx, pkgName)
	if err != nil {
		return Corrupted, err
	}
	if !candidateOK {
		return NotFound, nil
	}
	sim, err := pl.ctrl.DB().Simulate(ctx, "install", []string{pkgName})
	if err != nil {
		return Missing, nil
	}
	if sim.Broken > 0 {
		return Conflicting, nil
	}
	if pkgName == MagicSys {
		return Able, nil
	}
	return Able, nil
}

// RemovableStatusOf classifies whether pkgName can be removed without
// surprises (spec §4.5 "Derived queries").
func (pl *Planner) RemovableStatusOf(ctx context.Context, pkgName string) (RemovableStatus, error) {
	if !pl.isInstalled(ctx, pkgName) {
		return Unable, nil
	}
	p := newPlan()
	needed, err := pl.packageIsNeeded(ctx, pkgName, p)
	if err != nil {
		return Unable, err
	}
	if needed {
		return Needed, nil
	}
	return RemovalAble, nil
}

// UserSizeDelta computes install-user-size-delta or remove-user-size-delta
// (spec §4.5): the signed installed-size change, measured against
// user-section packages only.
func (pl *Planner) UserSizeDelta(ctx context.Context, p *Plan) (int64, error) {
	installed, err := pl.ctrl.DB().Installed(ctx)
	if err != nil {
		return 0, err
	}
	var delta int64
	for _, name := range p.Install {
		rec, alreadyInstalled := installed[name]
		if alreadyInstalled && !isUserSectionPkg(rec) {
			continue
		}
		// A package not yet installed has no InstalledSize on record; a
		// precise pre-install figure requires the --print-uris based
		// DownloadSize path instead (apt does not expose candidate
		// installed-size without linking libapt-pkg directly).
		delta += rec.InstalledSize
	}
	for _, name := range p.Remove {
		rec, ok := installed[name]
		if !ok || !isUserSectionPkg(rec) {
			continue
		}
		delta -= rec.InstalledSize
	}
	return delta, nil
}

func isUserSectionPkg(p pkgdb.Package) bool {
	return p.Section == "user" || p.Section == "user/hidden"
}

// DownloadSize computes the download-size derived query by asking apt to
// simulate the transaction (spec §4.5 "download-size").
func (pl *Planner) DownloadSize(ctx context.Context, verb string, names []string) (int64, error) {
	sim, err := pl.ctrl.DB().Simulate(ctx, verb, names)
	if err != nil {
		return 0, err
	}
	return sim.DownloadSize, nil
}
