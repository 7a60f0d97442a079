package plan

import "testing"

func TestContains(t *testing.T) {
	xs := []string{"a", "b", "c"}
	if !contains(xs, "b") {
		t.Error("contains(xs, b) = false, want true")
	}
	if contains(xs, "z") {
		t.Error("contains(xs, z) = true, want false")
	}
}

func TestIsUserSectionPkg(t *testing.T) {
	if !isUserSectionPkg(pkgFixture("user")) {
		t.Error("section 'user' should be user-section")
	}
	if !isUserSectionPkg(pkgFixture("user/hidden")) {
		t.Error("section 'user/hidden' should be user-section")
	}
	if isUserSectionPkg(pkgFixture("libs")) {
		t.Error("section 'libs' should not be user-section")
	}
}

func TestNewPlanEmpty(t *testing.T) {
	p := newPlan()
	if len(p.Install) != 0 || len(p.Remove) != 0 || len(p.Related) != 0 {
		t.Errorf("newPlan() should start empty, got %+v", p)
	}
}
