package progress

import (
	"testing"

	"github.com/distr1/mdpm"
)

func TestRateLimitRule(t *testing.T) {
	r := &Reporter{op: mdpm.OpGeneral, minChange: 5, haveLast: true, lastAlready: 10, lastTotal: 100, lastOp: mdpm.OpGeneral}

	cases := []struct {
		already, total int32
		wantEmit       bool
	}{
		{already: 11, total: 100, wantEmit: false},  // below min_change
		{already: 15, total: 100, wantEmit: true},   // exactly min_change away
		{already: 9, total: 100, wantEmit: true},    // decreased
		{already: 10, total: 50, wantEmit: true},    // total changed
		{already: -1, total: 100, wantEmit: true},   // sentinel always emits
	}
	for _, c := range cases {
		got := shouldEmit(r, c.already, c.total)
		if got != c.wantEmit {
			t.Errorf("shouldEmit(already=%d, total=%d) = %v, want %v", c.already, c.total, got, c.wantEmit)
		}
	}
}

// shouldEmit mirrors Reporter.Pulse's emit decision without touching the
// (nil in tests) worker side.
func shouldEmit(r *Reporter, already, total int32) bool {
	return !r.haveLast ||
		already == -1 ||
		already < r.lastAlready ||
		already >= r.lastAlready+r.minChange ||
		total != r.lastTotal ||
		r.op != r.lastOp
}
