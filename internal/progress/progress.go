// Package progress implements the two progress reporters the worker
// installs into the package library during long operations (spec §4.7,
// component C7): the update (cache rebuild) reporter and the download
// reporter, both rate-limited and both writing status frames.
//
// Grounded on spec §4.7's prose (apt-worker.cc's reporters are C++
// callback subclasses of AcqStatus, not transliterated). The status
// frames produced here are rendered by cmd/mdpmctl using the teacher's
// terminal-gated status-line pattern (mattn/go-isatty) plus
// dustin/go-humanize for byte counts.
package progress

import (
	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/wire"
)

// Reporter emits rate-limited status frames for one operation kind (spec
// §4.7 "Rate-limiting rule").
type Reporter struct {
	worker *transport.WorkerSide
	op     mdpm.OperationKind
	minChange int32

	haveLast   bool
	lastAlready int32
	lastTotal   int32
	lastOp      mdpm.OperationKind
}

// NewUpdateReporter returns the cache-rebuild reporter, rate-limited to
// 5-unit percentage increments (spec §4.7 "Update reporter").
func NewUpdateReporter(w *transport.WorkerSide) *Reporter {
	return &Reporter{worker: w, op: mdpm.OpGeneral, minChange: 5}
}

// NewDownloadReporter returns the archive-fetch reporter, rate-limited to
// 1000-byte increments (spec §4.7 "Download reporter").
func NewDownloadReporter(w *transport.WorkerSide) *Reporter {
	return &Reporter{worker: w, op: mdpm.OpDownloading, minChange: 1000}
}

// Pulse reports progress (already, total) against the rate-limiting rule
// shared by both reporters (spec §4.7): emit iff already == −1, or
// already < last_already, or already >= last_already + min_change, or
// total != last_total, or op != last_op. For the download reporter, it
// also polls the cancel pipe and returns true if an abort was requested.
func (r *Reporter) Pulse(already, total int32) (abortRequested bool) {
	emit := !r.haveLast ||
		already == -1 ||
		already < r.lastAlready ||
		already >= r.lastAlready+r.minChange ||
		total != r.lastTotal ||
		r.op != r.lastOp

	if emit {
		r.worker.SendStatus(wire.StatusPayload{Op: r.op, Already: already, Total: total})
		r.haveLast = true
		r.lastAlready = already
		r.lastTotal = total
		r.lastOp = r.op
	}

	if r.op == mdpm.OpDownloading {
		return r.worker.PollCancel()
	}
	return false
}
