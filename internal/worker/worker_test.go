package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/plan"
	"github.com/distr1/mdpm/internal/progress"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/wire"
)

func TestParseOptions(t *testing.T) {
	cases := []struct {
		in   string
		want Options
	}{
		{"", Options{}},
		{"B", Options{BreakLocks: true}},
		{"BD", Options{BreakLocks: true, IgnoreWrongDomains: true}},
		{"BDA", Options{BreakLocks: true, IgnoreWrongDomains: true, UseAptAlgorithms: true}},
	}
	for _, c := range cases {
		if got := ParseOptions(c.in); got != c.want {
			t.Errorf("ParseOptions(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestSummaryTreeRoundTrip(t *testing.T) {
	s := Summary{
		Name:             "hello",
		Broken:           true,
		HasInstalled:     true,
		InstalledVersion: "2.10-2",
		InstalledSize:    1234,
		InstalledSection: "user",
		HasAvailable:     true,
		AvailableVersion: "2.10-3",
		AvailableSection: "user",
		Flags:            mdpm.FlagSuggestBackup | mdpm.FlagReboot,
	}
	got := summaryFromTree(s.toTree())
	if got != s {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}
}

func TestSumKind(t *testing.T) {
	if got, want := sumKind(mdpm.SumInstalling), "1"; got != want {
		t.Errorf("sumKind(SumInstalling) = %q, want %q", got, want)
	}
}

func TestToAbleStatus(t *testing.T) {
	cases := []struct {
		in   plan.RemovableStatus
		want mdpm.AbleStatus
	}{
		{plan.RemovalAble, mdpm.StatusAble},
		{plan.Needed, mdpm.StatusNeeded},
		{plan.RemovalSystemUpdateUnremovable, mdpm.StatusSystemUpdateUnremovable},
		{plan.Unable, mdpm.StatusUnable},
	}
	for _, c := range cases {
		if got := toAbleStatus(c.in); got != c.want {
			t.Errorf("toAbleStatus(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTranslateLibraryError(t *testing.T) {
	cases := []struct {
		err  error
		want mdpm.ResultCode
	}{
		{nil, mdpm.ResultSuccess},
		{errors.New("E: You don't have enough free space. No space left on device"), mdpm.ResultOutOfSpace},
		{errors.New("Failed to fetch http://example/pkg.deb"), mdpm.ResultDownloadFailed},
		{errors.New("E: Unable to locate package frobnicate"), mdpm.ResultPackagesNotFound},
		{errors.New("dpkg: some other error"), mdpm.ResultFailure},
	}
	for _, c := range cases {
		if got := translateLibraryError(c.err); got != c.want {
			t.Errorf("translateLibraryError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestBoolInt(t *testing.T) {
	if boolInt(true) != 1 || boolInt(false) != 0 {
		t.Errorf("boolInt mismatch")
	}
}

// pipeWorkerSide builds a WorkerSide backed by real pipes, with Request
// left nil since runCancellable never touches it.
func pipeWorkerSide(t *testing.T) (*transport.WorkerSide, func()) {
	t.Helper()
	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	cancelR, cancelW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	w := &transport.WorkerSide{Status: statusW, Cancel: cancelR}
	cleanup := func() {
		statusR.Close()
		statusW.Close()
		cancelR.Close()
		cancelW.Close()
	}
	// Pre-seed one cancel byte. runCancellable's completion path calls
	// Pulse once and ignores its abort result, so the byte does not change
	// the outcome of a call that finishes before the first tick.
	if _, err := cancelW.Write([]byte{0}); err != nil {
		t.Fatalf("seeding cancel pipe: %v", err)
	}
	// Drain status frames in the background so SendStatus never blocks.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := statusR.Read(buf); err != nil {
				return
			}
		}
	}()
	return w, cleanup
}

func TestRunCancellableCompletesWithError(t *testing.T) {
	w, cleanup := pipeWorkerSide(t)
	defer cleanup()
	reporter := progress.NewDownloadReporter(w)

	wantErr := errors.New("boom")
	cancelled, err := runCancellable(context.Background(), reporter, func(ctx context.Context) error {
		return wantErr
	})
	if cancelled {
		t.Error("cancelled = true, want false")
	}
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestRunCancellableObservesCancel(t *testing.T) {
	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer statusR.Close()
	defer statusW.Close()
	cancelR, cancelW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer cancelR.Close()
	defer cancelW.Close()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := statusR.Read(buf); err != nil {
				return
			}
		}
	}()

	w := &transport.WorkerSide{Status: statusW, Cancel: cancelR}
	reporter := progress.NewDownloadReporter(w)

	if _, err := cancelW.Write([]byte{0}); err != nil {
		t.Fatalf("signalling cancel: %v", err)
	}

	blocked := make(chan struct{})
	cancelled, err := runCancellable(context.Background(), reporter, func(ctx context.Context) error {
		<-ctx.Done()
		close(blocked)
		return ctx.Err()
	})
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("fn was never cancelled")
	}
	if !cancelled {
		t.Error("cancelled = false, want true")
	}
	if err != nil {
		t.Errorf("err = %v, want nil on cancellation", err)
	}
}

func TestEncodeFailure(t *testing.T) {
	b := encodeFailure()
	d := wire.NewDecoder(b)
	if got := mdpm.ResultCode(d.DecodeInt32()); got != mdpm.ResultFailure {
		t.Errorf("encodeFailure decodes to %v, want ResultFailure", got)
	}
}

func TestEncodeLockFailure(t *testing.T) {
	b := encodeLockFailure(errors.New("locked"))
	d := wire.NewDecoder(b)
	if got := mdpm.ResultCode(d.DecodeInt32()); got != mdpm.ResultFailure {
		t.Errorf("encodeLockFailure result = %v, want ResultFailure", got)
	}
	if msg := d.DecodeStr(); msg == "" {
		t.Error("encodeLockFailure did not encode a message")
	}
}

// TestEncodeLockFailureUnwrapsEACCES reproduces the real caller chain
// (lockInstance wraps the syscall errno, EnsureOpen wraps that again) to
// make sure errors.Is still finds the EACCES underneath both wraps.
func TestEncodeLockFailureUnwrapsEACCES(t *testing.T) {
	wrapped := xerrors.Errorf("locking cache instance: %w",
		xerrors.Errorf("lock held by another process: %w", unix.EACCES))

	b := encodeLockFailure(wrapped)
	d := wire.NewDecoder(b)
	if got := mdpm.ResultCode(d.DecodeInt32()); got != mdpm.ResultFailure {
		t.Errorf("encodeLockFailure result = %v, want ResultFailure", got)
	}
	const want = "another process is using the administration directory"
	if msg := d.DecodeStr(); msg != want {
		t.Errorf("encodeLockFailure message = %q, want %q", msg, want)
	}
}

// TestEncodeLockFailureOtherErrorFallsBackToMustBeRoot ensures a
// non-EACCES/EAGAIN error still reports the "must be root" fallback.
func TestEncodeLockFailureOtherErrorFallsBackToMustBeRoot(t *testing.T) {
	b := encodeLockFailure(xerrors.Errorf("opening package database: %w", unix.ENOENT))
	d := wire.NewDecoder(b)
	_ = mdpm.ResultCode(d.DecodeInt32())
	const want = "must be root"
	if msg := d.DecodeStr(); msg != want {
		t.Errorf("encodeLockFailure message = %q, want %q", msg, want)
	}
}
