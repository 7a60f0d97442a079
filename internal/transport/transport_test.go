package transport

import (
	"path/filepath"
	"testing"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/wire"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	p := Paths{
		Request:  filepath.Join(dir, "request"),
		Response: filepath.Join(dir, "response"),
		Status:   filepath.Join(dir, "status"),
		Cancel:   filepath.Join(dir, "cancel"),
	}
	if err := CreateFIFOs(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	p := testPaths(t)

	workerCh := make(chan *WorkerSide, 1)
	workerErrCh := make(chan error, 1)
	go func() {
		w, err := OpenWorkerSide(p)
		if err != nil {
			workerErrCh <- err
			return
		}
		workerCh <- w
	}()

	ui, err := OpenUISide(p)
	if err != nil {
		t.Fatalf("OpenUISide: %v", err)
	}
	defer ui.Close()

	var worker *WorkerSide
	select {
	case err := <-workerErrCh:
		t.Fatalf("OpenWorkerSide: %v", err)
	case worker = <-workerCh:
	}
	defer worker.Close()

	if err := wire.WriteFrame(ui.Request, mdpm.CmdNoop, 1, nil); err != nil {
		t.Fatal(err)
	}
	h, _, err := wire.ReadFrame(worker.Request)
	if err != nil {
		t.Fatal(err)
	}
	if h.Cmd != mdpm.CmdNoop || h.Seq != 1 {
		t.Errorf("header = %+v, want Cmd=CmdNoop Seq=1", h)
	}

	if err := wire.WriteFrame(worker.Response, mdpm.CmdNoop, 1, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	rh, payload, err := wire.ReadFrame(ui.Response)
	if err != nil {
		t.Fatal(err)
	}
	if rh.Seq != 1 || string(payload) != "ok" {
		t.Errorf("response = %+v %q, want seq=1 payload=ok", rh, payload)
	}
}

// TestReadyStatusFrameShape asserts the handshake's readiness status frame
// satisfies spec §3/§6's "cmd = STATUS ∧ seq = −1" requirement for every
// status frame, not just the seq half of it.
func TestReadyStatusFrameShape(t *testing.T) {
	p := testPaths(t)

	workerCh := make(chan *WorkerSide, 1)
	workerErrCh := make(chan error, 1)
	go func() {
		w, err := OpenWorkerSide(p)
		if err != nil {
			workerErrCh <- err
			return
		}
		workerCh <- w
	}()

	ui, err := OpenUISide(p)
	if err != nil {
		t.Fatalf("OpenUISide: %v", err)
	}
	defer ui.Close()

	var worker *WorkerSide
	select {
	case err := <-workerErrCh:
		t.Fatalf("OpenWorkerSide: %v", err)
	case worker = <-workerCh:
	}
	defer worker.Close()

	h, _, err := wire.ReadFrame(ui.Status)
	if err != nil {
		t.Fatal(err)
	}
	if h.Cmd != mdpm.CmdStatus || h.Seq != wire.StatusSeq {
		t.Errorf("readiness status frame = %+v, want Cmd=CmdStatus Seq=%d", h, wire.StatusSeq)
	}
}

func TestCancelSignal(t *testing.T) {
	p := testPaths(t)
	workerCh := make(chan *WorkerSide, 1)
	go func() {
		w, err := OpenWorkerSide(p)
		if err == nil {
			workerCh <- w
		}
	}()
	ui, err := OpenUISide(p)
	if err != nil {
		t.Fatal(err)
	}
	defer ui.Close()
	worker := <-workerCh
	defer worker.Close()

	if err := ui.Cancel(); err != nil {
		t.Fatal(err)
	}
	if !worker.DrainCancel() {
		t.Error("DrainCancel() = false after UI sent a cancel byte")
	}
	if worker.DrainCancel() {
		t.Error("second DrainCancel() should see nothing new")
	}
}
