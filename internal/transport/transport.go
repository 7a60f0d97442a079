// Package transport implements the four-named-pipe channel between the UI
// and the worker (spec §4.2, component C2): request/response/status/cancel,
// the startup handshake, and the blocking/non-blocking read split.
//
// Grounded on spec §4.2 directly; no original_source equivalent exists to
// transliterate (the Hildon UI and worker share a process-spawn/pipe-open
// dance written in C, not idiomatic to carry over verbatim). The FIFO
// creation itself is stdlib-only (syscall.Mkfifo): nothing in the example
// pack wraps named pipes, and a message broker (grpc, the teacher's other
// dropped transports) does not fit a raw byte-stream protocol mandated
// by spec §4.2.
package transport

import (
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/wire"
)

// Paths names the four FIFO pathnames passed to the worker on its command
// line (spec §6 "Worker CLI").
type Paths struct {
	Request  string
	Response string
	Status   string
	Cancel   string
}

// CreateFIFOs creates all four named pipes ahead of spawning the worker
// (spec §4.2 "Startup handshake": "the UI creates all four named pipes").
func CreateFIFOs(p Paths) error {
	for _, path := range []string{p.Request, p.Response, p.Status, p.Cancel} {
		if err := syscall.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
			return xerrors.Errorf("creating fifo %s: %w", path, err)
		}
	}
	return nil
}

// RemoveFIFOs unlinks all four pathnames; the pipes remain live via
// already-open descriptors (spec §4.2: "the UI ... unlinks all four
// pathnames from the filesystem; the pipes remain live via their open
// descriptors").
func RemoveFIFOs(p Paths) {
	for _, path := range []string{p.Request, p.Response, p.Status, p.Cancel} {
		os.Remove(path)
	}
}

// UISide is the UI's end of the four pipes, opened per the handshake in
// spec §4.2.
type UISide struct {
	Response *os.File
	Status   *os.File
	Request  *os.File
	Cancel   *os.File
}

// OpenUISide performs the UI half of the startup handshake: opens
// response/status for (blocking, since Go has no portable non-blocking
// FIFO open without O_NONBLOCK semantics differing across platforms) read
// first, waits for the worker's readiness status frame, then opens
// request/cancel for write and unlinks all four paths.
func OpenUISide(p Paths) (*UISide, error) {
	resp, err := os.OpenFile(p.Response, os.O_RDONLY, 0)
	if err != nil {
		return nil, xerrors.Errorf("opening response pipe: %w", err)
	}
	status, err := os.OpenFile(p.Status, os.O_RDONLY, 0)
	if err != nil {
		resp.Close()
		return nil, xerrors.Errorf("opening status pipe: %w", err)
	}

	if _, _, err := wire.ReadFrame(status); err != nil {
		resp.Close()
		status.Close()
		return nil, xerrors.Errorf("waiting for worker readiness frame: %w", err)
	}

	req, err := os.OpenFile(p.Request, os.O_WRONLY, 0)
	if err != nil {
		resp.Close()
		status.Close()
		return nil, xerrors.Errorf("opening request pipe: %w", err)
	}
	cancel, err := os.OpenFile(p.Cancel, os.O_WRONLY, 0)
	if err != nil {
		resp.Close()
		status.Close()
		req.Close()
		return nil, xerrors.Errorf("opening cancel pipe: %w", err)
	}

	RemoveFIFOs(p)
	return &UISide{Response: resp, Status: status, Request: req, Cancel: cancel}, nil
}

// Close closes every descriptor held by u.
func (u *UISide) Close() {
	u.Response.Close()
	u.Status.Close()
	u.Request.Close()
	u.Cancel.Close()
}

// Cancel writes the one-byte, idempotent cancellation signal (spec §4.2,
// §5 "Cancellation"). The byte value is irrelevant.
func (u *UISide) Cancel() error {
	_, err := u.Cancel.Write([]byte{0})
	return err
}

// WorkerSide is the worker's end of the four pipes.
type WorkerSide struct {
	Request  *os.File
	Response *os.File
	Status   *os.File
	Cancel   *os.File
}

// OpenWorkerSide performs the worker half of the handshake: opens
// response/status for write (blocks until the UI opens its read ends),
// opens request/cancel for read, then emits the readiness status frame
// (spec §4.2).
func OpenWorkerSide(p Paths) (*WorkerSide, error) {
	resp, err := os.OpenFile(p.Response, os.O_WRONLY, 0)
	if err != nil {
		return nil, xerrors.Errorf("opening response pipe: %w", err)
	}
	status, err := os.OpenFile(p.Status, os.O_WRONLY, 0)
	if err != nil {
		resp.Close()
		return nil, xerrors.Errorf("opening status pipe: %w", err)
	}

	w := &WorkerSide{Response: resp, Status: status}
	if err := w.SendReadyStatus(); err != nil {
		resp.Close()
		status.Close()
		return nil, err
	}

	// The UI only opens request/cancel for write after observing the
	// readiness frame above, so these blocking opens complete next.
	req, err := os.OpenFile(p.Request, os.O_RDONLY, 0)
	if err != nil {
		resp.Close()
		status.Close()
		return nil, xerrors.Errorf("opening request pipe: %w", err)
	}
	cancel, err := os.OpenFile(p.Cancel, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		resp.Close()
		status.Close()
		req.Close()
		return nil, xerrors.Errorf("opening cancel pipe: %w", err)
	}
	w.Request = req
	w.Cancel = cancel
	return w, nil
}

// Close closes every descriptor held by w.
func (w *WorkerSide) Close() {
	w.Request.Close()
	w.Response.Close()
	w.Status.Close()
	w.Cancel.Close()
}

// SendReadyStatus emits the single readiness status frame
// (op=general, already=0, total=0) the handshake requires.
func (w *WorkerSide) SendReadyStatus() error {
	return w.SendStatus(wire.StatusPayload{Op: mdpm.OpGeneral})
}

// SendStatus writes a status frame to the status pipe. Spec §3/§6 require
// a status frame to satisfy cmd = STATUS ∧ seq = −1.
func (w *WorkerSide) SendStatus(p wire.StatusPayload) error {
	return wire.WriteFrame(w.Status, mdpm.CmdStatus, wire.StatusSeq, wire.EncodeStatusPayload(p))
}

// DrainCancel drains any bytes currently buffered on the cancel pipe,
// reporting whether at least one byte was seen (spec §4.2: "the worker
// drains the pipe at the start of every request"; §4.6 step 4).
func (w *WorkerSide) DrainCancel() bool {
	var buf [64]byte
	seen := false
	for {
		// A short read deadline makes Read return once the pipe is empty
		// instead of waiting for the UI to write.
		w.Cancel.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := w.Cancel.Read(buf[:])
		if n > 0 {
			seen = true
		}
		if err != nil || n < len(buf) {
			break
		}
	}
	return seen
}

// PollCancel is DrainCancel's single-poll variant used inside long-running
// operations (spec §4.7 "Download reporter").
func (w *WorkerSide) PollCancel() bool {
	var b [1]byte
	w.Cancel.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := w.Cancel.Read(b[:])
	return n > 0 && (err == nil || err == io.EOF)
}
