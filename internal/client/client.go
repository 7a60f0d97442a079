// Package client implements the call queue the UI drives the worker
// through (spec §4.8, component C8): a FIFO with at-most-one active call,
// ordered completions, and worker-death propagation.
//
// Grounded on spec §4.8's state machine; the teacher has no analogous
// client/server call queue (distri is a build tool, not a client/daemon
// pair), so this borrows only the teacher's mutex-guarded-struct style
// seen throughout internal/batch/batch.go's Ctx.
package client

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/wire"
)

// Continuation is called exactly once per call, with a decoder over the
// response payload, or nil if the worker died or the connection closed
// before a matching response arrived (spec §4.8: "a null decoder").
type Continuation func(d *wire.Decoder)

// StatusFunc receives every status frame the worker emits.
type StatusFunc func(p wire.StatusPayload)

type call struct {
	cmd     mdpm.Command
	seq     int32
	payload []byte
	cont    Continuation
	cookie  interface{}
}

// Queue is the UI-side call queue. The zero value is not usable; use New.
type Queue struct {
	mu       sync.Mutex
	worker   *transport.WorkerSide
	ui       *transport.UISide
	pending  []*call
	active   *call
	nextSeq  int32
	ready    bool
	workerGone int32 // atomic bool

	logger     *log.Logger
	onStatus   StatusFunc
}

// New constructs a Queue bound to ui, the UI's side of the four pipes
// (spec §4.2). The queue starts in the not-ready state until MarkReady is
// called, matching the startup handshake ordering (spec §4.8 "Not-ready").
func New(ui *transport.UISide, logger *log.Logger, onStatus StatusFunc) *Queue {
	return &Queue{ui: ui, logger: logger, onStatus: onStatus}
}

// MarkReady transitions the queue out of the not-ready state and attempts
// to drain any calls enqueued during startup.
func (q *Queue) MarkReady() {
	q.mu.Lock()
	q.ready = true
	q.mu.Unlock()
	q.pump()
}

// Submit enqueues a call. If the queue is idle and ready, it is dispatched
// immediately; otherwise it waits in the FIFO (spec §4.8 "Not-ready",
// "Busy").
func (q *Queue) Submit(cmd mdpm.Command, payload []byte, cookie interface{}, cont Continuation) {
	q.mu.Lock()
	seq := q.nextSeq
	q.nextSeq++
	c := &call{cmd: cmd, seq: seq, payload: payload, cont: cont, cookie: cookie}
	q.pending = append(q.pending, c)
	q.mu.Unlock()
	q.pump()
}

// pump dispatches the head of the FIFO if the queue is idle and ready
// (spec §4.8 "Idle").
func (q *Queue) pump() {
	q.mu.Lock()
	if !q.ready || q.active != nil || len(q.pending) == 0 || atomic.LoadInt32(&q.workerGone) != 0 {
		q.mu.Unlock()
		return
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	q.active = c
	q.mu.Unlock()

	if err := wire.WriteFrame(q.ui.Request, c.cmd, c.seq, c.payload); err != nil {
		q.logger.Printf("writing request frame: %v", err)
		q.killWorker()
		return
	}
}

// Cancel writes the one-byte cancellation signal for the active call
// (spec §4.8 "Cancellation of the active operation").
func (q *Queue) Cancel() error {
	return q.ui.Cancel()
}

// ReadLoop reads response frames until the response pipe closes or
// errors, and status frames from the status pipe on a second goroutine,
// dispatching each to the active call's continuation or to the status
// callback (spec §4.8 "On arrival of a response frame").
// It is meant to run on its own goroutine for the lifetime of the UI.
func (q *Queue) ReadLoop() {
	go func() {
		for {
			h, payload, err := wire.ReadFrame(q.ui.Status)
			if err != nil {
				return
			}
			if p, err := wire.DecodeStatusPayload(payload); err != nil || h.Seq != wire.StatusSeq {
				q.logger.Printf("dropping malformed status frame: seq=%d err=%v", h.Seq, err)
			} else if q.onStatus != nil {
				q.onStatus(p)
			}
		}
	}()
	for {
		h, payload, err := wire.ReadFrame(q.ui.Response)
		if err != nil {
			q.killWorker()
			return
		}
		if h.Seq == wire.StatusSeq {
			p, err := wire.DecodeStatusPayload(payload)
			if err != nil {
				q.logger.Printf("decoding status frame: %v", err)
				continue
			}
			if q.onStatus != nil {
				q.onStatus(p)
			}
			continue
		}

		q.mu.Lock()
		active := q.active
		if active == nil || h.Seq != active.seq {
			q.mu.Unlock()
			q.logger.Printf("dropping out-of-order response: seq=%d cmd=%v", h.Seq, h.Cmd)
			continue
		}
		q.active = nil
		q.mu.Unlock()

		active.cont(wire.NewDecoder(payload))
		q.pump()
	}
}

// killWorker marks the worker gone and completes every pending and active
// call with a null decoder (spec §4.8 "Worker death").
func (q *Queue) killWorker() {
	if !atomic.CompareAndSwapInt32(&q.workerGone, 0, 1) {
		return
	}
	q.ui.Close()

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	active := q.active
	q.active = nil
	q.mu.Unlock()

	if active != nil {
		active.cont(nil)
	}
	for _, c := range pending {
		c.cont(nil)
	}
}

// WorkerGone reports whether the worker connection has been torn down.
func (q *Queue) WorkerGone() bool {
	return atomic.LoadInt32(&q.workerGone) != 0
}
