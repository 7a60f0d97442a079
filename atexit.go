package mdpm

import (
	"sync"
	"sync/atomic"
)

// deferredActions holds actions requested by a request handler that must
// run only after the handler's response has been written (e.g. "ask the UI
// to offer a reboot"). Adapted from distri's RegisterAtExit/RunAtExit,
// which deferred post-install system hooks (sysusers, initramfs
// regeneration) until after the install transaction committed.
var deferredActions struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterDeferred queues fn to run the next time RunDeferred is called.
// Handlers use this to request actions (reboot prompts, close-apps
// notifications) without performing them inline.
func RegisterDeferred(fn func() error) {
	if atomic.LoadUint32(&deferredActions.closed) != 0 {
		panic("BUG: RegisterDeferred must not be called from a deferred func")
	}
	deferredActions.Lock()
	defer deferredActions.Unlock()
	deferredActions.fns = append(deferredActions.fns, fn)
}

// RunDeferred runs and clears every registered deferred action, in
// registration order, stopping at the first error.
func RunDeferred() error {
	deferredActions.Lock()
	fns := deferredActions.fns
	deferredActions.fns = nil
	deferredActions.Unlock()

	atomic.StoreUint32(&deferredActions.closed, 1)
	defer atomic.StoreUint32(&deferredActions.closed, 0)
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
