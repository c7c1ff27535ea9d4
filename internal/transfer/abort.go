package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/rescale/shardlink/internal/cloud/storage"
)

// AbortController is the single cancellation token of one transfer.
// Every stage of the transfer watches Context(); cleanups registered with
// OnAbort run exactly once, in reverse registration order, when the
// transfer is aborted or its parent context ends.
type AbortController struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	cleanups []func()
	done     bool
	released bool
	unhook   func() bool
}

// NewAbortController derives a controller from parent.
func NewAbortController(parent context.Context) *AbortController {
	ctx, cancel := context.WithCancelCause(parent)
	a := &AbortController{ctx: ctx, cancel: cancel}
	a.unhook = context.AfterFunc(ctx, a.runCleanups)
	return a
}

// Context returns the context that is cancelled on abort.
func (a *AbortController) Context() context.Context {
	return a.ctx
}

// Abort cancels the transfer. reason defaults to ErrAbortedByUser.
func (a *AbortController) Abort(reason error) {
	if reason == nil {
		reason = storage.ErrAbortedByUser
	}
	a.cancel(reason)
}

// Aborted reports whether the transfer has been aborted.
func (a *AbortController) Aborted() bool {
	return a.Err() != nil
}

// Err returns nil while the transfer is live. After an abort it returns the
// abort reason; parent cancellation is reported as ErrAbortedByUser.
func (a *AbortController) Err() error {
	a.mu.Lock()
	released := a.released
	a.mu.Unlock()
	if released || a.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(a.ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return storage.ErrAbortedByUser
	}
	return cause
}

// OnAbort registers fn to run on abort. If the transfer is already aborted
// fn runs immediately.
func (a *AbortController) OnAbort(fn func()) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		fn()
		return
	}
	a.cleanups = append(a.cleanups, fn)
	a.mu.Unlock()
}

// Release detaches the controller once the transfer finished normally.
// Registered cleanups are discarded without running and the controller no
// longer reports an abort.
func (a *AbortController) Release() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	a.released = true
	a.cleanups = nil
	a.mu.Unlock()
	a.unhook()
	a.cancel(nil)
}

func (a *AbortController) runCleanups() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	cleanups := a.cleanups
	a.cleanups = nil
	a.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}
