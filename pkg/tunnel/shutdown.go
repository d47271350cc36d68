package tunnel

import "sync"

// OnceShutdownHandler is implemented by an object managed by a
// ShutdownHelper. HandleOnceShutdown is invoked exactly once, in its own
// goroutine, to perform the actual teardown.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// ShutdownHelper gives an object idempotent, race-free asynchronous
// shutdown: StartShutdown/Close may be called any number of times, from any
// goroutine, but HandleOnceShutdown runs exactly once and WaitShutdown
// always observes its result. This makes close() idempotent and turns
// "Closed" into a true terminal state that every other call becomes a
// no-op against.
//
// Trimmed to the pause/activate-free subset a Proxy needs: it is always
// constructed already "activated", so activation and pause-count
// machinery are dropped.
type ShutdownHelper struct {
	Logger

	lock            sync.Mutex
	handler         OnceShutdownHandler
	startedShutdown bool
	doneShutdown    bool
	shutdownErr     error
	doneChan        chan struct{}
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.doneChan = make(chan struct{})
}

// IsStartedShutdown returns true once shutdown has begun.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.startedShutdown
}

// IsDoneShutdown returns true once shutdown has completed.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.doneShutdown
}

// ShutdownDoneChan returns a channel that is closed once shutdown completes.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// StartShutdown schedules shutdown if it has not already started. Safe to
// call any number of times and from any goroutine; only the first call has
// an effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.lock.Lock()
	if h.startedShutdown {
		h.lock.Unlock()
		return
	}
	h.startedShutdown = true
	h.shutdownErr = completionErr
	h.lock.Unlock()

	go func() {
		err := h.handler.HandleOnceShutdown(completionErr)
		h.lock.Lock()
		h.shutdownErr = err
		h.doneShutdown = true
		h.lock.Unlock()
		close(h.doneChan)
	}()
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion status. It does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.shutdownErr
}

// Close starts shutdown (if not already started) and waits for it to
// complete. Idempotent: every call after the first observes the same
// result without re-running HandleOnceShutdown.
func (h *ShutdownHelper) Close() error {
	h.StartShutdown(nil)
	return h.WaitShutdown()
}
