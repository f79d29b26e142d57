package system

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"anima/internal/logging"
)

// DefaultShutdownTimeout bounds the entire teardown when the config
// does not say otherwise.
const DefaultShutdownTimeout = 30 * time.Second

type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHandler runs registered teardown hooks in reverse
// registration order, bounds the whole teardown by a total timeout,
// and maps the triggering signal to a conventional exit code.
//
// Hooks are registered during boot in dependency order (stores first,
// servers last), so the reverse run tears the outermost layer down
// first and closes the stores last.
type ShutdownHandler struct {
	mu       sync.Mutex
	hooks    []shutdownHook
	total    time.Duration
	sigCh    chan os.Signal
	received os.Signal
	reason   string
	stopping atomic.Bool
	once     sync.Once
	done     chan struct{}

	now func() time.Time
}

// NewShutdownHandler creates a handler with the given total teardown
// budget. Non-positive totals fall back to DefaultShutdownTimeout.
func NewShutdownHandler(total time.Duration) *ShutdownHandler {
	if total <= 0 {
		total = DefaultShutdownTimeout
	}
	return &ShutdownHandler{
		total: total,
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// Register appends a named teardown hook. Hooks registered while a
// shutdown is already running are dropped.
func (h *ShutdownHandler) Register(name string, fn func(context.Context) error) {
	if h.stopping.Load() {
		logging.BootWarn("Shutdown hook %q registered during teardown, ignoring", name)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, shutdownHook{name: name, fn: fn})
}

// Arm installs the SIGINT/SIGTERM handler. The first signal triggers a
// full Shutdown; the watcher exits once teardown completes, whether it
// was started by a signal or programmatically.
func (h *ShutdownHandler) Arm() {
	h.mu.Lock()
	if h.sigCh != nil {
		h.mu.Unlock()
		return
	}
	h.sigCh = make(chan os.Signal, 1)
	sigCh := h.sigCh
	h.mu.Unlock()

	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			h.mu.Lock()
			h.received = sig
			h.mu.Unlock()
			logging.BootWarn("Received %v, shutting down", sig)
			h.Shutdown(sig.String())
		case <-h.done:
		}
	}()
}

// Shutdown runs every registered hook in reverse order, each bounded
// by what remains of the total budget. A hook that outlives its
// context is logged and abandoned so the rest still get their turn.
// Safe to call more than once; only the first call does the work.
func (h *ShutdownHandler) Shutdown(reason string) {
	h.once.Do(func() {
		h.stopping.Store(true)
		h.mu.Lock()
		h.reason = reason
		hooks := make([]shutdownHook, len(h.hooks))
		copy(hooks, h.hooks)
		h.mu.Unlock()

		logging.BootDebug("Shutdown started (%s), %d hooks, budget %v", reason, len(hooks), h.total)
		deadline := h.now().Add(h.total)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		for i := len(hooks) - 1; i >= 0; i-- {
			h.runHook(ctx, hooks[i])
		}
		close(h.done)
	})
}

func (h *ShutdownHandler) runHook(ctx context.Context, hook shutdownHook) {
	if ctx.Err() != nil {
		logging.BootError("Shutdown hook %q skipped, total budget exhausted", hook.name)
		return
	}

	start := h.now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.fn(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logging.BootError("Shutdown hook %q failed after %v: %v", hook.name, h.now().Sub(start), err)
			return
		}
		logging.BootDebug("Shutdown hook %q done in %v", hook.name, h.now().Sub(start))
	case <-ctx.Done():
		logging.BootError("Shutdown hook %q still running after %v, abandoning", hook.name, h.now().Sub(start))
	}
}

// Done is closed once every hook has run or been abandoned.
func (h *ShutdownHandler) Done() <-chan struct{} {
	return h.done
}

// Stopping reports whether a shutdown has begun. Tick loops check this
// to stop scheduling new work.
func (h *ShutdownHandler) Stopping() bool {
	return h.stopping.Load()
}

// Signal returns the OS signal that triggered the shutdown, or nil if
// it was started programmatically.
func (h *ShutdownHandler) Signal() os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

// Reason returns the shutdown reason, or "" before shutdown begins.
func (h *ShutdownHandler) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// ExitCode maps the shutdown trigger to the conventional process exit
// code: 130 for SIGINT, 143 for SIGTERM, 0 otherwise.
func (h *ShutdownHandler) ExitCode() int {
	switch h.Signal() {
	case syscall.SIGINT:
		return 130
	case syscall.SIGTERM:
		return 143
	default:
		return 0
	}
}
