package timer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type localEntry struct {
	key   string
	timer *time.Timer
}

// Local keeps timers in process memory with time.AfterFunc. Handles do not
// survive a restart; the reconciler re-arms tasks on startup.
type Local struct {
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	handler Handler
	entries map[string]*localEntry
	stopped bool
	wg      sync.WaitGroup
}

// NewLocal creates an in-process timer
func NewLocal(logger *zap.Logger) *Local {
	return &Local{
		logger:  logger.Named("timer"),
		ctx:     context.Background(),
		entries: make(map[string]*localEntry),
	}
}

// Start sets the handler that due timers dispatch to
func (l *Local) Start(ctx context.Context, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx = ctx
	l.handler = handler
	l.logger.Info("Started local timer")
	return nil
}

// Schedule registers a wake-up at the given instant. Past instants fire
// immediately. Reusing a pending handle replaces its wake-up.
func (l *Local) Schedule(ctx context.Context, handle string, at time.Time, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrStopped
	}
	if old, ok := l.entries[handle]; ok {
		old.timer.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	entry := &localEntry{key: key}
	entry.timer = time.AfterFunc(delay, func() { l.fire(handle, entry) })
	l.entries[handle] = entry

	l.logger.Debug("Scheduled timer",
		zap.String("handle", handle),
		zap.String("key", key),
		zap.Time("at", at))
	return nil
}

func (l *Local) fire(handle string, entry *localEntry) {
	l.mu.Lock()
	current, ok := l.entries[handle]
	if !ok || current != entry || l.stopped {
		// cancelled or replaced after the runtime already queued the callback
		l.mu.Unlock()
		return
	}
	delete(l.entries, handle)
	handler := l.handler
	ctx := l.ctx
	l.wg.Add(1)
	l.mu.Unlock()

	defer l.wg.Done()
	if handler == nil {
		l.logger.Warn("Timer fired without a handler", zap.String("handle", handle), zap.String("key", entry.key))
		return
	}
	handler(ctx, entry.key, handle)
}

// Cancel stops a pending timer. Unknown or fired handles are ignored.
func (l *Local) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[handle]; ok {
		entry.timer.Stop()
		delete(l.entries, handle)
		l.logger.Debug("Cancelled timer", zap.String("handle", handle))
	}
	return nil
}

// Pending reports whether the handle is still waiting to fire
func (l *Local) Pending(ctx context.Context, handle string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[handle]
	return ok, nil
}

// Stop cancels every pending timer and waits for running handlers
func (l *Local) Stop() {
	l.mu.Lock()
	l.stopped = true
	for handle, entry := range l.entries {
		entry.timer.Stop()
		delete(l.entries, handle)
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("Stopped local timer")
}
