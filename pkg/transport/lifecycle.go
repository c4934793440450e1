package transport

import (
	"io"
	"sync"

	"github.com/pion/logging"
)

// lifecycle is the start-once, stop-once state shared by UDP and Manager.
type lifecycle struct {
	mu      sync.RWMutex
	started bool
	closed  bool
}

// start marks the component started. It fails after stop or on a second call.
func (l *lifecycle) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return ErrClosed
	case l.started:
		return ErrAlreadyStarted
	}
	l.started = true
	return nil
}

// stop marks the component closed. Only the first call succeeds.
func (l *lifecycle) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return nil
}

func (l *lifecycle) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// newLogger scopes a logger. A nil factory yields a silent one.
func newLogger(f logging.LoggerFactory, scope string) logging.LeveledLogger {
	if f == nil {
		return logging.NewDefaultLeveledLoggerForScope(scope, logging.LogLevelDisabled, io.Discard)
	}
	return f.NewLogger(scope)
}
