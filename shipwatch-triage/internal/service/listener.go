package service

import (
	"sync"

	"go.uber.org/zap"
)

// Listener registration handle; Close is safe to call more than once
type Listener struct {
	once   sync.Once
	remove func()
}

// Close unregisters the handler. A notification already being delivered may
// still reach it.
func (l *Listener) Close() {
	if l == nil {
		return
	}
	l.once.Do(l.remove)
}

// listenerSet fan-out to in-process handlers, called on the notifying goroutine
type listenerSet[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]func(T)
	name   string
	logger *zap.Logger
}

func newListenerSet[T any](name string, logger *zap.Logger) *listenerSet[T] {
	return &listenerSet[T]{fns: make(map[uint64]func(T)), name: name, logger: logger}
}

func (s *listenerSet[T]) add(fn func(T)) *Listener {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.fns[id] = fn
	s.mu.Unlock()

	return &Listener{remove: func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}}
}

func (s *listenerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fns)
}

// emit calls every handler; a panicking handler is logged and skipped
func (s *listenerSet[T]) emit(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.call(fn, v)
	}
}

func (s *listenerSet[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Listener panicked", zap.String("listener", s.name), zap.Any("panic", r))
		}
	}()
	fn(v)
}
