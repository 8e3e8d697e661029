// Package supervisor runs named long-lived loops tied to a shared context.
//
// The context is the shutdown latch: cancellation is remembered, so a loop
// that starts (or begins waiting) after shutdown was requested observes it
// immediately instead of losing the wakeup. Stop signals and returns without
// joining; Wait offers a best-effort drain for callers that want one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type loop struct {
	name string
	run  func(ctx context.Context) error
}

type Supervisor struct {
	log zerolog.Logger

	mu      sync.Mutex
	loops   []loop
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active int64
}

func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log.With().Str("component", "supervisor").Logger()}
}

// Register adds a named loop body. Must be called before Start; late
// registrations are rejected rather than silently never run.
func (s *Supervisor) Register(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Error().Str("name", name).Msg("register after start ignored")
		return
	}
	s.loops = append(s.loops, loop{name: name, run: run})
}

// Start launches every registered loop as its own goroutine under a context
// derived from parent. Panics are recovered per loop so one bad loop cannot
// take the process down.
func (s *Supervisor) Start(parent context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(parent)
	loops := s.loops
	s.mu.Unlock()

	for _, l := range loops {
		l := l
		s.wg.Add(1)
		atomic.AddInt64(&s.active, 1)
		go func() {
			defer s.wg.Done()
			defer atomic.AddInt64(&s.active, -1)
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Str("name", l.name).Any("panic", r).
						Str("stack", string(debug.Stack())).Msg("loop panicked")
				}
			}()
			s.log.Debug().Str("name", l.name).Msg("loop started")
			err := l.run(s.ctx)
			if err != nil && !isCanceled(err) {
				s.log.Error().Err(err).Str("name", l.name).Msg("loop exited with error")
				return
			}
			s.log.Debug().Str("name", l.name).Msg("loop stopped")
		}()
	}
}

// Stop requests shutdown and returns immediately. Loops observe the
// cancellation between iterations; in-flight work is never interrupted.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every loop has returned or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("supervisor drain: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Active reports the number of loops currently running. Observability only.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
