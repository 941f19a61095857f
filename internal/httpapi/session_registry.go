package httpapi

import (
	"context"
	"sync"
)

// SessionRegistry counts live streaming sessions so shutdown can refuse new
// ones and wait for the rest. Build it with NewSessionRegistry.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	active   int64
	idle     chan struct{} // closed whenever active is zero
}

func NewSessionRegistry() *SessionRegistry {
	idle := make(chan struct{})
	close(idle)
	return &SessionRegistry{idle: idle}
}

// Add admits a session. It reports false once draining has begun, and the
// caller must then turn the client away.
func (sr *SessionRegistry) Add() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	if sr.active == 0 {
		sr.idle = make(chan struct{})
	}
	sr.active++
	return true
}

// Done releases a session admitted by Add.
func (sr *SessionRegistry) Done() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.active == 0 {
		panic("httpapi: SessionRegistry.Done without matching Add")
	}
	sr.active--
	if sr.active == 0 {
		close(sr.idle)
	}
}

func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

func (sr *SessionRegistry) ActiveCount() int64 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.active
}

// Wait returns nil once no session is live, or ctx.Err() if ctx ends first.
// Sessions are not interrupted either way.
func (sr *SessionRegistry) Wait(ctx context.Context) error {
	sr.mu.Lock()
	idle := sr.idle
	sr.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
