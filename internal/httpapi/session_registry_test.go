package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestSessionRegistry_AddAndDone(t *testing.T) {
	sr := NewSessionRegistry()

	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", sr.ActiveCount())
	}

	if !sr.Add() {
		t.Error("Add() should return true when not draining")
	}
	if !sr.Add() {
		t.Error("Add() should return true when not draining")
	}
	if sr.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", sr.ActiveCount())
	}

	sr.Done()
	sr.Done()
	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after all Done()", sr.ActiveCount())
	}
}

func TestSessionRegistry_Draining(t *testing.T) {
	sr := NewSessionRegistry()

	if !sr.Add() {
		t.Fatal("Add() should succeed before draining")
	}

	sr.StartDraining()

	if !sr.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}
	if sr.Add() {
		t.Error("Add() should return false when draining")
	}
	if sr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", sr.ActiveCount())
	}

	sr.Done()
	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", sr.ActiveCount())
	}
}

func TestSessionRegistry_WaitBlocksUntilDone(t *testing.T) {
	sr := NewSessionRegistry()
	sr.Add()
	sr.Add()

	done := make(chan error, 1)
	go func() { done <- sr.Wait(context.Background()) }()

	sr.Done()
	select {
	case <-done:
		t.Fatal("Wait() should block while sessions are live")
	case <-time.After(20 * time.Millisecond):
	}

	sr.Done()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after all sessions finished")
	}
}

func TestSessionRegistry_WaitWhenIdle(t *testing.T) {
	sr := NewSessionRegistry()
	if err := sr.Wait(context.Background()); err != nil {
		t.Errorf("Wait() on idle registry = %v, want nil", err)
	}

	sr.Add()
	sr.Done()
	if err := sr.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after last Done = %v, want nil", err)
	}
}

func TestSessionRegistry_DoneWithoutAddPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Done() without Add() should panic")
		}
	}()
	NewSessionRegistry().Done()
}

func TestSessionRegistry_WaitHonoursContext(t *testing.T) {
	sr := NewSessionRegistry()
	sr.Add()
	defer sr.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := sr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want context.DeadlineExceeded", err)
	}
}

func TestSessionRegistry_DrainDuringConcurrentAdds(t *testing.T) {
	sr := NewSessionRegistry()
	const n = 100

	var wg sync.WaitGroup
	var accepted, rejected int64
	var mu sync.Mutex

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if sr.Add() {
				mu.Lock()
				accepted++
				mu.Unlock()
				defer sr.Done()
			} else {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()

		if i == n/2 {
			sr.StartDraining()
		}
	}

	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if sr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", sr.ActiveCount())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	sr := NewSessionRegistry()
	r := newRouter(RouterConfig{}, RouterDeps{Sessions: sr})

	t.Run("returns 200 when not draining", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if body := rec.Body.String(); body != "ok" {
			t.Errorf("body = %q, want %q", body, "ok")
		}
	})

	t.Run("returns 503 when draining", func(t *testing.T) {
		sr.StartDraining()

		rec := httptest.NewRecorder()
		r.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		if body := rec.Body.String(); body != "draining" {
			t.Errorf("body = %q, want %q", body, "draining")
		}
	})
}

func TestStreamRejectedDuringDrain(t *testing.T) {
	sr := NewSessionRegistry()
	sr.StartDraining()
	r := newRouter(RouterConfig{}, RouterDeps{Sessions: sr})

	rec := httptest.NewRecorder()
	r.handleStream(rec, httptest.NewRequest(http.MethodGet, "/api/stream", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
