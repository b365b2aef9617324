package zhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zcore/zruntime/internal/zcoroutine"
)

func newTestScheduler(t *testing.T) *zcoroutine.Scheduler {
	t.Helper()
	s := zcoroutine.NewScheduler(2, "zhttp-test", false, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServerHandleRunsBodyOnScheduler(t *testing.T) {
	sched := newTestScheduler(t)
	srv := NewServer(":0", sched)
	srv.Handle("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "pong" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestServerHandlePanicBecomes500(t *testing.T) {
	sched := newTestScheduler(t)
	srv := NewServer(":0", sched)
	srv.Handle("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.mux.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler panic deadlocked the request instead of recovering")
	}

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after a handler panic, got %d", rec.Code)
	}
}

func TestServerHandleFuncBypassesScheduler(t *testing.T) {
	sched := newTestScheduler(t)
	sched.Stop() // prove the bare handler still answers with no running scheduler

	srv := NewServer(":0", sched)
	srv.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected the bare liveness handler to answer regardless of scheduler state, got %d", rec.Code)
	}
}

func TestServerHandleReturns503WhenSchedulerStopped(t *testing.T) {
	sched := newTestScheduler(t)
	sched.Stop()

	srv := NewServer(":0", sched)
	srv.Handle("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the scheduler is stopped, got %d", rec.Code)
	}
}
