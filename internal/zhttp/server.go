// Package zhttp is a thin scheduler-facing contract layer over
// net/http: it does not parse or route anything net/http does not
// already parse or route. The one thing it adds is that every
// accepted request's handler body runs as a task scheduled onto a
// zcoroutine.Scheduler rather than directly on the net/http goroutine
// that accepted the connection, so schedule() happens-before the
// handler's first instruction and a panic inside the handler is
// caught, logged, and turned into a 500 instead of crashing the
// worker that ran it.
package zhttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zcore/zruntime/internal/tracing"
	"github.com/zcore/zruntime/internal/zcoroutine"
	"github.com/zcore/zruntime/internal/zlog"
)

// Handler is a net/http-compatible handler whose entire body runs as
// one scheduled task.
type Handler func(w http.ResponseWriter, r *http.Request)

// Server wraps http.Server, dispatching every request through a
// scheduler.
type Server struct {
	scheduler *zcoroutine.Scheduler
	inner     *http.Server
	mux       *http.ServeMux
}

// NewServer builds a Server bound to addr and to sched. sched must
// already be running; requests arriving before ListenAndServe is called on the
// returned Server still dispatch fine since scheduling only requires
// the scheduler, not the HTTP listener, to be up.
func NewServer(addr string, sched *zcoroutine.Scheduler) *Server {
	mux := http.NewServeMux()
	return &Server{
		scheduler: sched,
		mux:       mux,
		inner: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Handle registers a handler for pattern, wrapped so its body runs as
// a task on the server's scheduler.
func (s *Server) Handle(pattern string, h Handler) {
	s.mux.HandleFunc(pattern, s.dispatch(pattern, h))
}

// dispatch schedules h's execution and blocks the accepting goroutine
// on a done channel until it completes, so the net/http response
// writer is only ever touched from the scheduled task — never
// concurrently from the accepting goroutine too.
func (s *Server) dispatch(pattern string, h Handler) http.HandlerFunc {
	tracer := tracing.GetTracer("http")
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), tracer, pattern,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path))
		defer span.End()
		r = r.WithContext(ctx)

		done := make(chan struct{})
		var panicked any

		err := s.scheduler.ScheduleFunc(func() {
			defer close(done)
			defer func() {
				if rec := recover(); rec != nil {
					panicked = rec
				}
			}()
			h(w, r)
		})
		if err != nil {
			tracing.RecordError(ctx, err)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		<-done

		if panicked != nil {
			zlog.For("http").WithField("path", r.URL.Path).
				Errorf("handler panicked: %v", panicked)
			tracing.AddSpanEvent(ctx, "handler_panic", attribute.String("panic", fmt.Sprint(panicked)))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

// HandleFunc registers a bare net/http handler that bypasses the
// scheduler entirely — for endpoints like liveness probes that must
// answer even if every scheduler worker is saturated.
func (s *Server) HandleFunc(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, h)
}

// ListenAndServe starts the underlying http.Server.
func (s *Server) ListenAndServe() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the underlying http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
