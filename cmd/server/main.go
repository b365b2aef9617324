// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/zcore/zruntime/internal/config"
	"github.com/zcore/zruntime/internal/runtime"
	"github.com/zcore/zruntime/internal/tracing"
	"github.com/zcore/zruntime/internal/zcoroutine"
	"github.com/zcore/zruntime/internal/zhttp"
	"github.com/zcore/zruntime/internal/zlog"
)

const Version = "0.1.0"

func main() {
	goruntime.GOMAXPROCS(goruntime.NumCPU())

	cfg := config.Default()
	zlog.SetLevel(cfg.LogLevel)
	log := zlog.For("main")

	log.WithField("version", Version).WithField("cpus", goruntime.NumCPU()).Info("zruntime starting")

	if err := tracing.InitTracing(cfg.JaegerEndpoint); err != nil {
		log.WithError(err).Warn("tracing initialization failed; continuing without it")
	}

	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = goruntime.NumCPU()
	}
	handle := runtime.New(cfg, workers)
	if err := handle.Start(); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}

	httpServer := zhttp.NewServer(cfg.HTTPAddr, handle.Scheduler)
	registerHandlers(httpServer, handle)

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(handle.Metrics.ExportPrometheus()))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
		}
	}()
	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics server shutdown error")
	}
	handle.Shutdown()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("tracing shutdown error")
	}

	log.Info("stopped")
}

func registerHandlers(s *zhttp.Server, h *runtime.Handle) {
	s.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.Handle("/alloc", func(w http.ResponseWriter, r *http.Request) {
		n := 64
		if v := r.URL.Query().Get("size"); v != "" {
			fmt.Sscanf(v, "%d", &n)
		}
		p := h.Allocator.Allocate(n)
		if p == nil {
			http.Error(w, "allocation failed", http.StatusInternalServerError)
			return
		}
		size := h.Allocator.AllocatedSize(p)
		h.Allocator.Deallocate(p)
		fmt.Fprintf(w, `{"requested":%d,"allocated":%d}`, n, size)
	})

	s.Handle("/schedule", func(w http.ResponseWriter, r *http.Request) {
		done := make(chan struct{})
		if err := h.Scheduler.ScheduleFunc(func() { close(done) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		<-done
		w.Write([]byte(`{"status":"scheduled"}`))
	})

	// /fiber runs the request on a pooled fiber rather than a bare
	// callable, so the fiber pool's recycle path (Acquire+Reset) sees
	// real traffic instead of only ever being exercised by TryReturn.
	s.Handle("/fiber", func(w http.ResponseWriter, r *http.Request) {
		done := make(chan struct{})
		f := h.Scheduler.NewFiber("http-fiber", 0, true, func(fh *zcoroutine.FiberHandle) {
			close(done)
		})
		if err := h.Scheduler.Schedule(zcoroutine.FiberTask(f)); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		<-done
		w.Write([]byte(`{"status":"fiber-scheduled"}`))
	})
}
