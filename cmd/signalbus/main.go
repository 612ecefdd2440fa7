// Command signalbus runs a small demo server exercising the bus
// package: an audit listener receiving HTTP-triggered publishes, a
// Prometheus metrics endpoint, and stdout tracing.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/signalbus/pkg/bus"
)

var (
	configPath string
	addr       string
	quiet      bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a YAML bus config file (optional)")
	flag.StringVar(&addr, "addr", ":8089", "address to serve /metrics and /publish on")
	flag.BoolVar(&quiet, "quiet", false, "suppress stdout span output")
}

func main() {
	flag.Parse()

	if !quiet {
		tp, err := bus.NewStdoutTracerProvider("signalbus-demo")
		if err != nil {
			fmt.Fprintf(os.Stderr, "tracing setup failed: %v\n", err)
			os.Exit(1)
		}
		defer tp.Shutdown(context.Background())
	}

	cfg := bus.DefaultConfig()
	if configPath != "" {
		loaded, err := bus.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	b := bus.New(cfg)

	auditor := &auditListener{}
	if err := b.Subscribe(auditor); err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %v\n", err)
		os.Exit(1)
	}
	b.AddErrorHandler(bus.ErrorSinkFunc(func(e bus.PublicationError) {
		fmt.Fprintf(os.Stderr, "publication error: %s: %v\n", e.Message, e.Cause)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Handle("/metrics", promhttp.HandlerFor(b.Registry(), promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if b.HasPendingMessages() {
			w.Header().Set("X-Queue-Depth", "nonzero")
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Post("/publish", func(w http.ResponseWriter, r *http.Request) {
		if err := b.Publish(DemoEvent{Text: r.URL.Query().Get("text")}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	router.Post("/publish/{text}", func(w http.ResponseWriter, r *http.Request) {
		if err := b.Publish(DemoEvent{Text: chi.URLParam(r, "text")}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server failed: %v\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = b.Shutdown(shutdownCtx)
}

// DemoEvent is the sample message type the /publish endpoint emits.
type DemoEvent struct {
	Text string
}

type auditListener struct{}

func (a *auditListener) OnDemoEvent(e DemoEvent) {
	fmt.Printf("audit: received %q\n", e.Text)
}
