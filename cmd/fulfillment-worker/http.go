package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/Fulfillment/config"
	"github.com/BearBump/Fulfillment/internal/services/automation"
	"github.com/BearBump/Fulfillment/internal/services/sweeper"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	runner  *automation.Runner
	sweeper *sweeper.Sweeper
	cfg     *config.Config
}

type workerStats struct {
	Runner  *automation.Stats `json:"runner,omitempty"`
	Sweeper *sweeper.Stats    `json:"sweeper,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func workerRoutes(opts workerHTTPOpts) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.runner == nil || opts.sweeper == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		var out workerStats
		if opts.runner != nil {
			st := opts.runner.Stats()
			out.Runner = &st
		}
		if opts.sweeper != nil {
			st := opts.sweeper.Stats()
			out.Sweeper = &st
		}
		writeJSON(w, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, map[string]string{"error": "config not wired"})
			return
		}
		// только рабочие параметры, без ключей и паролей
		c := opts.cfg
		writeJSON(w, map[string]any{
			"pollIntervalSeconds":    c.Fulfillment.WorkerPollIntervalSeconds,
			"batchSize":              c.Fulfillment.WorkerBatchSize,
			"concurrency":            c.Fulfillment.WorkerConcurrency,
			"leaseSeconds":           c.Fulfillment.WorkerLeaseSeconds,
			"rateLimitPerMinute":     c.Fulfillment.WorkerRateLimitPerMinute,
			"platformRateLimits":     c.Fulfillment.PlatformRateLimits,
			"maxRetries":             c.Automation.MaxRetries,
			"backoffSeconds":         c.Automation.BackoffSeconds,
			"rescrapeMinSeconds":     c.Automation.RescrapeMinSeconds,
			"rescrapeMaxSeconds":     c.Automation.RescrapeMaxSeconds,
			"sweepIntervalSeconds":   c.Fulfillment.SweepIntervalSeconds,
			"sweepBatchSize":         c.Fulfillment.SweepBatchSize,
			"revisionDeadlineHours":  c.Revisions.ResponseDeadlineHours,
			"exceptionDeadlineHours": c.Exceptions.ResponseDeadlineHours,
			"defaultMaxWaitDays":     c.Consolidation.DefaultMaxWaitDays,
			"partialGroupSize":       c.Consolidation.PartialGroupSize,
			"sellerAgentMode":        c.Fulfillment.SellerAgentMode,
			"carrierEmulatorMode":    c.Fulfillment.CarrierEmulatorMode,
			"storage":                c.Fulfillment.Storage,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		triggered := map[string]bool{"runner": false, "sweeper": false}
		if opts.runner != nil {
			opts.runner.Trigger()
			triggered["runner"] = true
		}
		if opts.sweeper != nil {
			opts.sweeper.Trigger()
			triggered["sweeper"] = true
		}
		writeJSON(w, triggered)
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRoutes(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
