package main

import (
	"context"
	"time"

	"github.com/BearBump/Fulfillment/config"
	"github.com/BearBump/Fulfillment/internal/app"
	"github.com/BearBump/Fulfillment/internal/broker/kafka"
	"github.com/BearBump/Fulfillment/internal/cache/rediscache"
	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/services/automation"
	"github.com/BearBump/Fulfillment/internal/services/notify"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"golang.org/x/sync/errgroup"
)

type closer func()

type workerFactories struct {
	newStorage       func(cfg *config.Config) (app.Store, func(), error)
	newCache         func(cfg *config.Config) (orders.BytesCache, closer)
	newProducer      func(cfg *config.Config) (notify.Producer, closer)
	newRateLimiter   func(cfg *config.Config) (automation.RateLimiter, closer)
	newSellerClient  func(cfg *config.Config) seller.Client
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (app.Store, func(), error) {
			return app.OpenStore(cfg, 60*time.Second)
		},
		newCache: func(cfg *config.Config) (orders.BytesCache, closer) {
			if cfg.Fulfillment.Storage == "memory" {
				return nil, nil
			}
			rc := rediscache.New(cfg.Redis.Addr())
			return rc, func() { _ = rc.Close() }
		},
		newProducer: func(cfg *config.Config) (notify.Producer, closer) {
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, func() { _ = p.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (automation.RateLimiter, closer) {
			// без redis лимит не разделяется между репликами, поэтому в memory-режиме его нет
			if cfg.Fulfillment.Storage == "memory" {
				return nil, nil
			}
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
		newSellerClient:  app.NewSellerClient,
		newCarrierClient: app.NewCarrierClient,
	}
}

// RunFulfillmentWorker runs the automation runner and the deadline sweeper until ctx ends.
// The operational HTTP server starts only when worker_http_addr is set.
func RunFulfillmentWorker(ctx context.Context, cfg *config.Config, swaggerPath string, f workerFactories, onListen func(string)) error {
	st, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	cache, closeCache := f.newCache(cfg)
	if closeCache != nil {
		defer closeCache()
	}
	producer, closeProducer := f.newProducer(cfg)
	if closeProducer != nil {
		defer closeProducer()
	}
	rl, closeRL := f.newRateLimiter(cfg)
	if closeRL != nil {
		defer closeRL()
	}

	svc, err := app.Build(cfg, app.Deps{
		Store:       st,
		Cache:       cache,
		Notifier:    notify.New(producer, cfg.Kafka.NotificationsTopicName, cfg.Kafka.RefundsTopicName),
		Seller:      f.newSellerClient(cfg),
		Carrier:     f.newCarrierClient(cfg),
		RateLimiter: rl,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Runner.Run(gctx) })
	g.Go(func() error { return svc.Sweeper.Run(gctx) })
	if cfg.Fulfillment.WorkerHTTPAddr != "" {
		g.Go(func() error {
			return runWorkerHTTPServer(gctx, workerHTTPOpts{
				httpAddr:    cfg.Fulfillment.WorkerHTTPAddr,
				swaggerPath: swaggerPath,
				onListen:    onListen,
				runner:      svc.Runner,
				sweeper:     svc.Sweeper,
				cfg:         cfg,
			})
		})
	}
	return g.Wait()
}
