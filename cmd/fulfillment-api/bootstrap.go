package main

import (
	"context"
	"time"

	"github.com/BearBump/Fulfillment/config"
	fulfillmentapi "github.com/BearBump/Fulfillment/internal/api/fulfillment_api"
	"github.com/BearBump/Fulfillment/internal/app"
	"github.com/BearBump/Fulfillment/internal/broker/kafka"
	"github.com/BearBump/Fulfillment/internal/cache/rediscache"
	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/services/notify"
	"github.com/BearBump/Fulfillment/internal/services/orders"
)

type closer func()

type apiFactories struct {
	newStorage       func(cfg *config.Config) (app.Store, func(), error)
	newCache         func(cfg *config.Config) (orders.BytesCache, closer)
	newProducer      func(cfg *config.Config) (notify.Producer, closer)
	newConsumer      func(cfg *config.Config, topic, group string) (kafkaConsumer, closer)
	newSellerClient  func(cfg *config.Config) seller.Client
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultAPIFactories() apiFactories {
	return apiFactories{
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
		newConsumer: func(cfg *config.Config, topic, group string) (kafkaConsumer, closer) {
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group)
			return c, func() { _ = c.Close() }
		},
		newSellerClient:  app.NewSellerClient,
		newCarrierClient: app.NewCarrierClient,
	}
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// RunFulfillmentAPI wires the service graph from cfg and serves until ctx ends.
func RunFulfillmentAPI(ctx context.Context, cfg *config.Config, swaggerPath string, f apiFactories, onListen func(string)) error {
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

	svc, err := app.Build(cfg, app.Deps{
		Store:    st,
		Cache:    cache,
		Notifier: notify.New(producer, cfg.Kafka.NotificationsTopicName, cfg.Kafka.RefundsTopicName),
		Seller:   f.newSellerClient(cfg),
		Carrier:  f.newCarrierClient(cfg),
	})
	if err != nil {
		return err
	}

	opts := apiOpts{
		httpAddr:      withDefault(cfg.Fulfillment.HTTPAddr, ":8080"),
		swaggerPath:   swaggerPath,
		paymentsTopic: withDefault(cfg.Kafka.PaymentsTopicName, "payments.completed"),
		trackingTopic: withDefault(cfg.Kafka.TrackingEventsTopicName, "tracking.events"),
		consumerGroup: withDefault(cfg.Fulfillment.KafkaConsumerGroup, "fulfillment-api"),
		onListen:      onListen,
	}
	payments, closePayments := f.newConsumer(cfg, opts.paymentsTopic, opts.consumerGroup)
	if closePayments != nil {
		defer closePayments()
	}
	tracking, closeTracking := f.newConsumer(cfg, opts.trackingTopic, opts.consumerGroup)
	if closeTracking != nil {
		defer closeTracking()
	}

	api := fulfillmentapi.New(fulfillmentapi.Services{
		Orders:     svc.Orders,
		Items:      svc.Items,
		Revisions:  svc.Revisions,
		Exceptions: svc.Exceptions,
		Warehouse:  svc.Warehouse,
		Shipments:  svc.Shipments,
		Tasks:      svc.Runner,
	}, cfg.Fulfillment.WebhookRatePerSecond, cfg.Fulfillment.WebhookBurst)

	return runFulfillmentAPI(ctx, opts, api.Routes(), svc.Orders, svc.Shipments, payments, tracking)
}
