package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"github.com/BearBump/Fulfillment/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
)

type apiOpts struct {
	httpAddr    string
	swaggerPath string

	paymentsTopic string
	trackingTopic string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type orderCreator interface {
	Create(ctx context.Context, p messages.PaymentCompleted) (*orders.OrderView, error)
}

type trackingIngester interface {
	Ingest(ctx context.Context, actor models.Actor, msg messages.TrackingEvent) (*shipments.ApplyResult, error)
}

// runFulfillmentAPI serves HTTP and both consumers until ctx ends or one of them fails.
func runFulfillmentAPI(ctx context.Context, opts apiOpts, routes http.Handler, ord orderCreator, ship trackingIngester, payments, tracking kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(gctx, lis, routes, opts.swaggerPath)
	})
	if payments != nil {
		g.Go(func() error {
			slog.Info("kafka consumer started", "topic", opts.paymentsTopic, "group", opts.consumerGroup)
			return payments.Consume(gctx, paymentHandler(gctx, ord))
		})
	}
	if tracking != nil {
		g.Go(func() error {
			slog.Info("kafka consumer started", "topic", opts.trackingTopic, "group", opts.consumerGroup)
			return tracking.Consume(gctx, trackingHandler(gctx, ship))
		})
	}
	return g.Wait()
}

func runHTTPServer(ctx context.Context, lis net.Listener, routes http.Handler, swaggerPath string) error {
	r := chi.NewRouter()
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))
	r.Mount("/", routes)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// poison reports messages that can never succeed; they are logged and committed so the
// partition keeps moving.
func poison(err error) bool {
	return errors.Is(err, apperr.ErrInvalidInput) ||
		errors.Is(err, apperr.ErrMissingBaseline) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrInvalidTransition)
}

func paymentHandler(ctx context.Context, ord orderCreator) func(key, value []byte) error {
	return func(_key, value []byte) error {
		var m messages.PaymentCompleted
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Error("skip malformed payment event", "error", err.Error())
			return nil
		}
		v, err := ord.Create(ctx, m)
		if err != nil {
			if poison(err) {
				slog.Error("skip payment event", "payment_id", m.PaymentID, "kind", apperr.Kind(err), "error", err.Error())
				return nil
			}
			return err
		}
		slog.Info("payment consumed", "payment_id", m.PaymentID, "order_id", v.Order.ID)
		return nil
	}
}

var trackingActor = models.SystemActor("tracking-consumer")

func trackingHandler(ctx context.Context, ship trackingIngester) func(key, value []byte) error {
	return func(_key, value []byte) error {
		var m messages.TrackingEvent
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Error("skip malformed tracking event", "error", err.Error())
			return nil
		}
		if m.Source == "" {
			m.Source = string(models.SourceAPIScrape)
		}
		if _, err := ship.Ingest(ctx, trackingActor, m); err != nil {
			if poison(err) {
				slog.Warn("skip tracking event", "external_id", m.ExternalID, "kind", apperr.Kind(err), "error", err.Error())
				return nil
			}
			return err
		}
		return nil
	}
}
