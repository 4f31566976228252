package app

import (
	"time"

	"github.com/BearBump/Fulfillment/config"
	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/BearBump/Fulfillment/internal/integrations/carrier/emulatorv1"
	carrierfake "github.com/BearBump/Fulfillment/internal/integrations/carrier/fake"
	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/integrations/seller/agentv1"
	sellerfake "github.com/BearBump/Fulfillment/internal/integrations/seller/fake"
	"github.com/BearBump/Fulfillment/internal/storage/memfulfillment"
	"github.com/BearBump/Fulfillment/internal/storage/pgfulfillment"
	"github.com/pkg/errors"
)

// OpenStore returns the configured store and its close func. Postgres is retried until wait
// elapses so the services can start alongside the database container.
func OpenStore(cfg *config.Config, wait time.Duration) (Store, func(), error) {
	if cfg.Fulfillment.Storage == "memory" {
		st := memfulfillment.New()
		return st, st.Close, nil
	}

	connString := cfg.Database.ConnString()
	deadline := time.Now().Add(wait)
	var lastErr error
	for {
		st, err := pgfulfillment.New(connString)
		if err == nil {
			return st, st.Close, nil
		}
		lastErr = err
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(1 * time.Second)
	}
	return nil, nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

// NewSellerClient uses the seller agent service when configured; otherwise the local fake.
func NewSellerClient(cfg *config.Config) seller.Client {
	f := cfg.Fulfillment
	if f.SellerAgentBaseURL != "" && f.SellerAgentMode == "v1" {
		return agentv1.New(f.SellerAgentBaseURL, f.SellerAgentAPIKey)
	}
	return sellerfake.New()
}

// NewCarrierClient uses the carrier emulator when configured; otherwise the local fake.
func NewCarrierClient(cfg *config.Config) carrier.Client {
	f := cfg.Fulfillment
	if f.CarrierEmulatorBaseURL != "" && f.CarrierEmulatorMode == "v1" {
		return emulatorv1.New(f.CarrierEmulatorBaseURL, f.CarrierEmulatorAPIKey, f.CarrierEmulatorCallbackURL)
	}
	return carrierfake.New()
}
