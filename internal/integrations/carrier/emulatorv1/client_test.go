package emulatorv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestClient_RegisterTracking_OK(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/trackings", r.URL.Path)
		require.Equal(t, "k", r.URL.Query().Get("apiKey"))

		var body reqBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, id.String(), body.Reference)
		require.Equal(t, "international", body.Tier)
		require.Equal(t, "CDEK", body.Carrier)
		require.Equal(t, "123", body.TrackNumber)
		require.Equal(t, "http://api/hook", body.CallbackURL)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "http://api/hook")
	err := c.RegisterTracking(context.Background(), carrier.Registration{
		ShipmentID: id, Tier: models.TierInternational, CarrierCode: "CDEK", TrackingNumber: "123",
	})
	require.NoError(t, err)
}

func TestClient_RegisterTracking_AlreadyRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "", "").RegisterTracking(context.Background(), carrier.Registration{TrackingNumber: "1"}))
}

func TestClient_RegisterTracking_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	require.Error(t, New(srv.URL, "k", "").RegisterTracking(context.Background(), carrier.Registration{TrackingNumber: "1"}))
}
