package emulatorv1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL     string
	apiKey      string
	callbackURL string
	httpc       *http.Client
}

func New(baseURL, apiKey, callbackURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		callbackURL: callbackURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type reqBody struct {
	Reference   string `json:"reference"`
	Tier        string `json:"tier"`
	Carrier     string `json:"carrier"`
	TrackNumber string `json:"track_number"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (c *Client) RegisterTracking(ctx context.Context, reg carrier.Registration) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/trackings"
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	b, err := json.Marshal(reqBody{
		Reference:   reg.ShipmentID.String(),
		Tier:        string(reg.Tier),
		Carrier:     reg.CarrierCode,
		TrackNumber: reg.TrackingNumber,
		CallbackURL: c.callbackURL,
	})
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.New("carrier emulator rate limit (429)")
	}
	// 409: already registered
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("carrier emulator http %d", resp.StatusCode)
	}
	return nil
}
