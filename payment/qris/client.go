/*
Package qris adapts a QRIS payment provider's HTTP API to payment.Gateway.

PURPOSE:
  Two endpoints are used, both plain GETs with query parameters:

    create: ?apikey=&amount=&codeqr=
            {"status":true,"result":{"transactionId":"...","qrImageUrl":"..."}}

    status: ?memid=&keyorkut=&apikey=
            {"status":200,"data":{"status_transaksi":"SUCCESS"}}

  The create and status endpoints belong to different vendors in practice,
  so each has its own URL and key.

SEE ALSO:
  - payment/gateway.go: The interface implemented here
*/
package qris

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/celengan/savings-ledger/payment"
)

const DefaultTimeout = 15 * time.Second

type Config struct {
	CreateURL  string
	APIKey     string
	MerchantQR string

	StatusURL    string
	StatusAPIKey string
	MemberID     string

	Timeout time.Duration
}

// Configured reports whether both endpoints have what they need.
func (c Config) Configured() bool {
	return c.CreateURL != "" && c.APIKey != "" && c.MerchantQR != "" &&
		c.StatusURL != "" && c.StatusAPIKey != "" && c.MemberID != ""
}

type Client struct {
	cfg  Config
	http *http.Client
}

var _ payment.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

type createResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Result  *struct {
		TransactionID string `json:"transactionId"`
		QRImageURL    string `json:"qrImageUrl"`
	} `json:"result"`
}

// CreatePayment opens a QRIS payment. The reference is not sent upstream;
// the provider's transactionId is the correlation key.
func (c *Client) CreatePayment(ctx context.Context, amount decimal.Decimal, reference string) (payment.Created, error) {
	if !c.cfg.Configured() {
		return payment.Created{}, payment.ErrGatewayUnavailable
	}

	q := url.Values{}
	q.Set("apikey", c.cfg.APIKey)
	q.Set("amount", amount.String())
	q.Set("codeqr", c.cfg.MerchantQR)

	var resp createResponse
	if err := c.get(ctx, "create", c.cfg.CreateURL, q, &resp); err != nil {
		return payment.Created{}, err
	}
	if !resp.Status || resp.Result == nil || resp.Result.TransactionID == "" {
		msg := resp.Message
		if msg == "" {
			msg = "unexpected create response"
		}
		return payment.Created{}, &payment.GatewayError{Op: "create", Message: msg}
	}

	return payment.Created{
		ExternalID:  resp.Result.TransactionID,
		PaymentData: resp.Result.QRImageURL,
	}, nil
}

type statusResponse struct {
	Status  json.RawMessage `json:"status"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    *struct {
		StatusTransaksi string `json:"status_transaksi"`
	} `json:"data"`
}

// ok accepts the provider's several success shapes: 200, true or success:true.
func (r statusResponse) ok() bool {
	if r.Success {
		return true
	}
	switch string(r.Status) {
	case "200", "true", `"200"`:
		return true
	}
	return false
}

func (c *Client) PaymentStatus(ctx context.Context, externalID string) (payment.Status, error) {
	if !c.cfg.Configured() {
		return "", payment.ErrGatewayUnavailable
	}

	q := url.Values{}
	q.Set("memid", c.cfg.MemberID)
	q.Set("keyorkut", externalID)
	q.Set("apikey", c.cfg.StatusAPIKey)

	var resp statusResponse
	if err := c.get(ctx, "status", c.cfg.StatusURL, q, &resp); err != nil {
		return "", err
	}
	if !resp.ok() || resp.Data == nil || resp.Data.StatusTransaksi == "" {
		msg := resp.Message
		if msg == "" {
			msg = "unexpected status response"
		}
		return "", &payment.GatewayError{Op: "status", Message: msg}
	}
	return payment.ParseStatus(resp.Data.StatusTransaksi), nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, q url.Values, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return &payment.GatewayError{Op: op, Message: "invalid endpoint", Err: err}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &payment.GatewayError{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &payment.GatewayError{Op: op, Message: "request failed", Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &payment.GatewayError{Op: op, Message: "read response", Err: err}
	}
	if res.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		msg := fmt.Sprintf("status %d", res.StatusCode)
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			msg += ": " + e.Message
		}
		return &payment.GatewayError{Op: op, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &payment.GatewayError{Op: op, Message: "decode response", Err: err}
	}
	return nil
}
