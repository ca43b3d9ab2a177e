package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("mercado pago access token not configured")

// APIError is a non-2xx answer from the Mercado Pago REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercado pago api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client is a thin Mercado Pago REST client authenticated with a bearer
// access token.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

type Payment struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	TransactionAmount float64        `json:"transaction_amount"`
	Metadata          map[string]any `json:"metadata"`
}

type Preapproval struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	Reason            string `json:"reason"`
}

type AuthorizedPayment struct {
	ID            int64  `json:"id"`
	PreapprovalID string `json:"preapproval_id"`
	Status        string `json:"status"`
	Payment       struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}

type PreferenceItem struct {
	ID         string  `json:"id,omitempty"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type PreferenceBackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type PreferenceRequest struct {
	Items             []PreferenceItem   `json:"items"`
	ExternalReference string             `json:"external_reference"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
	NotificationURL   string             `json:"notification_url,omitempty"`
	BackURLs          PreferenceBackURLs `json:"back_urls"`
	AutoReturn        string             `json:"auto_return,omitempty"`
	Payer             *PreferencePayer   `json:"payer,omitempty"`
}

type PreferencePayer struct {
	Email string `json:"email,omitempty"`
}

type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var out Payment
	err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) GetPreapproval(ctx context.Context, id string) (Preapproval, error) {
	var out Preapproval
	err := c.do(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) GetAuthorizedPayment(ctx context.Context, id string) (AuthorizedPayment, error) {
	var out AuthorizedPayment
	err := c.do(ctx, http.MethodGet, "/authorized_payments/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error) {
	var out Preference
	err := c.do(ctx, http.MethodPost, "/checkout/preferences", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c == nil || strings.TrimSpace(c.AccessToken) == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
