package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EvolutionError is a non-2xx answer from the Evolution API.
type EvolutionError struct {
	StatusCode int
	Body       string
}

func (e *EvolutionError) Error() string {
	return fmt.Sprintf("evolution api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EvolutionClient talks to an Evolution API server with a global api key.
type EvolutionClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewEvolutionClient(baseURL, apiKey string) *EvolutionClient {
	return &EvolutionClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type QRCode struct {
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
}

type createInstanceRequest struct {
	InstanceName string `json:"instanceName"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

type createInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		Status       string `json:"status"`
	} `json:"instance"`
	QRCode QRCode `json:"qrcode"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

func (c *EvolutionClient) CreateInstance(ctx context.Context, name string) (QRCode, error) {
	var out createInstanceResponse
	err := c.do(ctx, http.MethodPost, "/instance/create", createInstanceRequest{
		InstanceName: name,
		QRCode:       true,
		Integration:  "WHATSAPP-BAILEYS",
	}, &out)
	return out.QRCode, err
}

func (c *EvolutionClient) Connect(ctx context.Context, name string) (QRCode, error) {
	var out QRCode
	err := c.do(ctx, http.MethodGet, "/instance/connect/"+url.PathEscape(name), nil, &out)
	return out, err
}

// ConnectionState returns the raw vendor state: open, connecting or close.
func (c *EvolutionClient) ConnectionState(ctx context.Context, name string) (string, error) {
	var out connectionStateResponse
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(name), nil, &out); err != nil {
		return "", err
	}
	return out.Instance.State, nil
}

func (c *EvolutionClient) Logout(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/instance/logout/"+url.PathEscape(name), nil, nil)
}

func (c *EvolutionClient) do(ctx context.Context, method, path string, body any, out any) error {
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
	req.Header.Set("apikey", c.APIKey)
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
		return &EvolutionError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
