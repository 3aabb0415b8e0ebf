package clickid

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"clickid-service/internal/observability"
)

const defaultUserAgent = "Mozilla/5.0"

// Request carries everything needed to mint one click id.
type Request struct {
	CampaignID string
	Referrer   string
	UserAgent  string
	ClientIP   string
}

// Result is a successfully minted click id and the URL it came from.
type Result struct {
	ClickID string
	URL     string
}

// UpstreamError is a transport failure or a non-200 answer from the provider.
// StatusCode is 0 when no response was received.
type UpstreamError struct {
	URL        string
	StatusCode int
	Detail     string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mint request to %s failed: %s", e.URL, e.Detail)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MissingClickIDError means the provider answered 200 without a usable
// clickid. Raw is the decoded payload (or the raw body if it was not JSON).
type MissingClickIDError struct {
	URL string
	Raw json.RawMessage
}

func (e *MissingClickIDError) Error() string {
	return fmt.Sprintf("no clickid in response from %s", e.URL)
}

// Options configure the provider client.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Minter calls the click tracking provider.
type Minter struct {
	baseURL    string
	httpClient *http.Client
}

func NewMinter(opts Options) *Minter {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Minter{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: opts.ConnectTimeout,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// WithHTTPClient replaces the underlying client; used with httptest servers.
func (m *Minter) WithHTTPClient(c *http.Client) *Minter {
	m.httpClient = c
	return m
}

// URL returns the mint URL for req without calling the provider.
func (m *Minter) URL(req Request) string {
	return BuildMintURL(m.baseURL, req.CampaignID, req.Referrer)
}

// Mint performs a single attempt; there are no retries.
func (m *Minter) Mint(ctx context.Context, req Request) (Result, error) {
	if req.CampaignID == "" {
		return Result{}, errors.New("mint: empty campaign id")
	}
	mintURL := m.URL(req)

	start := time.Now()
	body, err := m.get(ctx, mintURL, req)
	observability.MintLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.MintsTotal.WithLabelValues("upstream_error").Inc()
		return Result{URL: mintURL}, err
	}

	id := extractClickID(body)
	if id == "" {
		observability.MintsTotal.WithLabelValues("missing_clickid").Inc()
		return Result{URL: mintURL}, &MissingClickIDError{URL: mintURL, Raw: rawPayload(body)}
	}
	observability.MintsTotal.WithLabelValues("ok").Inc()
	return Result{ClickID: id, URL: mintURL}, nil
}

func (m *Minter) get(ctx context.Context, mintURL string, req Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, mintURL, nil)
	if err != nil {
		return nil, &UpstreamError{URL: mintURL, Detail: err.Error(), Err: err}
	}
	ua := req.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", ua)
	httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
	httpReq.Header.Set("X-Real-IP", req.ClientIP)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{URL: mintURL, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			URL:        mintURL,
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &UpstreamError{URL: mintURL, StatusCode: resp.StatusCode, Detail: err.Error(), Err: err}
	}
	return body, nil
}

// extractClickID returns the clickid field when it is truthy. Numbers are
// accepted as their textual form; "0", false and empty strings are not.
func extractClickID(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	v := gjson.GetBytes(body, "clickid")
	switch v.Type {
	case gjson.String:
		if v.Str == "0" {
			return ""
		}
		return v.Str
	case gjson.Number:
		if v.Num == 0 {
			return ""
		}
		return v.Raw
	}
	return ""
}

func rawPayload(body []byte) json.RawMessage {
	if gjson.ValidBytes(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
