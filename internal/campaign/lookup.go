package campaign

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"clickid-service/internal/observability"
)

const detailsPath = "/api/v1/domain-route-details"

// Resolution is the outcome of a campaign lookup. Disabled is set when the
// lookup service explicitly configured no campaign (rtkID: null); in that
// case CampaignID is empty and no click id may be minted.
type Resolution struct {
	CampaignID string
	Disabled   bool
	Fallback   bool
}

// Options configure the lookup client.
type Options struct {
	BaseURL            string
	FallbackID         string
	ConnectTimeout     time.Duration
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Client talks to the internal domain-route-details service.
type Client struct {
	baseURL    string
	fallbackID string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Client{
		baseURL:    opts.BaseURL,
		fallbackID: opts.FallbackID,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: opts.ConnectTimeout,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec // internal service
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Resolve returns the campaign configured for (domain, route). It never
// fails: every lookup problem resolves to the fallback campaign id.
func (c *Client) Resolve(ctx context.Context, domain, route string) Resolution {
	if domain == "" || route == "" {
		observability.LookupsTotal.WithLabelValues("skipped").Inc()
		return c.fallback()
	}

	body, err := c.fetch(ctx, domain, route)
	if err != nil {
		log.Warn().Err(err).Str("domain", domain).Str("route", route).Msg("route lookup failed, using fallback campaign")
		observability.LookupsTotal.WithLabelValues("fallback").Inc()
		return c.fallback()
	}

	res, ok := parseDetails(body)
	if !ok {
		log.Warn().Str("domain", domain).Str("route", route).Bytes("body", truncate(body, 512)).Msg("unusable route lookup response, using fallback campaign")
		observability.LookupsTotal.WithLabelValues("fallback").Inc()
		return c.fallback()
	}
	if res.Disabled {
		observability.LookupsTotal.WithLabelValues("disabled").Inc()
	} else {
		observability.LookupsTotal.WithLabelValues("ok").Inc()
	}
	log.Debug().Str("domain", domain).Str("route", route).Str("rtkID", res.CampaignID).Bool("disabled", res.Disabled).Msg("route lookup")
	return res
}

func (c *Client) fallback() Resolution {
	return Resolution{CampaignID: c.fallbackID, Fallback: true}
}

func (c *Client) fetch(ctx context.Context, domain, route string) ([]byte, error) {
	q := url.Values{}
	q.Set("domain", domain)
	q.Set("route", route)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+detailsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// parseDetails accepts {"success":true,"routeData":{"rtkID":...}}. A
// present-but-null rtkID disables tracking; a missing key is unusable.
func parseDetails(body []byte) (Resolution, bool) {
	if !gjson.ValidBytes(body) {
		return Resolution{}, false
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("success").Bool() || !doc.Get("routeData").IsObject() {
		return Resolution{}, false
	}

	id := doc.Get("routeData.rtkID")
	switch {
	case !id.Exists():
		return Resolution{}, false
	case id.Type == gjson.Null:
		return Resolution{Disabled: true}, true
	case id.Type != gjson.String && id.Type != gjson.Number, id.String() == "":
		return Resolution{}, false
	}
	return Resolution{CampaignID: id.String()}, true
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
