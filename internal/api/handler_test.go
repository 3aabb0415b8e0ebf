package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clickid-service/internal/campaign"
	"clickid-service/internal/clickid"
	"clickid-service/internal/config"
	"clickid-service/internal/session"
)

const testFallbackID = "fallback-cmp"

// fakeProvider stands in for the click tracking provider.
type fakeProvider struct {
	*httptest.Server
	calls   atomic.Int32
	lastURL atomic.Value // *url.URL
}

func newFakeProvider(t *testing.T, status int, body string) *fakeProvider {
	p := &fakeProvider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		p.lastURL.Store(r.URL)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) last() *url.URL {
	u, _ := p.lastURL.Load().(*url.URL)
	return u
}

// fakeLookup stands in for the domain-route-details service.
func fakeLookup(t *testing.T, body string) (*httptest.Server, *atomic.Value) {
	var seen atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.URL.Query())
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &seen
}

type testEnv struct {
	handler  *ClickIDHandler
	router   http.Handler
	store    *session.MemoryStore
	provider *fakeProvider
	now      time.Time
}

func newTestEnv(t *testing.T, lookupURL string, lookupTimeout time.Duration, provider *fakeProvider) *testEnv {
	var cfg config.Config
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.ClickID.TTL = 6 * time.Hour
	cfg.ClickID.CookieName = "rtkclickid-store"
	cfg.ClickID.CookieMaxAge = 30 * 24 * time.Hour
	cfg.ClickID.Endpoint = "clickid"

	store := session.NewMemoryStore()
	h := NewClickIDHandler(cfg,
		campaign.NewClient(campaign.Options{
			BaseURL:        lookupURL,
			FallbackID:     testFallbackID,
			ConnectTimeout: lookupTimeout,
			Timeout:        lookupTimeout,
		}),
		clickid.NewMinter(clickid.Options{BaseURL: provider.URL, Timeout: 2 * time.Second}),
		session.NewManager(store, "clickid_session", 24*time.Hour),
	)
	env := &testEnv{handler: h, store: store, provider: provider, now: time.Unix(1_700_000_000, 0)}
	h.now = func() time.Time { return env.now }
	env.router = Router(h)
	return env
}

func (e *testEnv) do(t *testing.T, r *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	if w.Body.Len() == 0 {
		return w, nil
	}
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func postForm(target string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func cookieNamed(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestClickID_Options(t *testing.T) {
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, "http://127.0.0.1:1", time.Second, provider)

	for _, p := range []string{"/clickid", "/clickid.php"} {
		w, body := env.do(t, httptest.NewRequest(http.MethodOptions, "http://shop.example"+p, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Nil(t, body)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "POST, GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
	}
	assert.Zero(t, provider.calls.Load())
}

func TestClickID_MintRoundTrip(t *testing.T) {
	lookup, seen := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp-42"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	r := postForm("http://www.shop.example/clickid.php", url.Values{
		"referrer": {"https://www.shop.example/landing?sub1=x&sub2=y&cost=1.5&ref_id=77"},
		"fbp":      {"fb.1.123"},
	})
	r.Header.Set("User-Agent", "agent/1.0")
	r.Header.Set("CF-Connecting-IP", "198.51.100.4")

	w, body := env.do(t, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "abc123", body["clickid"])
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "https://www.shop.example/landing?sub1=x&sub2=y&cost=1.5&ref_id=77", body["ref"])
	assert.Equal(t, map[string]any{"domain": "shop.example", "route": "landing", "rtkID": "cmp-42"}, body["debug"])

	q := seen.Load().(url.Values)
	assert.Equal(t, "shop.example", q.Get("domain"))
	assert.Equal(t, "landing", q.Get("route"))

	// outbound mint URL
	require.Equal(t, int32(1), provider.calls.Load())
	mu := provider.last()
	assert.Equal(t, "/cmp-42", mu.Path)
	mq := mu.Query()
	assert.Equal(t, "json", mq.Get("format"))
	assert.Equal(t, "x", mq.Get("sub1"))
	assert.Equal(t, "y", mq.Get("sub2"))
	assert.False(t, mq.Has("cost"))
	assert.False(t, mq.Has("ref_id"))
	mintURL, _ := body["mint_url"].(string)
	assert.Contains(t, mintURL, provider.URL+"/cmp-42?format=json&referrer=")

	c := cookieNamed(w, "rtkclickid-store")
	require.NotNil(t, c)
	assert.Equal(t, "abc123", c.Value)
	assert.Equal(t, "/", c.Path)
	assert.False(t, c.HttpOnly)
	assert.False(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 30*24*3600, c.MaxAge)

	sid := cookieNamed(w, "clickid_session")
	require.NotNil(t, sid)
	v, err := env.store.Load(context.Background(), sid.Value)
	require.NoError(t, err)
	assert.Equal(t, "abc123", v[SessionKeyClickID])
	assert.Equal(t, strconv.FormatInt(env.now.Unix(), 10), v[SessionKeyTimestamp])
}

func TestClickID_SecureCookieOverHTTPS(t *testing.T) {
	lookup, _ := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	r := httptest.NewRequest(http.MethodGet, "https://shop.example/clickid", nil)
	r.Header.Set("Referer", "https://shop.example/landing")
	w, body := env.do(t, r)

	require.Equal(t, true, body["ok"])
	c := cookieNamed(w, "rtkclickid-store")
	require.NotNil(t, c)
	assert.True(t, c.Secure)
}

func TestClickID_CachedWithinTTL(t *testing.T) {
	lookup, _ := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"first"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	w, body := env.do(t, postForm("http://shop.example/clickid", url.Values{"referrer": {"https://shop.example/landing"}}))
	require.Equal(t, "first", body["clickid"])
	sid := cookieNamed(w, "clickid_session")
	require.NotNil(t, sid)

	env.now = env.now.Add(6*time.Hour - time.Second)
	r := postForm("http://shop.example/clickid", url.Values{"referrer": {"https://shop.example/landing"}})
	r.AddCookie(sid)
	w, body = env.do(t, r)

	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "first", body["clickid"])
	assert.Equal(t, true, body["cached"])
	assert.Nil(t, body["mint_url"])
	assert.Contains(t, body, "mint_url")
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Nil(t, cookieNamed(w, "rtkclickid-store"))
}

func TestClickID_RemintsAfterTTL(t *testing.T) {
	lookup, _ := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"fresh"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	first := httptest.NewRequest(http.MethodGet, "http://shop.example/clickid", nil)
	first.Header.Set("Referer", "https://shop.example/landing")
	w, _ := env.do(t, first)
	sid := cookieNamed(w, "clickid_session")
	require.NotNil(t, sid)

	env.now = env.now.Add(6 * time.Hour)
	r := httptest.NewRequest(http.MethodGet, "http://shop.example/clickid", nil)
	r.Header.Set("Referer", "https://shop.example/landing")
	r.AddCookie(sid)
	_, body := env.do(t, r)

	assert.Equal(t, false, body["cached"])
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestClickID_NullCampaignDisablesMinting(t *testing.T) {
	lookup, _ := fakeLookup(t, `{"success":true,"routeData":{"rtkID":null}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	w, body := env.do(t, postForm("http://shop.example/clickid", url.Values{"referrer": {"https://shop.example/off"}}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "rtkID is null - tracking disabled", body["error"])
	assert.Equal(t, map[string]any{"domain": "shop.example", "route": "off", "rtkID": nil}, body["debug"])
	assert.Zero(t, provider.calls.Load())
	assert.Nil(t, cookieNamed(w, "rtkclickid-store"))
}

func TestClickID_LookupTimeoutUsesFallback(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, slow.URL, 50*time.Millisecond, provider)

	w, body := env.do(t, postForm("http://shop.example/clickid", url.Values{"referrer": {"https://shop.example/landing"}}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "abc123", body["clickid"])
	assert.Equal(t, "/"+testFallbackID, provider.last().Path)
}

func TestClickID_RouteFromReferrer(t *testing.T) {
	lookup, seen := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	r := httptest.NewRequest(http.MethodGet, "http://example.com/checkout.php", nil)
	r.Header.Set("Referer", "https://example.com/landing?sub1=x")
	// checkout.php is not the endpoint, so serve the handler directly
	w := httptest.NewRecorder()
	env.handler.ClickID(w, r)

	q := seen.Load().(url.Values)
	assert.Equal(t, "landing", q.Get("route"))
	assert.Equal(t, "x", provider.last().Query().Get("sub1"))
}

func TestClickID_JSONBody(t *testing.T) {
	lookup, seen := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)

	r := httptest.NewRequest(http.MethodPost, "http://shop.example/clickid", strings.NewReader(`{"referrer":"https://shop.example/promo?sub3=z","qs":"?sub3=z"}`))
	r.Header.Set("Content-Type", "application/json")
	_, body := env.do(t, r)

	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "promo", seen.Load().(url.Values).Get("route"))
	assert.Equal(t, "z", provider.last().Query().Get("sub3"))
}

func TestClickID_ProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantError string
		wantRaw   bool
	}{
		{"upstream 502", http.StatusBadGateway, `bad`, "mint request failed", false},
		{"missing clickid", http.StatusOK, `{"error":"campaign paused"}`, "no clickid in JSON", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup, _ := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
			provider := newFakeProvider(t, tt.status, tt.body)
			env := newTestEnv(t, lookup.URL, time.Second, provider)

			w, body := env.do(t, postForm("http://shop.example/clickid", url.Values{"referrer": {"https://shop.example/landing"}}))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.wantError, body["error"])
			assert.Contains(t, body["url"], provider.URL+"/cmp?format=json")
			assert.NotNil(t, body["debug"])
			if tt.wantRaw {
				assert.Equal(t, map[string]any{"error": "campaign paused"}, body["raw"])
			} else {
				assert.Equal(t, float64(http.StatusBadGateway), body["status"])
				assert.Equal(t, "HTTP 502", body["detail"])
			}
			assert.Nil(t, cookieNamed(w, "rtkclickid-store"))
		})
	}
}

type panickingMinter struct{}

func (panickingMinter) Mint(context.Context, clickid.Request) (clickid.Result, error) {
	panic("boom")
}

func TestClickID_PanicBecomesJSON(t *testing.T) {
	lookup, _ := fakeLookup(t, `{"success":true,"routeData":{"rtkID":"cmp"}}`)
	provider := newFakeProvider(t, http.StatusOK, `{"clickid":"abc123"}`)
	env := newTestEnv(t, lookup.URL, time.Second, provider)
	env.handler.Minter = panickingMinter{}

	r := httptest.NewRequest(http.MethodGet, "http://shop.example/clickid", nil)
	r.Header.Set("Referer", "https://shop.example/landing")
	w, body := env.do(t, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "internal error", body["error"])
}

func TestRecoverJSON_PanicAfterWrite(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, clickIDResponse{OK: true, ClickID: "abc123"})
		panic("late")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/clickid", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	dec := json.NewDecoder(w.Body)
	var body map[string]any
	require.NoError(t, dec.Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "abc123", body["clickid"])
	assert.False(t, dec.More(), "no second body after a late panic")
}

func TestRouter_Healthz(t *testing.T) {
	provider := newFakeProvider(t, http.StatusOK, `{}`)
	env := newTestEnv(t, "http://127.0.0.1:1", time.Second, provider)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clickid_requests_total")
}
