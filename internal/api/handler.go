package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"clickid-service/internal/campaign"
	"clickid-service/internal/clickid"
	"clickid-service/internal/config"
	"clickid-service/internal/observability"
	"clickid-service/internal/route"
	"clickid-service/internal/session"
)

// Session keys holding the cached click id and its unix mint time.
const (
	SessionKeyClickID   = "rt_clickid"
	SessionKeyTimestamp = "rt_clickid_ts"
)

const maxBodyBytes = 64 << 10

type CampaignResolver interface {
	Resolve(ctx context.Context, domain, route string) campaign.Resolution
}

type ClickIDMinter interface {
	Mint(ctx context.Context, req clickid.Request) (clickid.Result, error)
}

// CookieWriter sets browser-visible cookies on a response.
type CookieWriter interface {
	SetCookie(w http.ResponseWriter, c *http.Cookie)
}

type CookieWriterFunc func(w http.ResponseWriter, c *http.Cookie)

func (f CookieWriterFunc) SetCookie(w http.ResponseWriter, c *http.Cookie) { f(w, c) }

// HTTPCookies writes Set-Cookie headers.
var HTTPCookies CookieWriter = CookieWriterFunc(http.SetCookie)

// ClickIDHandler serves the click id endpoint.
type ClickIDHandler struct {
	Resolver  route.Resolver
	Campaigns CampaignResolver
	Minter    ClickIDMinter
	Sessions  *session.Manager
	Cookies   CookieWriter

	endpoint     string
	ttl          time.Duration
	cookieName   string
	cookieMaxAge time.Duration
	timeout      time.Duration
	now          func() time.Time
}

func NewClickIDHandler(cfg config.Config, campaigns CampaignResolver, minter ClickIDMinter, sessions *session.Manager) *ClickIDHandler {
	return &ClickIDHandler{
		Resolver:     route.NewResolver(cfg.ClickID.Endpoint),
		Campaigns:    campaigns,
		Minter:       minter,
		Sessions:     sessions,
		Cookies:      HTTPCookies,
		endpoint:     cfg.ClickID.Endpoint,
		ttl:          cfg.ClickID.TTL,
		cookieName:   cfg.ClickID.CookieName,
		cookieMaxAge: cfg.ClickID.CookieMaxAge,
		timeout:      cfg.Server.RequestTimeout,
		now:          time.Now,
	}
}

// clickRequest is the optional request body. Only Referrer is used; the
// rest is accepted from the tracking snippet and logged.
type clickRequest struct {
	Referrer string `json:"referrer"`
	QS       string `json:"qs"`
	FBP      string `json:"fbp"`
	FBC      string `json:"fbc"`
}

type debugInfo struct {
	Domain string  `json:"domain"`
	Route  string  `json:"route"`
	RtkID  *string `json:"rtkID"`
}

type clickIDResponse struct {
	OK      bool      `json:"ok"`
	ClickID string    `json:"clickid"`
	Cached  bool      `json:"cached"`
	Ref     string    `json:"ref"`
	MintURL *string   `json:"mint_url"`
	Debug   debugInfo `json:"debug"`
}

type errorResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Status int             `json:"status,omitempty"`
	Detail string          `json:"detail,omitempty"`
	URL    string          `json:"url,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
	Ref    string          `json:"ref,omitempty"`
	Debug  *debugInfo      `json:"debug,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ClickID resolves, caches and mints the visitor's click id. Every outcome
// is answered with HTTP 200 and a JSON body; failures carry ok=false.
func (h *ClickIDHandler) ClickID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := readBody(w, r)
	if body.QS != "" || body.FBP != "" || body.FBC != "" {
		log.Debug().Str("qs", body.QS).Str("fbp", body.FBP).Str("fbc", body.FBC).Msg("unused tracking fields")
	}

	routeRef := body.Referrer
	if routeRef == "" {
		routeRef = r.Referer()
	}
	target := h.Resolver.Resolve(r.Host, r.URL.RequestURI(), routeRef)
	res := h.Campaigns.Resolve(ctx, target.Domain, target.Route)

	ref := clickid.Referrer(r, body.Referrer)
	dbg := debugInfo{Domain: target.Domain, Route: target.Route}
	if !res.Disabled {
		id := res.CampaignID
		dbg.RtkID = &id
	}

	sess := h.Sessions.Start(w, r)
	if cached, ok := h.cachedClickID(sess); ok {
		observability.CacheHits.Inc()
		writeJSON(w, http.StatusOK, clickIDResponse{
			OK:      true,
			ClickID: cached,
			Cached:  true,
			Ref:     ref,
			Debug:   dbg,
		})
		return
	}

	if res.Disabled {
		observability.RequestErrors.WithLabelValues("disabled").Inc()
		log.Info().Str("domain", target.Domain).Str("route", target.Route).Msg("tracking disabled for route")
		writeJSON(w, http.StatusOK, errorResponse{
			Error: "rtkID is null - tracking disabled",
			Ref:   ref,
			Debug: &dbg,
		})
		return
	}

	minted, err := h.Minter.Mint(ctx, clickid.Request{
		CampaignID: res.CampaignID,
		Referrer:   ref,
		UserAgent:  r.UserAgent(),
		ClientIP:   clickid.ClientIP(r),
	})
	if err != nil {
		writeJSON(w, http.StatusOK, h.mintFailure(err, minted.URL, ref, dbg))
		return
	}

	sess.Values[SessionKeyClickID] = minted.ClickID
	sess.Values[SessionKeyTimestamp] = strconv.FormatInt(h.now().Unix(), 10)
	if err := h.Sessions.Save(ctx, sess); err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("save session")
	}

	h.Cookies.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    minted.ClickID,
		Path:     "/",
		Expires:  h.now().Add(h.cookieMaxAge),
		MaxAge:   int(h.cookieMaxAge.Seconds()),
		Secure:   clickid.IsHTTPS(r),
		HttpOnly: false, // read by the provider's client-side script
		SameSite: http.SameSiteLaxMode,
	})

	mintURL := minted.URL
	writeJSON(w, http.StatusOK, clickIDResponse{
		OK:      true,
		ClickID: minted.ClickID,
		Ref:     ref,
		MintURL: &mintURL,
		Debug:   dbg,
	})
}

// cachedClickID reports a click id minted less than ttl ago.
func (h *ClickIDHandler) cachedClickID(s *session.Session) (string, bool) {
	id := s.Values[SessionKeyClickID]
	if id == "" {
		return "", false
	}
	ts, err := strconv.ParseInt(s.Values[SessionKeyTimestamp], 10, 64)
	if err != nil || ts == 0 {
		return "", false
	}
	if h.now().Unix()-ts >= int64(h.ttl.Seconds()) {
		return "", false
	}
	return id, true
}

func (h *ClickIDHandler) mintFailure(err error, mintURL, ref string, dbg debugInfo) errorResponse {
	logEvt := log.Error().Err(err).
		Str("domain", dbg.Domain).
		Str("route", dbg.Route).
		Str("url", mintURL)
	if dbg.RtkID != nil {
		logEvt = logEvt.Str("rtkID", *dbg.RtkID)
	}

	var (
		upstream *clickid.UpstreamError
		missing  *clickid.MissingClickIDError
	)
	switch {
	case errors.As(err, &upstream):
		observability.RequestErrors.WithLabelValues("mint_upstream").Inc()
		logEvt.Int("status", upstream.StatusCode).Msg("mint request failed")
		return errorResponse{
			Error:  "mint request failed",
			Status: upstream.StatusCode,
			Detail: upstream.Detail,
			URL:    mintURL,
			Ref:    ref,
			Debug:  &dbg,
		}
	case errors.As(err, &missing):
		observability.RequestErrors.WithLabelValues("mint_missing").Inc()
		logEvt.RawJSON("raw", missing.Raw).Msg("no clickid in mint response")
		return errorResponse{
			Error: "no clickid in JSON",
			URL:   mintURL,
			Raw:   missing.Raw,
			Ref:   ref,
			Debug: &dbg,
		}
	}
	observability.RequestErrors.WithLabelValues("mint_other").Inc()
	logEvt.Msg("mint failed")
	return errorResponse{Error: "mint failed", URL: mintURL, Ref: ref, Debug: &dbg}
}

// readBody accepts form-encoded, multipart or JSON bodies. Malformed
// bodies are treated as empty.
func readBody(w http.ResponseWriter, r *http.Request) clickRequest {
	var body clickRequest
	if r.Method != http.MethodPost || r.Body == nil {
		return body
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed JSON body")
			return clickRequest{}
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed multipart body")
			return body
		}
		body = formBody(r)
	default:
		if err := r.ParseForm(); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed form body")
			return body
		}
		body = formBody(r)
	}
	return body
}

func formBody(r *http.Request) clickRequest {
	return clickRequest{
		Referrer: r.PostForm.Get("referrer"),
		QS:       r.PostForm.Get("qs"),
		FBP:      r.PostForm.Get("fbp"),
		FBC:      r.PostForm.Get("fbc"),
	}
}
