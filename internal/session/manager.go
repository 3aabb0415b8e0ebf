package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Session is one visitor's session, loaded for the duration of a request.
type Session struct {
	ID     string
	Values Values
	IsNew  bool
}

// Manager binds sessions to browsers through an id cookie.
type Manager struct {
	store      Store
	cookieName string
	lifetime   time.Duration
	now        func() time.Time
}

func NewManager(store Store, cookieName string, lifetime time.Duration) *Manager {
	return &Manager{store: store, cookieName: cookieName, lifetime: lifetime, now: time.Now}
}

// Start returns the session named by the request's id cookie. Malformed ids
// get a fresh session and a new cookie. Unknown or expired ids, and store
// failures, keep the browser's id with empty values.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request) *Session {
	if c, err := r.Cookie(m.cookieName); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			v, err := m.store.Load(r.Context(), c.Value)
			switch {
			case err == nil:
				return &Session{ID: c.Value, Values: v}
			case errors.Is(err, ErrNotFound):
				// the browser keeps its id; the session starts empty
				return &Session{ID: c.Value, Values: Values{}}
			default:
				// cookie kept; stored values stay reachable once the store recovers
				log.Error().Err(err).Str("session", c.Value).Msg("load session")
				return &Session{ID: c.Value, Values: Values{}}
			}
		}
	}

	s := &Session{ID: uuid.NewString(), Values: Values{}, IsNew: true}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

// Save persists the session for the manager's lifetime.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	return m.store.Save(ctx, s.ID, s.Values, m.now().Add(m.lifetime))
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
