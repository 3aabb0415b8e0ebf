package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"clickid-service/internal/api"
	"clickid-service/internal/campaign"
	"clickid-service/internal/clickid"
	"clickid-service/internal/config"
	"clickid-service/internal/session"
)

// Server wires the click id handler to its collaborators.
type Server struct {
	cfg   config.Config
	store session.Store
	http  *http.Server
}

// New builds the HTTP server around an already opened session store.
func New(cfg config.Config, store session.Store) *Server {
	campaigns := campaign.NewClient(campaign.Options{
		BaseURL:            cfg.Lookup.BaseURL,
		FallbackID:         cfg.ClickID.FallbackCampaignID,
		ConnectTimeout:     cfg.Lookup.ConnectTimeout,
		Timeout:            cfg.Lookup.Timeout,
		InsecureSkipVerify: cfg.Lookup.InsecureSkipVerify,
	})
	minter := clickid.NewMinter(clickid.Options{
		BaseURL:        cfg.Provider.BaseURL,
		ConnectTimeout: cfg.Provider.ConnectTimeout,
		Timeout:        cfg.Provider.Timeout,
	})
	sessions := session.NewManager(store, cfg.Session.CookieName, cfg.Session.Lifetime)

	h := api.NewClickIDHandler(cfg, campaigns, minter, sessions)
	return &Server{
		cfg:   cfg,
		store: store,
		http: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      api.Router(h),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve runs until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go session.Sweep(ctx, s.store, s.cfg.Session.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Server.Addr).Msg("http server starting")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server crashed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	return s.http.Shutdown(shCtx)
}

// Run opens the session store and serves until SIGINT or SIGTERM.
func Run(cfg config.Config) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := session.Open(rootCtx, cfg)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	defer store.Close()

	return New(cfg, store).Serve(rootCtx)
}
