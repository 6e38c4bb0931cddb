// Package server provides the webhook ingress for the bot fleet. Every
// registered bot delivers its updates to the same endpoint, authenticated by
// the bot token in the query string, and the server pushes them through the
// shared events dispatcher.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/didip/tollbooth/v8"
	cache "github.com/go-pkgz/expirable-cache/v3"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/campusnet/tg-warden/app/events"
	"github.com/campusnet/tg-warden/app/storage"
)

//go:generate moq --out mocks/dispatcher.go --pkg mocks --with-resets --skip-ensure . Dispatcher
//go:generate moq --out mocks/bot_registry.go --pkg mocks --with-resets --skip-ensure . BotRegistry

// Dispatcher runs an update through the handler chain
type Dispatcher interface {
	Dispatch(ctx context.Context, req *events.Request) error
}

// BotRegistry resolves webhook tokens to registered bots
type BotRegistry interface {
	ByToken(ctx context.Context, token string) (storage.Bot, bool, error)
}

// ClientPool makes telegram clients per bot token
type ClientPool interface {
	Client(token string) (events.TbAPI, error)
}

// Server is the webhook ingress http server
type Server struct {
	Config
	tokens cache.Cache[string, storage.Bot] // resolved tokens, misses go to the registry
}

// Config defines server parameters
type Config struct {
	Version    string      // version to show in /ping
	ListenAddr string      // listen address
	Dispatcher Dispatcher  // events dispatcher, shared by all bots
	Bots       BotRegistry // bot registry, authenticates webhook tokens
	Clients    ClientPool  // telegram client pool
	Dbg        bool        // debug mode
}

// New creates a webhook server
func New(config Config) *Server {
	return &Server{
		Config: config,
		tokens: cache.NewCache[string, storage.Bot]().WithTTL(5 * time.Minute).WithMaxKeys(1000),
	}
}

// Run starts the server and accepts webhook deliveries until ctx is canceled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.ListenAddr, Handler: s.router(), ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[WARN] failed to shutdown webhook server: %v", err)
		} else {
			log.Printf("[INFO] webhook server stopped")
		}
	}()

	log.Printf("[INFO] start webhook server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

// router assembles the middleware chain and routes
func (s *Server) router() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(log.Default()))
	router.Use(rest.AppInfo("tg-warden", "campusnet", s.Version), rest.Ping)
	router.Use(rest.Throttle(1000))
	router.Use(limitMiddleware(50))
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	router.HandleFunc("POST /webhook", s.webhookHandler)
	router.HandleFunc("GET /healthcheck", s.healthcheckHandler)
	return router
}

// webhookHandler handles POST /webhook?token=... requests. The token is the
// only credential, it authenticates the delivering bot and is never echoed
// back in any response.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, errors.New("no token"), "token is required")
		return
	}

	bot, found, err := s.resolveBot(r.Context(), token)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't resolve bot")
		return
	}
	if !found {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusForbidden, errors.New("unknown bot"), "token is not registered")
		return
	}

	var update tbapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "can't decode update")
		return
	}

	client, err := s.Clients.Client(bot.Token)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't make telegram client")
		return
	}

	req := &events.Request{Update: update, API: client, Bot: bot, BotID: events.BotID(bot.Token)}
	if err := s.Dispatcher.Dispatch(r.Context(), req); err != nil {
		// telegram retries failed deliveries, a handler error must not trigger a
		// redelivery of the same update
		log.Printf("[WARN] update %d processed with errors: %v", update.UpdateID, err)
	}
	rest.RenderJSON(w, rest.JSON{"ok": true})
}

// healthcheckHandler handles GET /healthcheck requests
func (s *Server) healthcheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// resolveBot authenticates the token against the registry, caching hits to
// keep the hot path off the database
func (s *Server) resolveBot(ctx context.Context, token string) (storage.Bot, bool, error) {
	if bot, ok := s.tokens.Get(token); ok {
		return bot, true, nil
	}
	bot, found, err := s.Bots.ByToken(ctx, token)
	if err != nil || !found {
		return storage.Bot{}, found, err
	}
	s.tokens.Set(token, bot, 0)
	return bot, true, nil
}

// limitMiddleware adapts the tollbooth limiter to the router middleware shape
func limitMiddleware(reqPerSec float64) func(http.Handler) http.Handler {
	lmt := tollbooth.NewLimiter(reqPerSec, nil)
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}
