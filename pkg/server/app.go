// Package server is the broker side of the system: a REST API over the
// store, a websocket hub fanning out committed changes per topic, and a
// catalog proxy with a TTL menu cache.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gruporder/gruporder/pkg/catalog"
	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Config carries everything an App needs. Fetcher may be nil, in which
// case sessions are created without menu data and catalog endpoints
// report the feature as unavailable.
type Config struct {
	Addr    string
	Store   store.Store
	Fetcher *catalog.Fetcher
	Logger  logger.Logger
}

// App owns the HTTP surface and the realtime hub.
type App struct {
	addr    string
	store   store.Store
	fetcher *catalog.Fetcher
	menus   *catalog.MenuCache
	hub     *Hub
	router  *mux.Router
	logger  logger.Logger
}

func NewApp(cfg Config) *App {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	a := &App{
		addr:    cfg.Addr,
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		hub:     NewHub(log),
		logger:  log,
	}
	if cfg.Fetcher != nil {
		a.menus = catalog.NewMenuCache(catalog.DefaultMenuTTL, func(ctx context.Context, link string) ([]models.MenuItem, error) {
			payload, err := cfg.Fetcher.FetchMerchant(ctx, link)
			if err != nil {
				return nil, err
			}
			return payload.MenuItems(models.MerchantID{}), nil
		})
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", a.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}", a.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}/orders", a.handleListOrders).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}/orders", a.handleCreateOrder).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}/orders/{orderID}", a.handleUpdateOrder).Methods("PUT")
	api.HandleFunc("/sessions/{sessionID}/orders/{orderID}", a.handleDeleteOrder).Methods("DELETE")
	api.HandleFunc("/sessions/{sessionID}/messages", a.handleListMessages).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}/messages", a.handleCreateMessage).Methods("POST")
	api.HandleFunc("/sessions/{sessionID}/merchants/{merchantID}/menu", a.handleMenu).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}/merchants/{merchantID}/refresh", a.handleRefreshMerchant).Methods("POST")
	router.HandleFunc("/realtime/{sessionID}", a.handleRealtime)
	a.router = router

	return a
}

// Router exposes the handler for tests and embedding.
func (a *App) Router() http.Handler { return a.router }

// Hub exposes the realtime hub so embedding callers can publish changes
// committed outside the HTTP surface.
func (a *App) Hub() *Hub { return a.hub }

// Run serves until the context is canceled, then drains connections.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.addr,
		Handler: a.router,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
