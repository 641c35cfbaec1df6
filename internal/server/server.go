// Package server assembles the application: configuration, database, bus,
// stores, dispatcher, and the echo instance with its routes. All wiring is
// static and resolved at startup; nothing is looked up dynamically at
// request time.
package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/database"
	"github.com/nfrund/parley/internal/directory"
	"github.com/nfrund/parley/internal/dispatcher"
	"github.com/nfrund/parley/internal/handlers"
	"github.com/nfrund/parley/internal/ledger"
	appmw "github.com/nfrund/parley/internal/middleware"
	"github.com/nfrund/parley/internal/moderation"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/roster"
	"github.com/nfrund/parley/internal/saved"
)

// Server holds the running application's components.
type Server struct {
	E      *echo.Echo
	DB     *surrealdb.DB
	Cfg    config.Provider
	Bus    *pubsub.WatermillBridge
	Gate   *moderation.Gate
	Bridge *dispatcher.Bridge
	Typing *presence.TypingTracker

	injector    do.Injector
	cancelWatch context.CancelFunc
}

// New builds a Server from the environment.
func New(cfg config.Provider) (*Server, error) {
	injector := do.New()

	do.ProvideValue[config.Provider](injector, cfg)

	do.Provide(injector, func(i do.Injector) (*surrealdb.DB, error) {
		return database.NewDB(context.Background(), do.MustInvoke[config.Provider](i))
	})

	do.Provide(injector, func(i do.Injector) (*pubsub.WatermillBridge, error) {
		return pubsub.NewWatermillBridge(), nil
	})

	do.Provide(injector, func(i do.Injector) (*moderation.Gate, error) {
		cfg := do.MustInvoke[config.Provider](i)
		if path := cfg.GetBlocklistPath(); path != "" {
			return moderation.New(moderation.WithFile(afero.NewOsFs(), path)), nil
		}
		return moderation.New(), nil
	})

	do.Provide(injector, func(i do.Injector) (*presence.TypingTracker, error) {
		cfg := do.MustInvoke[config.Provider](i)
		return presence.NewTypingTracker(presence.WithTTL(cfg.GetTypingTTL())), nil
	})

	do.Provide(injector, func(i do.Injector) (*ledger.Store, error) {
		return ledger.NewStore(do.MustInvoke[*surrealdb.DB](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*saved.Store, error) {
		return saved.NewStore(do.MustInvoke[*surrealdb.DB](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (roster.Membership, error) {
		return roster.NewSurrealMembership(do.MustInvoke[*surrealdb.DB](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*directory.Service, error) {
		return directory.NewService(
			do.MustInvoke[*ledger.Store](i),
			do.MustInvoke[*saved.Store](i),
			do.MustInvoke[roster.Membership](i),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*dispatcher.Bridge, error) {
		return dispatcher.NewBridge(
			do.MustInvoke[*moderation.Gate](i),
			do.MustInvoke[*ledger.Store](i),
			do.MustInvoke[roster.Membership](i),
			do.MustInvoke[*presence.TypingTracker](i),
			do.MustInvoke[*pubsub.WatermillBridge](i),
		), nil
	})

	db, err := do.Invoke[*surrealdb.DB](injector)
	if err != nil {
		return nil, err
	}

	bus := do.MustInvoke[*pubsub.WatermillBridge](injector)
	gate := do.MustInvoke[*moderation.Gate](injector)
	typing := do.MustInvoke[*presence.TypingTracker](injector)
	bridge := do.MustInvoke[*dispatcher.Bridge](injector)

	go bridge.Run()

	// Background work stops on shutdown via this context.
	watchCtx, cancelWatch := context.WithCancel(context.Background())

	if err := typing.SubscribeDisconnects(watchCtx, bus, dispatcher.TopicClientDisconnected); err != nil {
		cancelWatch()
		return nil, err
	}

	go func() {
		if err := gate.Watch(watchCtx); err != nil {
			slog.Error("blocklist watch stopped", "error", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Validator = handlers.NewValidator()
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(session.Middleware(appmw.SessionStore(cfg.GetSessionSecret())))

	s := &Server{
		E:           e,
		DB:          db,
		Cfg:         cfg,
		Bus:         bus,
		Gate:        gate,
		Bridge:      bridge,
		Typing:      typing,
		injector:    injector,
		cancelWatch: cancelWatch,
	}

	conversations := handlers.NewConversationHandler(
		do.MustInvoke[*directory.Service](injector),
		do.MustInvoke[*ledger.Store](injector),
		do.MustInvoke[roster.Membership](injector),
	)
	contacts := handlers.NewContactsHandler(do.MustInvoke[*saved.Store](injector))
	s.registerRoutes(conversations, contacts)

	return s, nil
}
