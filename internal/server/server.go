package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/descmd1/meetup-api/internal/auth"
	"github.com/descmd1/meetup-api/internal/call"
	"github.com/descmd1/meetup-api/internal/dispatch"
	"github.com/descmd1/meetup-api/internal/entitlement"
	"github.com/descmd1/meetup-api/internal/metrics"
	"github.com/descmd1/meetup-api/internal/presence"
	"github.com/descmd1/meetup-api/internal/server/middleware"
	"github.com/descmd1/meetup-api/internal/store"
	"github.com/descmd1/meetup-api/pkg/config"
	"github.com/descmd1/meetup-api/pkg/transport"
)

type App struct {
	logger     *slog.Logger
	registry   *presence.Registry
	tracker    *call.Tracker
	dispatcher *dispatch.Dispatcher
	notifier   *dispatch.Notifier
	metrics    *metrics.Metrics
	issuer     *auth.Issuer

	wg     sync.WaitGroup
	http   *http.Server
	config *config.Config

	connMu sync.Mutex
	conns  map[uuid.UUID]*transport.Connection

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	registry := presence.NewRegistry(logger)
	gate := entitlement.NewGate(logger, st)
	tracker := call.NewTracker(logger, registry, registry, gate, cfg.Call.OfferTimeout)
	dispatcher := dispatch.NewDispatcher(logger, registry, tracker, st, m)
	notifier := dispatch.NewNotifier(logger, registry)
	issuer := auth.NewIssuer(cfg.Server.Auth.JWTSecret, cfg.Server.Auth.TokenTTL)

	app := &App{
		logger:     logger,
		registry:   registry,
		tracker:    tracker,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    m,
		issuer:     issuer,
		config:     cfg,
		conns:      make(map[uuid.UUID]*transport.Connection),
		ctx:        rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCycler := func(userID string) {
		for _, connID := range registry.RoomConnIDs(userID) {
			app.connMu.Lock()
			conn, ok := app.conns[connID]
			app.connMu.Unlock()
			if ok {
				logger.Info("Cycling connection for new one", slog.String("userID", userID), slog.String("connID", connID.String()))
				conn.Close(errors.New("connection cycled by new connection"))
				return
			}
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, issuer.VerifyToken),
			middleware.NewConnectionLimiter(
				logger,
				registry.ConnectionCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", metrics.Handler(m))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return store.NewRedisStore(rdb), nil
	default:
		return nil, errors.New("unknown store backend: " + cfg.Store.Backend)
	}
}

// Notifier exposes the message-mutation broadcast API to the HTTP layer that
// embeds this app.
func (a *App) Notifier() *dispatch.Notifier {
	return a.notifier
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)
	a.connMu.Lock()
	a.conns[conn.ID()] = conn
	a.connMu.Unlock()

	conn.SetOnMessageHandler(a.dispatcher.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Connection closed, cleaning up", slog.String("connID", id.String()))
		a.dispatcher.HandleDisconnect(id)
		a.connMu.Lock()
		delete(a.conns, id)
		a.connMu.Unlock()
	})

	// Pre-authenticated clients are registered immediately; anonymous ones
	// bind their identity with a register event.
	a.dispatcher.HandleConnect(conn, reqMeta.UserID)

	connLogger.Info("Connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.connMu.Unlock()
	for _, conn := range conns {
		conn.Close(errors.New("graceful shutdown"))
	}

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
