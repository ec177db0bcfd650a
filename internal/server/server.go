package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/classpulse/relay/internal/call"
	"github.com/classpulse/relay/internal/heartbeat"
	"github.com/classpulse/relay/internal/relay"
	"github.com/classpulse/relay/internal/server/middleware"
	"github.com/classpulse/relay/pkg/config"
	"github.com/classpulse/relay/pkg/state"
	"github.com/classpulse/relay/pkg/state/statemanager"
	"github.com/classpulse/relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type App struct {
	logger   *slog.Logger
	registry state.Registry
	relay    *relay.Relay
	calls    *call.Machine
	history  *call.History
	monitor  *heartbeat.Monitor
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	registry := statemanager.NewInMemoryManager(logger)
	history := call.NewHistory(logger, cfg.History.Limit)
	online := func(userID string) bool { return registry.UserConnectionCount(userID) > 0 }
	calls := call.NewMachine(logger, online, history)
	messageRelay := relay.New(logger, registry, calls, cfg.Relay.EchoToSender)

	app := &App{
		logger:   logger,
		registry: registry,
		relay:    messageRelay,
		calls:    calls,
		history:  history,
		config:   cfg,
		ctx:      rootCtx,
	}

	app.monitor = heartbeat.NewMonitor(logger, registry, cfg.Heartbeat.Interval, func(conn *state.Connection) {
		// Closing the transport runs the same deregistration and offline
		// cleanup path as a clean disconnect.
		conn.Transport.Close(heartbeat.ErrTimeout)
	})

	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(userID string) {
		oldest, found := registry.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	router := mux.NewRouter()
	router.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, cfg.Server.Auth.AllowAnonymous),
			middleware.NewConnectionLimiter(
				logger,
				registry.UserConnectionCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	router.HandleFunc("/healthz", app.handleHealth).Methods(http.MethodGet)
	router.Handle("/calls", history).Methods(http.MethodGet)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: router, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	a.monitor.Start(a.ctx)

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
		nil,
		nil,
		a.logger,
	)
	// register new connection
	stateConn, err := a.registry.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	// associate the authenticated user with the registered connection; a
	// connection without an identity stays registered but anonymous.
	if reqMeta.UserID != "" {
		if _, err := a.registry.AssociateUser(stateConn.ID, reqMeta.UserID); err != nil {
			connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
			conn.Close(err)
			return
		}
	}
	conn.SetOnMessageHandler(a.relay.HandleMessage)
	userID := reqMeta.UserID
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		if dErr := a.registry.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
		a.relay.NotifyDisconnected(userID)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	a.monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
