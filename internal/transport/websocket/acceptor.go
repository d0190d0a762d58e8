package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/protoshock/Server-Files/internal/config"
	"github.com/protoshock/Server-Files/internal/stats"
)

// StatsFeed supplies telemetry for the dashboard and stats endpoints.
type StatsFeed interface {
	Subscribe(ch chan<- stats.Snapshot)
	Unsubscribe(ch chan<- stats.Snapshot)
	Collect() stats.Snapshot
}

// Acceptor serves game clients on /ws, pushed stats on /dashboard, pulled
// stats on /stats, and a liveness probe on /health.
type Acceptor struct {
	server   config.ServerConfig
	relayCfg config.RelayConfig
	relay    Relay
	feed     StatsFeed
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}

	mu      sync.Mutex
	running bool
	conns   map[*Conn]struct{}
}

// NewAcceptor creates an Acceptor.
//
// Precondition: r, feed, and logger must be non-nil; relayCfg.SendBuffer must be > 0.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(server config.ServerConfig, relayCfg config.RelayConfig, r Relay, feed StatsFeed, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		server:   server,
		relayCfg: relayCfg,
		relay:    r,
		feed:     feed,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		quit:  make(chan struct{}),
		conns: make(map[*Conn]struct{}),
	}
}

// Handler returns the HTTP routes served by the acceptor.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleClient)
	mux.HandleFunc("/dashboard", a.handleDashboard)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// ListenAndServe binds the listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after a clean Stop.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.server.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.server.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.server.ReadTimeout,
	}

	a.mu.Lock()
	a.listener = listener
	a.httpServer = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("relay listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, closes every live connection, and waits
// for their handlers to return or ctx to expire. Calling Stop is idempotent.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.quit)
	srv := a.httpServer
	live := make([]*Conn, 0, len(a.conns))
	for c := range a.conns {
		live = append(live, c)
	}
	a.mu.Unlock()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutting down http: %w", shutdownErr)
		}
	}
	for _, c := range live {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("waiting for connections: %w", ctx.Err())
		}
	}

	a.logger.Info("relay acceptor stopped", zap.Int("closed_connections", len(live)))
	return err
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently serving.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Connections returns the number of live game client connections.
func (a *Acceptor) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Acceptor) handleClient(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	start := time.Now()
	conn := NewConn(ws, a.relay, a.logger, a.relayCfg.SendBuffer, a.relayCfg.MaxMessageBytes)
	if !a.track(conn) {
		_ = ws.Close()
		return
	}
	defer a.untrack(conn)

	a.logger.Info("client connected", zap.String("remote_addr", conn.RemoteAddr()))
	conn.Serve()
	a.logger.Info("client disconnected",
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.Duration("duration", time.Since(start)),
	)
}

// enter counts a handler in, refusing it once Stop has begun.
// Caller must hold a.mu.
func (a *Acceptor) enter() bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) track(conn *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enter() {
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *Acceptor) untrack(conn *Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	a.wg.Done()
}

func (a *Acceptor) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("dashboard upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	a.mu.Lock()
	ok := a.enter()
	a.mu.Unlock()
	if !ok {
		return
	}
	defer a.wg.Done()

	updates := make(chan stats.Snapshot, 1)
	a.feed.Subscribe(updates)
	defer a.feed.Unsubscribe(updates)

	// Reading is required to process close and ping frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	a.logger.Debug("dashboard connected", zap.String("remote_addr", r.RemoteAddr))
	for {
		select {
		case snap := <-updates:
			data, err := json.Marshal(snap)
			if err != nil {
				a.logger.Error("encoding snapshot", zap.Error(err))
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		case <-a.quit:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (a *Acceptor) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.feed.Collect()); err != nil {
		a.logger.Debug("writing stats response", zap.Error(err))
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
