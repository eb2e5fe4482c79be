// Package wsserver implements the WebSocket accept surface of spec §4.9: a
// plain net/http listener whose single route upgrades the HTTP connection
// to a WebSocket and hands the result to internal/wsconn's Manager. Grounded
// on the teacher's ws/server.go Start/handleWebSocket pair — the connection-
// slot semaphore with a bounded acquire timeout, the ws.UpgradeHTTP call
// inside the handler rather than a raw TCP accept loop, and the structured
// disconnect logging — generalized from the teacher's Kafka-backed single
// route to this spec's subscription/heartbeat wiring.
package wsserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantarc/marketfeed/internal/subscription"
	"github.com/quantarc/marketfeed/internal/wsconn"
)

// slotAcquireTimeout bounds how long a pending upgrade waits for a free
// connection slot before the server answers 503, matching the teacher's
// 5-second connectionsSem acquire window. A var, not a const, so tests can
// shrink it instead of waiting out the real window.
var slotAcquireTimeout = 5 * time.Second

// Registrar is implemented by internal/heartbeat.Supervisor: learning about
// a newly accepted client starts its liveness tracking.
type Registrar interface {
	Register(clientID string)
}

// WelcomeBuilder is implemented by internal/wsproto.Router: it frames the
// post-upgrade welcome payload (the "welcome" message of spec §4.9).
type WelcomeBuilder interface {
	SendWelcome(clientID string, supportedTypes []string, heartbeatInterval time.Duration, maxSubscriptions int) ([]byte, ws.OpCode, error)
}

// Connector is implemented by internal/wsconn.Manager: registers the
// upgraded connection and starts its read/write pumps.
type Connector interface {
	Connect(ctx context.Context, clientID string, conn net.Conn, authInfo any, welcome []byte) (*wsconn.Connection, error)
}

// Config controls the accept surface's bind address and per-client limits
// surfaced in the welcome frame.
type Config struct {
	Host                      string
	Port                      int
	HeartbeatInterval         time.Duration
	MaxSubscriptionsPerClient int
}

// supportedDataTypes lists the stream kinds advertised in the welcome
// frame; kept in one place so adding a subscription.DataType only requires
// a change here, not at every call site.
var supportedDataTypes = []string{
	string(subscription.DataTypeQuote),
	string(subscription.DataTypeKline),
	string(subscription.DataTypeTrade),
	string(subscription.DataTypeDepth),
	string(subscription.DataTypeTick),
	string(subscription.DataTypeOrderbook),
}

// Server owns the HTTP listener and bounds concurrent in-flight upgrades to
// cfg's connection limit via a buffered semaphore, mirroring the teacher's
// connectionsSem.
type Server struct {
	cfg        Config
	httpServer *http.Server
	sem        chan struct{}

	conns     Connector
	welcomer  WelcomeBuilder
	registrar Registrar
	logger    zerolog.Logger
}

// New builds a Server. maxConnections sizes the admission semaphore; it
// should match internal/wsconn.Config.MaxConnections so the accept surface
// never queues more upgrades than the Manager would accept anyway.
func New(cfg Config, maxConnections int, conns Connector, welcomer WelcomeBuilder, registrar Registrar, logger zerolog.Logger) *Server {
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	s := &Server{
		cfg:       cfg,
		sem:       make(chan struct{}, maxConnections),
		conns:     conns,
		welcomer:  welcomer,
		registrar: registrar,
		logger:    logger.With().Str("component", "wsserver").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}
	return s
}

// Start runs the accept loop until the listener is closed or Shutdown is
// called; it returns http.ErrServerClosed on a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("websocket accept surface listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new upgrades; it does not touch already-upgraded
// connections, which are drained separately via wsconn.Manager.DrainAll.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	case <-time.After(slotAcquireTimeout):
		s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("connection slot acquire timed out, rejecting")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	welcome, _, err := s.welcomer.SendWelcome(clientID, supportedDataTypes, s.cfg.HeartbeatInterval, s.cfg.MaxSubscriptionsPerClient)
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to build welcome frame")
		welcome = nil
	}

	if _, err := s.conns.Connect(r.Context(), clientID, conn, nil, welcome); err != nil {
		<-s.sem
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("connection rejected by manager")
		_ = conn.Close()
		return
	}

	if s.registrar != nil {
		s.registrar.Register(clientID)
	}
	s.logger.Info().Str("client_id", clientID).Str("remote_addr", r.RemoteAddr).Msg("client connected")
}

// release frees one admission slot; called by the SlotReleaser disconnect
// listener once the Manager reports a client fully gone.
func (s *Server) release() {
	select {
	case <-s.sem:
	default:
	}
}

// SlotReleaser adapts Server into a wsconn.DisconnectListener: it frees the
// admission slot the handler claimed and forwards the notification to a
// second listener (internal/heartbeat.Supervisor), since wsconn.Manager
// only holds a single DisconnectListener reference.
type SlotReleaser struct {
	srv  *Server
	next wsconn.DisconnectListener
}

// NewSlotReleaser wraps next (typically a *heartbeat.Supervisor) so both the
// admission semaphore and the heartbeat supervisor learn of every
// disconnect. next may be nil.
func NewSlotReleaser(srv *Server, next wsconn.DisconnectListener) *SlotReleaser {
	return &SlotReleaser{srv: srv, next: next}
}

func (r *SlotReleaser) OnDisconnect(clientID string) {
	r.srv.release()
	if r.next != nil {
		r.next.OnDisconnect(clientID)
	}
}

