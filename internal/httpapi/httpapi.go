// Package httpapi implements the HTTP historical/admin surface of spec §6:
// GET /historical-data, /multi-period, /quality-check, /batch-data, the
// admin routes under /ws/*, and Prometheus's /metrics. Grounded on the
// teacher's sibling example sawpanic-cryptorun's
// internal/interfaces/http/server.go: a gorilla/mux router, a middleware
// chain (request ID, structured logging, request timeout), and a
// responseWrapper that captures the status code for the access log.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/quantarc/marketfeed/internal/bar"
	"github.com/quantarc/marketfeed/internal/historical"
	"github.com/quantarc/marketfeed/internal/telemetry"
	"github.com/quantarc/marketfeed/internal/wsconn"
	"github.com/quantarc/marketfeed/internal/wsproto"
)

// HistoricalEngine is the subset of internal/historical.Engine this package
// calls; narrowed to an interface so handler tests can substitute a fake.
type HistoricalEngine interface {
	GetBars(ctx context.Context, req historical.Request) (historical.Result, error)
	GetMultiPeriod(ctx context.Context, symbol string, periods []bar.Period, start, end time.Time, includeQuality bool) (map[bar.Period]historical.MultiPeriodItem, error)
	GetBatch(ctx context.Context, symbols []string, period bar.Period, start, end time.Time, concurrency int) ([]historical.BatchItem, error)
}

// ConnManager is the subset of internal/wsconn.Manager the admin routes
// call.
type ConnManager interface {
	Count() int
	Snapshot() []wsconn.Stats
	Broadcast(payload []byte, opCode ws.OpCode, critical bool, targets []string) wsconn.BroadcastResult
	Disconnect(clientID string)
	Get(clientID string) (*wsconn.Connection, bool)
}

// Encoder turns an outbound envelope into a wire frame; implemented by
// internal/wsproto.Router so /ws/broadcast reuses C11's codec instead of
// hand-rolling its own JSON encoding.
type Encoder interface {
	Encode(env wsproto.OutboundEnvelope) ([]byte, ws.OpCode, error)
}

// HealthSource is implemented by internal/telemetry.Telemetry.
type HealthSource interface {
	RunHealthChecks() telemetry.HealthReport
}

// ServerConfig holds the HTTP server's bind address and timeouts.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns spec §6's documented HTTP defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           8081,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Server is the HTTP historical/admin surface of spec §6.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	cfg        ServerConfig
	logger     zerolog.Logger
	startedAt  time.Time

	engine  HistoricalEngine
	conns   ConnManager
	encoder Encoder
	health  HealthSource
	metrics http.Handler // promhttp handler, optional
}

// NewServer builds a Server and verifies its bind address is free before
// returning, matching the teacher's fail-fast port check.
func NewServer(cfg ServerConfig, engine HistoricalEngine, conns ConnManager, encoder Encoder, health HealthSource, metrics http.Handler, logger zerolog.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		conns:     conns,
		encoder:   encoder,
		health:    health,
		metrics:   metrics,
		startedAt: time.Now(),
	}
	s.router = mux.NewRouter()
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/historical-data", s.handleHistoricalData).Methods(http.MethodGet)
	api.HandleFunc("/multi-period", s.handleMultiPeriod).Methods(http.MethodGet)
	api.HandleFunc("/quality-check", s.handleQualityCheck).Methods(http.MethodGet)
	api.HandleFunc("/batch-data", s.handleBatchData).Methods(http.MethodGet)

	api.HandleFunc("/ws/status", s.handleWSStatus).Methods(http.MethodGet)
	api.HandleFunc("/ws/connections", s.handleWSConnections).Methods(http.MethodGet)
	api.HandleFunc("/ws/health", s.handleWSHealth).Methods(http.MethodGet)
	api.HandleFunc("/ws/broadcast", s.handleWSBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/ws/disconnect/{client_id}", s.handleWSDisconnect).Methods(http.MethodPost)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Start serves HTTP until the listener errors or Shutdown is called; it
// returns http.ErrServerClosed on a clean Shutdown, matching net/http's own
// convention so callers can distinguish the two.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("httpapi: listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return http.TimeoutHandler(next, timeout, `{"success":false,"message":"request timed out","status":"timeout"}`)
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// errorResponse is spec §6's error response shape.
type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, status_ string, message string) {
	writeJSON(w, status, errorResponse{Success: false, Message: message, Status: status_})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "not_found", "no such route")
}

// parseDateRange reads start_date/end_date (YYYY-MM-DD, day precision per
// spec §6) from the query string, defaulting end_date to now and start_date
// to 30 days before end_date when absent.
func parseDateRange(q url) (start, end time.Time, err error) {
	end = time.Now().UTC()
	if v := q.Get("end_date"); v != "" {
		end, err = time.Parse("2006-01-02", v)
		if err != nil {
			return start, end, fmt.Errorf("invalid end_date %q: %w", v, err)
		}
	}
	start = end.AddDate(0, 0, -30)
	if v := q.Get("start_date"); v != "" {
		start, err = time.Parse("2006-01-02", v)
		if err != nil {
			return start, end, fmt.Errorf("invalid start_date %q: %w", v, err)
		}
	}
	return start, end, nil
}

// url is the narrow slice of url.Values this package reads, named to avoid
// importing net/url just for a type alias in signatures above.
type url interface {
	Get(string) string
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// historicalDataResponse is the /historical-data response shape of spec §6.
type historicalDataResponse struct {
	Success       bool          `json:"success"`
	Symbol        string        `json:"symbol"`
	Period        string        `json:"period"`
	StartDate     string        `json:"start_date"`
	EndDate       string        `json:"end_date"`
	TotalRecords  int           `json:"total_records"`
	Data          []bar.JSONBar `json:"data"`
	QualityReport any           `json:"quality_report,omitempty"`
	Cached        bool          `json:"cached"`
}

func (s *Server) handleHistoricalData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "symbol is required")
		return
	}
	period, err := bar.ParsePeriod(firstNonEmpty(q.Get("period"), "1d"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	start, end, err := parseDateRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	qualityFlag := q.Get("include_quality_metrics") == "true"
	useCache := q.Get("use_cache") != "false"
	normalizeData := q.Get("normalize_data") != "false"
	maxRecords := 0
	if v := q.Get("max_records"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid max_records %q", v))
			return
		}
		maxRecords = n
	}

	result, err := s.engine.GetBars(r.Context(), historical.Request{
		Symbol:     symbol,
		Period:     period,
		Start:      start,
		End:        end,
		Normalize:  normalizeData,
		Quality:    qualityFlag,
		UseCache:   useCache,
		MaxRecords: maxRecords,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := historicalDataResponse{
		Success:      true,
		Symbol:       result.Symbol,
		Period:       string(result.Period),
		StartDate:    start.Format("2006-01-02"),
		EndDate:      end.Format("2006-01-02"),
		TotalRecords: len(result.Bars),
		Data:         toJSONBars(result.Bars),
		Cached:       result.Cached,
	}
	if qualityFlag {
		resp.QualityReport = result.Quality
	}
	writeJSON(w, http.StatusOK, resp)
}

// multiPeriodResponse is the /multi-period response shape of spec §6.
type multiPeriodResponse struct {
	Success bool                    `json:"success"`
	Symbol  string                  `json:"symbol"`
	Periods map[string]periodResult `json:"periods"`
}

type periodResult struct {
	TotalRecords  int           `json:"total_records"`
	Data          []bar.JSONBar `json:"data"`
	Cached        bool          `json:"cached"`
	QualityReport any           `json:"quality_report,omitempty"`
	Error         string        `json:"error,omitempty"`
}

func (s *Server) handleMultiPeriod(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "symbol is required")
		return
	}
	periodStrs := splitCSV(q.Get("periods"))
	if len(periodStrs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "periods is required (comma-separated)")
		return
	}
	periods := make([]bar.Period, 0, len(periodStrs))
	for _, ps := range periodStrs {
		p, err := bar.ParsePeriod(ps)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		periods = append(periods, p)
	}
	start, end, err := parseDateRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	qualityFlag := q.Get("include_quality_metrics") == "true"
	results, err := s.engine.GetMultiPeriod(r.Context(), symbol, periods, start, end, qualityFlag)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	// Each period's outcome is independent (spec §4.7): a failure on one
	// period is reported inline rather than failing the whole response.
	out := make(map[string]periodResult, len(results))
	for p, item := range results {
		if item.Err != nil {
			s.logger.Warn().Err(item.Err).Str("symbol", symbol).Str("period", string(p)).Msg("httpapi: multi-period sub-fetch failed")
			out[string(p)] = periodResult{Error: item.Err.Error()}
			continue
		}
		pr := periodResult{TotalRecords: len(item.Result.Bars), Data: toJSONBars(item.Result.Bars), Cached: item.Result.Cached}
		if qualityFlag {
			pr.QualityReport = item.Result.Quality
		}
		out[string(p)] = pr
	}
	writeJSON(w, http.StatusOK, multiPeriodResponse{Success: true, Symbol: symbol, Periods: out})
}

func (s *Server) handleQualityCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "symbol is required")
		return
	}
	period, err := bar.ParsePeriod(firstNonEmpty(q.Get("period"), "1d"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	start, end, err := parseDateRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.engine.GetBars(r.Context(), historical.Request{Symbol: symbol, Period: period, Start: start, End: end, Quality: true, UseCache: true})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool    `json:"success"`
		Symbol  string  `json:"symbol"`
		Period  string  `json:"period"`
		Report  any     `json:"quality_report"`
	}{Success: true, Symbol: symbol, Period: string(period), Report: result.Quality})
}

type batchDataResponse struct {
	Success bool              `json:"success"`
	Period  string            `json:"period"`
	Results []batchItemResult `json:"results"`
}

type batchItemResult struct {
	Symbol       string        `json:"symbol"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	TotalRecords int           `json:"total_records,omitempty"`
	Data         []bar.JSONBar `json:"data,omitempty"`
}

func (s *Server) handleBatchData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbols := splitCSV(q.Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "symbols is required (comma-separated)")
		return
	}
	period, err := bar.ParsePeriod(firstNonEmpty(q.Get("period"), "1d"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	start, end, err := parseDateRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	concurrency := 10
	if v := q.Get("concurrency"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	items, err := s.engine.GetBatch(r.Context(), symbols, period, start, end, concurrency)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	out := make([]batchItemResult, len(items))
	for i, item := range items {
		if item.Err != nil {
			out[i] = batchItemResult{Symbol: item.Symbol, Success: false, Error: item.Err.Error()}
			continue
		}
		out[i] = batchItemResult{Symbol: item.Symbol, Success: true, TotalRecords: len(item.Result.Bars), Data: toJSONBars(item.Result.Bars)}
	}
	writeJSON(w, http.StatusOK, batchDataResponse{Success: true, Period: string(period), Results: out})
}

type wsStatusResponse struct {
	Success          bool   `json:"success"`
	ActiveConnections int   `json:"active_connections"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	Status           string `json:"status"`
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wsStatusResponse{
		Success:           true,
		ActiveConnections: s.conns.Count(),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Status:            "running",
	})
}

type wsConnectionsResponse struct {
	Success     bool           `json:"success"`
	Connections []wsconn.Stats `json:"connections"`
}

func (s *Server) handleWSConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wsConnectionsResponse{Success: true, Connections: s.conns.Snapshot()})
}

func (s *Server) handleWSHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.RunHealthChecks()
	status := http.StatusOK
	if report.Overall == telemetry.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Success bool                  `json:"success"`
		Report  telemetry.HealthReport `json:"health"`
	}{Success: true, Report: report})
}

// broadcastRequest is the /ws/broadcast request body of spec §6.
type broadcastRequest struct {
	MessageType string   `json:"message_type"`
	Data        any      `json:"data"`
	Targets     []string `json:"target_clients,omitempty"` // empty = all connected clients
	Critical    bool     `json:"critical,omitempty"`
}

func (s *Server) handleWSBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.MessageType == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message_type is required")
		return
	}

	env := wsproto.OutboundEnvelope{
		Type:      req.MessageType,
		Data:      req.Data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	}
	payload, opCode, err := s.encoder.Encode(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode broadcast message")
		return
	}

	targets := req.Targets
	if len(targets) == 0 {
		for _, stat := range s.conns.Snapshot() {
			targets = append(targets, stat.ClientID)
		}
	}
	result := s.conns.Broadcast(payload, opCode, req.Critical, targets)
	writeJSON(w, http.StatusOK, struct {
		Success  bool `json:"success"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}{Success: true, Succeeded: result.Succeeded, Failed: result.Failed})
}

func (s *Server) handleWSDisconnect(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	if _, ok := s.conns.Get(clientID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown client_id")
		return
	}
	s.conns.Disconnect(clientID)
	writeJSON(w, http.StatusOK, struct {
		Success  bool   `json:"success"`
		ClientID string `json:"client_id"`
	}{Success: true, ClientID: clientID})
}

// writeEngineError maps internal/historical's sentinel errors to the HTTP
// status codes spec §6 documents for /historical-data et al.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch err {
	case historical.ErrInvalidRange:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case historical.ErrTooManySymbols:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error().Err(err).Msg("httpapi: engine call failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch historical data")
	}
}

func toJSONBars(bars []bar.Bar) []bar.JSONBar {
	out := make([]bar.JSONBar, len(bars))
	for i, b := range bars {
		out[i] = b.ToJSON()
	}
	return out
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
