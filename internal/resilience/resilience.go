// Package resilience implements the error handler & circuit breaker of
// spec §4.13: a closed taxonomy of error categories, a table-driven
// recovery strategy per category, and a per-(category, scope) circuit
// breaker built on sony/gobreaker (grounded on sawpanic-cryptorun's
// infra/breakers package), consolidating the corpus's several duplicate
// retry/circuit-breaker decorators into one policy wrapper (Design Note §9).
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker"
)

// Category is one of the closed set of error categories from spec §4.13.
type Category string

const (
	CategoryConnection   Category = "connection"
	CategorySubscription Category = "subscription"
	CategoryDataPublish  Category = "data_publish"
	CategoryAuth         Category = "auth"
	CategoryValidation   Category = "validation"
	CategoryNetwork      Category = "network"
	CategorySystem       Category = "system"
	CategoryResource     Category = "resource"
	CategoryTimeout      Category = "timeout"
	CategoryProtocol     Category = "protocol"
	CategoryRateLimit    Category = "rate_limit"
	CategorySource       Category = "source"
	CategoryUnknown      Category = "unknown"
)

// Action is the recovery action a category's strategy prescribes.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionReconnect      Action = "reconnect"
	ActionDisconnect     Action = "disconnect"
	ActionNotify         Action = "notify"
	ActionBufferAndRetry Action = "buffer_and_retry"
	ActionFailover       Action = "failover"
	ActionDegrade        Action = "degrade"
	ActionIgnore         Action = "ignore"
	ActionEscalate       Action = "escalate"
)

// Strategy is the recovery policy for one error category.
type Strategy struct {
	Action           Action
	MaxRetries       int
	RetryDelays      []time.Duration
	CircuitThreshold int
	CircuitTimeout   time.Duration
}

// DefaultStrategies implements the taxonomy-driven table of spec §4.13,
// with the default exponential 1/2/4s retry schedule.
func DefaultStrategies() map[Category]Strategy {
	defaultDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	return map[Category]Strategy{
		CategoryConnection:   {Action: ActionReconnect, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second},
		CategorySubscription: {Action: ActionNotify, MaxRetries: 0, CircuitThreshold: 10, CircuitTimeout: 30 * time.Second},
		CategoryDataPublish:  {Action: ActionBufferAndRetry, MaxRetries: 2, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 15 * time.Second},
		CategoryAuth:         {Action: ActionDisconnect, MaxRetries: 0, CircuitThreshold: 5, CircuitTimeout: 60 * time.Second},
		CategoryValidation:   {Action: ActionNotify, MaxRetries: 0, CircuitThreshold: 20, CircuitTimeout: 10 * time.Second},
		CategoryNetwork:      {Action: ActionRetry, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second},
		CategorySystem:       {Action: ActionEscalate, MaxRetries: 1, RetryDelays: defaultDelays, CircuitThreshold: 3, CircuitTimeout: 60 * time.Second},
		CategoryResource:     {Action: ActionDegrade, MaxRetries: 0, CircuitThreshold: 3, CircuitTimeout: 60 * time.Second},
		CategoryTimeout:      {Action: ActionRetry, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second},
		CategoryProtocol:     {Action: ActionNotify, MaxRetries: 0, CircuitThreshold: 10, CircuitTimeout: 15 * time.Second},
		CategoryRateLimit:    {Action: ActionIgnore, MaxRetries: 0, CircuitThreshold: 20, CircuitTimeout: 10 * time.Second},
		CategorySource:       {Action: ActionFailover, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second},
		CategoryUnknown:      {Action: ActionNotify, MaxRetries: 0, CircuitThreshold: 10, CircuitTimeout: 30 * time.Second},
	}
}

// ErrCircuitOpen matches spec §4.13's sentinel; Execute returns it in place
// of gobreaker's own open-state error so callers never need to import
// gobreaker directly.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// AlertSink receives escalation/critical alerts from repeated system
// errors, implemented by internal/telemetry (C15).
type AlertSink interface {
	CriticalAlert(category Category, scope string, err error)
}

// Handler is the consolidated policy wrapper applied at the query-engine
// and data-publisher entry points (Design Note §9): it owns the
// taxonomy table, one breaker per (category, scope), the degraded flag,
// and a bounded error log for C15's pattern detector.
type Handler struct {
	strategies map[Category]Strategy
	alertSink  AlertSink

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	systemErrStreak int

	degraded int32 // atomic-ish guarded by mu for simplicity; low write rate

	logMu sync.Mutex
	log   []LoggedError
	logCap int
}

// LoggedError is one bounded error-log record (spec §4.13/§4.14).
type LoggedError struct {
	Category  Category
	Scope     string
	Message   string
	Timestamp time.Time
}

// NewHandler builds a Handler from a strategy table (DefaultStrategies()
// unless the caller customizes it) and an optional alert sink.
func NewHandler(strategies map[Category]Strategy, sink AlertSink) *Handler {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &Handler{
		strategies: strategies,
		alertSink:  sink,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		logCap:     10000,
	}
}

func scopeKey(category Category, scope string) string {
	if scope == "" {
		scope = "global"
	}
	return string(category) + "|" + scope
}

func (h *Handler) breakerFor(category Category, scope string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := scopeKey(category, scope)
	if b, ok := h.breakers[key]; ok {
		return b
	}
	strategy := h.strategies[category]
	settings := gobreaker.Settings{
		Name:    key,
		Timeout: strategy.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= strategy.CircuitThreshold
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	h.breakers[key] = b
	return b
}

// Execute runs fn under category's retry schedule and circuit breaker for
// the given scope (client id, or "" for global). It fails fast with
// ErrCircuitOpen when the breaker is open, and applies the category's
// configured retry delays between attempts within the retry budget.
func (h *Handler) Execute(ctx context.Context, category Category, scope string, fn func(ctx context.Context) error) error {
	strategy := h.strategies[category]
	breaker := h.breakerFor(category, scope)

	attempts := strategy.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrCircuitOpen
		}
		lastErr = err
		h.recordError(category, scope, err)

		if attempt+1 < attempts {
			delay := retryDelay(strategy, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func retryDelay(strategy Strategy, attempt int) time.Duration {
	if len(strategy.RetryDelays) == 0 {
		return time.Second
	}
	if attempt < len(strategy.RetryDelays) {
		return strategy.RetryDelays[attempt]
	}
	return strategy.RetryDelays[len(strategy.RetryDelays)-1]
}

func (h *Handler) recordError(category Category, scope string, err error) {
	h.logMu.Lock()
	h.log = append(h.log, LoggedError{Category: category, Scope: scope, Message: err.Error(), Timestamp: time.Now()})
	if len(h.log) > h.logCap {
		h.log = h.log[len(h.log)-h.logCap:]
	}
	h.logMu.Unlock()

	if category == CategorySystem {
		h.mu.Lock()
		h.systemErrStreak++
		streak := h.systemErrStreak
		h.mu.Unlock()
		if streak >= 3 && h.alertSink != nil {
			h.alertSink.CriticalAlert(category, scope, err)
		}
	} else {
		h.mu.Lock()
		h.systemErrStreak = 0
		h.mu.Unlock()
	}

	if category == CategoryResource {
		h.mu.Lock()
		h.degraded = 1
		h.mu.Unlock()
	}
}

// Degraded reports whether the resource category has flipped the global
// degradation flag (spec §4.13). While degraded, callers should skip
// non-critical operations (prewarm, quality analysis, batching
// optimizations) but keep serving normal requests.
func (h *Handler) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded == 1
}

// ClearDegraded resets the degradation flag, e.g. after a health check
// confirms resource pressure has subsided.
func (h *Handler) ClearDegraded() {
	h.mu.Lock()
	h.degraded = 0
	h.mu.Unlock()
}

// RecentErrors returns a snapshot of the bounded error log, used by C15's
// pattern detector.
func (h *Handler) RecentErrors() []LoggedError {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	out := make([]LoggedError, len(h.log))
	copy(out, h.log)
	return out
}
