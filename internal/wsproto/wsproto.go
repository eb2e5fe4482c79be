// Package wsproto implements the message router & codec of spec §4.10:
// typed inbound dispatch, outbound JSON/gzip framing with a
// compressed-body cache, and per-message validation. Grounded on the
// teacher's handleClientMessage dispatch in
// ws/internal/shared/handlers_ws.go, generalized from a fixed message
// catalogue to the closed §6 type table, and on gobwas/ws's opcode
// constants for binary-vs-text framing.
package wsproto

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/quantarc/marketfeed/internal/heartbeat"
	"github.com/quantarc/marketfeed/internal/subscription"
)

var (
	ErrFrameTooLarge = errors.New("wsproto: frame exceeds max_message_size")
	ErrUnknownType   = errors.New("wsproto: unknown message type")
	ErrMissingFields = errors.New("wsproto: missing required field")
)

// Inbound message types, the closed set of spec §4.10.
const (
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeGetSubscriptions = "get_subscriptions"
	TypeHeartbeat        = "heartbeat"
	TypePing             = "ping"
	TypeGetStats         = "get_stats"
)

// Outbound message types, the closed set of spec §6.
const (
	TypeWelcome             = "welcome"
	TypeSubscriptionResponse = "subscription_response"
	TypeMarketData          = "market_data"
	TypeKlineData           = "kline_data"
	TypeTradeData           = "trade_data"
	TypeDepthData           = "depth_data"
	TypeStatus              = "status"
	TypeError               = "error"
	TypeHeartbeatOut        = "heartbeat"
	TypePong                = "pong"
	TypeStats               = "stats"
)

// InboundEnvelope is spec §6's inbound JSON object.
type InboundEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	MessageID string          `json:"message_id,omitempty"`
}

// OutboundEnvelope is spec §6's outbound JSON object.
type OutboundEnvelope struct {
	Type      string         `json:"type"`
	Data      any            `json:"data"`
	Timestamp string         `json:"timestamp"`
	MessageID string         `json:"message_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ErrorPayload is spec §6's error payload shape.
type ErrorPayload struct {
	ErrorType      string `json:"error_type"`
	Message        string `json:"message"`
	ClientID       string `json:"client_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	TraceID        string `json:"trace_id"`
}

// subscribePayload is the inbound subscribe data shape of spec §6.
type subscribePayload struct {
	Symbol    string                `json:"symbol"`
	DataType  subscription.DataType `json:"data_type"`
	Frequency string                `json:"frequency,omitempty"`
}

type unsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

type heartbeatPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
}

// Sender is implemented by internal/wsconn (C10).
type Sender interface {
	Send(clientID string, payload []byte, opCode ws.OpCode, critical bool) bool
}

// StatsProvider supplies the counters shown by get_stats, implemented by
// internal/telemetry (C15) composed with C9/C10 snapshots.
type StatsProvider interface {
	Snapshot() map[string]any
}

// WatchNotifier is implemented by internal/publisher (C12): tells the
// publish tick loop which (symbol, data_type) pairs currently have at
// least one subscriber. A nil notifier leaves subscribe/unsubscribe
// purely a C9 index operation, as before C12 is wired in.
type WatchNotifier interface {
	Watch(symbol string, dataType subscription.DataType)
	Unwatch(symbol string, dataType subscription.DataType)
}

// Config carries the compression tunables of spec §6.
type Config struct {
	CompressionThreshold int  // bytes; default 1024
	EnableCompression    bool
	CompressedCacheSize  int // default 256
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{CompressionThreshold: 1024, EnableCompression: true, CompressedCacheSize: 256}
}

// Router is the message router & codec of spec §4.10.
type Router struct {
	cfg     Config
	subs    *subscription.Index
	sender  Sender
	super   *heartbeat.Supervisor
	stats   StatsProvider
	pub     WatchNotifier

	compCacheMu sync.Mutex
	compCache   map[[32]byte][]byte
	compOrder   [][32]byte
}

// New builds a Router from its collaborators.
func New(cfg Config, subs *subscription.Index, sender Sender, super *heartbeat.Supervisor, stats StatsProvider) *Router {
	if cfg.CompressedCacheSize <= 0 {
		cfg.CompressedCacheSize = DefaultConfig().CompressedCacheSize
	}
	return &Router{
		cfg:       cfg,
		subs:      subs,
		sender:    sender,
		super:     super,
		stats:     stats,
		compCache: make(map[[32]byte][]byte),
	}
}

// SetPublisher wires a WatchNotifier into the router after construction,
// breaking the Router/Publisher construction cycle (cmd/marketfeed builds
// the Publisher with the Router as its FramePublisher, so the Router must
// already exist). A nil publisher (the default) makes subscribe/unsubscribe
// a pure C9 index operation.
func (r *Router) SetPublisher(pub WatchNotifier) {
	r.pub = pub
}

// HandleOversized implements wsconn.Dispatcher: rejects with ErrFrameTooLarge
// and emits an error frame back to the client.
func (r *Router) HandleOversized(clientID string, size int) {
	r.sendError(clientID, "protocol", ErrFrameTooLarge.Error(), "", "")
}

// HandleFrame implements wsconn.Dispatcher: parse the envelope, validate
// mandatory fields, and dispatch by type.
func (r *Router) HandleFrame(clientID string, opCode ws.OpCode, payload []byte) {
	var env InboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.sendError(clientID, "protocol", "malformed JSON envelope", "", "")
		return
	}
	if env.Type == "" || env.Timestamp == "" {
		r.sendError(clientID, "validation", ErrMissingFields.Error(), "", "")
		return
	}

	switch env.Type {
	case TypeSubscribe:
		r.handleSubscribe(clientID, env)
	case TypeUnsubscribe:
		r.handleUnsubscribe(clientID, env)
	case TypeGetSubscriptions:
		r.handleGetSubscriptions(clientID)
	case TypeHeartbeat:
		r.handleHeartbeat(clientID, env)
	case TypePing:
		r.handlePing(clientID)
	case TypeGetStats:
		r.handleGetStats(clientID)
	default:
		r.sendError(clientID, "protocol", ErrUnknownType.Error(), "", "")
	}
}

func (r *Router) handleSubscribe(clientID string, env InboundEnvelope) {
	var p subscribePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		r.sendError(clientID, "validation", "malformed subscribe payload", "", "")
		return
	}
	sub, err := r.subs.Subscribe(clientID, p.Symbol, p.DataType, p.Frequency)
	if err != nil {
		r.sendError(clientID, "subscription", err.Error(), "", "")
		return
	}
	if r.pub != nil {
		r.pub.Watch(sub.Symbol, sub.DataType)
	}
	r.send(clientID, TypeSubscriptionResponse, map[string]any{
		"subscription_id": sub.ID,
		"symbol":          sub.Symbol,
		"data_type":       sub.DataType,
		"status":          sub.Status,
	}, nil, true)
}

func (r *Router) handleUnsubscribe(clientID string, env InboundEnvelope) {
	var p unsubscribePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		r.sendError(clientID, "validation", "malformed unsubscribe payload", "", "")
		return
	}

	var symbol string
	var dataType subscription.DataType
	for _, sub := range r.subs.ClientSubscriptions(clientID) {
		if sub.ID == p.SubscriptionID {
			symbol, dataType = sub.Symbol, sub.DataType
			break
		}
	}

	ok := r.subs.Unsubscribe(clientID, p.SubscriptionID)
	if ok && r.pub != nil && len(r.subs.Subscribers(symbol, dataType)) == 0 {
		r.pub.Unwatch(symbol, dataType)
	}
	r.send(clientID, TypeStatus, map[string]any{"unsubscribed": ok, "subscription_id": p.SubscriptionID}, nil, true)
}

// UnsubscribeAll implements wsconn.SubscriptionRevoker: clears every
// subscription for a disconnecting client and unwatches any (symbol,
// data_type) pair left with no remaining subscriber, so the publisher
// tick loop stops fetching/fanning out data nobody is listening for.
func (r *Router) UnsubscribeAll(clientID string) int {
	subs := r.subs.ClientSubscriptions(clientID)
	if r.super != nil && len(subs) > 0 {
		retained := make([]heartbeat.Subscription, len(subs))
		for i, sub := range subs {
			retained[i] = heartbeat.Subscription{Symbol: sub.Symbol, DataType: string(sub.DataType), Frequency: sub.Frequency}
		}
		r.super.RetainSubscriptions(clientID, retained)
	}
	count := r.subs.UnsubscribeAll(clientID)
	if r.pub != nil {
		seen := make(map[string]struct{}, len(subs))
		for _, sub := range subs {
			key := sub.Symbol + "|" + string(sub.DataType)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if len(r.subs.Subscribers(sub.Symbol, sub.DataType)) == 0 {
				r.pub.Unwatch(sub.Symbol, sub.DataType)
			}
		}
	}
	return count
}

func (r *Router) handleGetSubscriptions(clientID string) {
	subs := r.subs.ClientSubscriptions(clientID)
	r.send(clientID, TypeStatus, map[string]any{"subscriptions": subs}, nil, true)
}

func (r *Router) handleHeartbeat(clientID string, env InboundEnvelope) {
	var p heartbeatPayload
	_ = json.Unmarshal(env.Data, &p)
	data := map[string]any{"server_time": time.Now().UnixMilli()}
	if p.ClientTime > 0 {
		data["rtt_ms"] = time.Now().UnixMilli() - p.ClientTime
	}
	r.send(clientID, TypePong, data, nil, true)
}

func (r *Router) handlePing(clientID string) {
	r.send(clientID, TypePong, map[string]any{"server_time": time.Now().UnixMilli()}, nil, true)
}

func (r *Router) handleGetStats(clientID string) {
	var snapshot map[string]any
	if r.stats != nil {
		snapshot = r.stats.Snapshot()
	}
	r.send(clientID, TypeStats, snapshot, nil, true)
}

func (r *Router) sendError(clientID, category, message, subscriptionID, traceID string) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	payload := ErrorPayload{ErrorType: category, Message: message, ClientID: clientID, SubscriptionID: subscriptionID, TraceID: traceID}
	r.send(clientID, TypeError, payload, nil, true)
}

func (r *Router) send(clientID, msgType string, data any, metadata map[string]any, critical bool) {
	env := OutboundEnvelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
		Metadata:  metadata,
	}
	encoded, opCode, err := r.Encode(env)
	if err != nil {
		return
	}
	if r.sender != nil {
		r.sender.Send(clientID, encoded, opCode, critical || isControlType(msgType))
	}
}

func isControlType(t string) bool {
	switch t {
	case TypeError, TypePong, TypeHeartbeatOut, TypeWelcome, TypeSubscriptionResponse, TypeStatus, TypeStats:
		return true
	default:
		return false
	}
}

// Encode implements spec §4.10's outbound codec: JSON-serialize, then
// gzip-encode to a binary frame when the payload is at or above
// compression_threshold and compression is enabled. Repeated bodies with
// identical content are served from a bounded cache of compressed results.
func (r *Router) Encode(env OutboundEnvelope) ([]byte, ws.OpCode, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, ws.OpText, err
	}
	if !r.cfg.EnableCompression || len(raw) < r.cfg.CompressionThreshold {
		return raw, ws.OpText, nil
	}

	hash := sha256.Sum256(raw)
	if cached := r.compressedFromCache(hash); cached != nil {
		return cached, ws.OpBinary, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return raw, ws.OpText, nil
	}
	if err := gz.Close(); err != nil {
		return raw, ws.OpText, nil
	}
	compressed := buf.Bytes()
	r.cacheCompressed(hash, compressed)
	return compressed, ws.OpBinary, nil
}

func (r *Router) compressedFromCache(hash [32]byte) []byte {
	r.compCacheMu.Lock()
	defer r.compCacheMu.Unlock()
	return r.compCache[hash]
}

func (r *Router) cacheCompressed(hash [32]byte, body []byte) {
	r.compCacheMu.Lock()
	defer r.compCacheMu.Unlock()
	if _, exists := r.compCache[hash]; !exists {
		r.compOrder = append(r.compOrder, hash)
		if len(r.compOrder) > r.cfg.CompressedCacheSize {
			oldest := r.compOrder[0]
			r.compOrder = r.compOrder[1:]
			delete(r.compCache, oldest)
		}
	}
	r.compCache[hash] = body
}

// Publish sends a data frame of msgType (market_data/kline_data/trade_data/
// depth_data) to a single subscriber; used by internal/publisher (C12).
// Non-critical: shed before control frames under backpressure.
func (r *Router) Publish(clientID, msgType string, data any) bool {
	env := OutboundEnvelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	}
	encoded, opCode, err := r.Encode(env)
	if err != nil || r.sender == nil {
		return false
	}
	return r.sender.Send(clientID, encoded, opCode, false)
}

// SendWelcome implements the welcome frame described in spec §4.9/§6.
func (r *Router) SendWelcome(clientID string, supportedTypes []string, heartbeatInterval time.Duration, maxSubscriptions int) ([]byte, ws.OpCode, error) {
	env := OutboundEnvelope{
		Type: TypeWelcome,
		Data: map[string]any{
			"client_id":              clientID,
			"supported_data_types":   supportedTypes,
			"heartbeat_interval_sec": heartbeatInterval.Seconds(),
			"max_subscriptions":      maxSubscriptions,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	}
	return r.Encode(env)
}
