// Package subscription implements the subscription index of spec §4.8:
// (symbol, data_type) -> {subscription}, client_id -> {subscription}, with
// a per-client cap and idempotent re-subscription. Grounded on the
// teacher's SubscriptionIndex copy-on-write snapshot pattern
// (ws/internal/shared/connection.go), adapted from raw channel strings to
// typed Subscription records.
package subscription

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownDataType   = errors.New("subscription: unknown data type")
	ErrInvalidSymbol     = errors.New("subscription: invalid symbol format")
	ErrPerClientCapped   = errors.New("subscription: client subscription cap reached")
)

// Status is the subscription lifecycle state of spec §3.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// DataType enumerates the accepted stream kinds from spec §6.
type DataType string

const (
	DataTypeQuote     DataType = "quote"
	DataTypeKline     DataType = "kline"
	DataTypeTrade     DataType = "trade"
	DataTypeDepth     DataType = "depth"
	DataTypeTick      DataType = "tick"
	DataTypeOrderbook DataType = "orderbook"
)

var validDataTypes = map[DataType]struct{}{
	DataTypeQuote: {}, DataTypeKline: {}, DataTypeTrade: {}, DataTypeDepth: {}, DataTypeTick: {}, DataTypeOrderbook: {},
}

// Subscription mirrors spec §3's record.
type Subscription struct {
	ID        string
	ClientID  string
	Symbol    string
	DataType  DataType
	Frequency string
	CreatedAt time.Time
	Status    Status
}

var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[036]\d{5}\.(SH|SZ)$`),    // A-share 6-digit, 0/3/6 prefix
	regexp.MustCompile(`^\d{1,5}\.HK$`),            // HK 1-5 digits
	regexp.MustCompile(`^[A-Za-z]{1,5}$`),          // US 1-5 letters
}

// ValidSymbol checks the symbol format rules of spec §4.8.
func ValidSymbol(symbol string) bool {
	for _, re := range symbolPatterns {
		if re.MatchString(symbol) {
			return true
		}
	}
	return false
}

const defaultPerClientCap = 100

// clientEntry holds one client's subscriptions, protected by the index's
// single mutex per spec §4.8/§5.
type clientEntry struct {
	subs map[string]*Subscription // sub id -> subscription
}

// Index is the subscription index of spec §4.8. All mutations are atomic
// under a single mutex; Subscribers releases the lock before the caller
// iterates the returned slice (copy-on-write snapshot).
type Index struct {
	mu            sync.Mutex
	byClient      map[string]*clientEntry
	bySymbolType  map[string]map[string]*Subscription // "symbol|type" -> sub id -> subscription
	perClientCap  int
}

// New builds an Index with the spec's default per-client cap of 100.
func New(perClientCap int) *Index {
	if perClientCap <= 0 {
		perClientCap = defaultPerClientCap
	}
	return &Index{
		byClient:     make(map[string]*clientEntry),
		bySymbolType: make(map[string]map[string]*Subscription),
		perClientCap: perClientCap,
	}
}

func symbolTypeKey(symbol string, dataType DataType) string {
	return symbol + "|" + string(dataType)
}

// Subscribe creates a new subscription, or returns an existing active one
// with the same (symbol, type, frequency) idempotently (spec §4.8/§8.3).
func (idx *Index) Subscribe(clientID, symbol string, dataType DataType, frequency string) (*Subscription, error) {
	if _, ok := validDataTypes[dataType]; !ok {
		return nil, ErrUnknownDataType
	}
	if !ValidSymbol(symbol) {
		return nil, ErrInvalidSymbol
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.byClient[clientID]
	if !ok {
		entry = &clientEntry{subs: make(map[string]*Subscription)}
		idx.byClient[clientID] = entry
	}

	for _, existing := range entry.subs {
		if existing.Symbol == symbol && existing.DataType == dataType && existing.Frequency == frequency && existing.Status == StatusActive {
			return existing, nil
		}
	}

	if len(entry.subs) >= idx.perClientCap {
		return nil, ErrPerClientCapped
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Symbol:    symbol,
		DataType:  dataType,
		Frequency: frequency,
		CreatedAt: time.Now(),
		Status:    StatusActive,
	}
	entry.subs[sub.ID] = sub

	stKey := symbolTypeKey(symbol, dataType)
	if _, ok := idx.bySymbolType[stKey]; !ok {
		idx.bySymbolType[stKey] = make(map[string]*Subscription)
	}
	idx.bySymbolType[stKey][sub.ID] = sub

	return sub, nil
}

// Unsubscribe removes one subscription by id, reporting whether it existed.
func (idx *Index) Unsubscribe(clientID, subID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.byClient[clientID]
	if !ok {
		return false
	}
	sub, ok := entry.subs[subID]
	if !ok {
		return false
	}
	delete(entry.subs, subID)
	stKey := symbolTypeKey(sub.Symbol, sub.DataType)
	if set, ok := idx.bySymbolType[stKey]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(idx.bySymbolType, stKey)
		}
	}
	return true
}

// UnsubscribeAll removes every subscription for a client, returning the
// count removed. Called on disconnect (spec §4.8/§8.5).
func (idx *Index) UnsubscribeAll(clientID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.byClient[clientID]
	if !ok {
		return 0
	}
	count := len(entry.subs)
	for _, sub := range entry.subs {
		stKey := symbolTypeKey(sub.Symbol, sub.DataType)
		if set, ok := idx.bySymbolType[stKey]; ok {
			delete(set, sub.ID)
			if len(set) == 0 {
				delete(idx.bySymbolType, stKey)
			}
		}
	}
	delete(idx.byClient, clientID)
	return count
}

// Subscribers returns the client IDs subscribed to (symbol, dataType). The
// mutex is released before this returns; the result is an immutable
// snapshot safe to iterate without holding the index lock (spec §4.8).
func (idx *Index) Subscribers(symbol string, dataType DataType) []string {
	idx.mu.Lock()
	set, ok := idx.bySymbolType[symbolTypeKey(symbol, dataType)]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	out := make([]string, 0, len(set))
	for _, sub := range set {
		out = append(out, sub.ClientID)
	}
	idx.mu.Unlock()
	return out
}

// ClientSubscriptions returns a snapshot of a client's current subscriptions.
func (idx *Index) ClientSubscriptions(clientID string) []Subscription {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.byClient[clientID]
	if !ok {
		return nil
	}
	out := make([]Subscription, 0, len(entry.subs))
	for _, sub := range entry.subs {
		out = append(out, *sub)
	}
	return out
}
