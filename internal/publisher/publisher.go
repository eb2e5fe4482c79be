// Package publisher implements the data publisher of spec §4.11: a
// periodic tick that, for every active symbol in the subscription index,
// fetches the latest tick/quote/depth record and fans it out to
// subscribers through the router/connection-manager pair. Grounded on the
// teacher's scheduler-driven analytics channel pattern referenced in
// pump_write.go's channel-subject comments, adapted from a token-balance
// scheduler into a generic per-(symbol, data-type) publish tick.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/quantarc/marketfeed/internal/resilience"
	"github.com/quantarc/marketfeed/internal/source"
	"github.com/quantarc/marketfeed/internal/subscription"
)

// ActiveSymbolSource exposes which (symbol, data_type) pairs currently have
// at least one subscriber, and who those subscribers are; implemented by
// internal/subscription (C9).
type ActiveSymbolSource interface {
	Subscribers(symbol string, dataType subscription.DataType) []string
}

// FramePublisher is implemented by internal/wsproto (C11): routes one record to
// one client_id as a typed outbound frame.
type FramePublisher interface {
	Publish(clientID, msgType string, data any) bool
}

// Mirror is implemented by internal/natsbus's Bus: an optional cross-
// instance fan-out so every marketfeed process observing the same symbol
// stays in sync without each one hitting the source adapter independently.
// A nil Mirror disables the secondary bus entirely (spec §6's
// PUBLISH_BUS_ENABLED=false default).
type Mirror interface {
	Publish(subject, msgType string, data any) error
}

// lastKnown is one (symbol, data_type) entry in the publisher's cache, used
// to purge inactive symbols after a grace period.
type lastKnown struct {
	record       source.RawRecord
	lastPublish  time.Time
	lastActive   time.Time
}

// Config carries the tunables of spec §4.11/§6.
type Config struct {
	UpdateInterval time.Duration // default 1s
	GracePeriod    time.Duration // default 10m
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{UpdateInterval: time.Second, GracePeriod: 10 * time.Minute}
}

// msgTypeFor maps a subscription data type to its outbound frame type
// from spec §6's closed outbound type set.
var msgTypeFor = map[subscription.DataType]string{
	subscription.DataTypeQuote:     "market_data",
	subscription.DataTypeKline:     "kline_data",
	subscription.DataTypeTrade:     "trade_data",
	subscription.DataTypeDepth:     "depth_data",
	subscription.DataTypeTick:      "market_data",
	subscription.DataTypeOrderbook: "depth_data",
}

// Publisher is the data publisher of spec §4.11.
type Publisher struct {
	cfg        Config
	symbols    ActiveSymbolSource
	tickSource source.TickSource
	router     FramePublisher
	resilience *resilience.Handler
	mirror     Mirror

	mu         sync.Mutex
	watchlist  map[string]map[subscription.DataType]struct{} // symbol -> active data types
	cache      map[string]*lastKnown                         // "symbol|type" -> last known

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Publisher. Its tick loop is not started by the constructor;
// callers invoke Start/Stop explicitly (Design Note §9).
func New(cfg Config, symbols ActiveSymbolSource, tickSource source.TickSource, router FramePublisher, handler *resilience.Handler) *Publisher {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig().UpdateInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	return &Publisher{
		cfg:        cfg,
		symbols:    symbols,
		tickSource: tickSource,
		router:     router,
		resilience: handler,
		watchlist:  make(map[string]map[subscription.DataType]struct{}),
		cache:      make(map[string]*lastKnown),
		stop:       make(chan struct{}),
	}
}

// SetMirror wires an optional cross-instance bus after construction,
// following the same optional-setter idiom as internal/perf's WithMetrics.
func (p *Publisher) SetMirror(mirror Mirror) {
	p.mirror = mirror
}

// Watch registers (symbol, dataType) as actively published, called after
// every successful C9.Subscribe for that pair; repeated calls are no-ops.
func (p *Publisher) Watch(symbol string, dataType subscription.DataType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.watchlist[symbol]
	if !ok {
		set = make(map[subscription.DataType]struct{})
		p.watchlist[symbol] = set
	}
	set[dataType] = struct{}{}
}

// Unwatch removes (symbol, dataType) from the publish schedule, called when
// an unsubscribe or a disconnect leaves the pair with no subscriber. The
// last-known cache entry is retained
// until the grace period sweeps it.
func (p *Publisher) Unwatch(symbol string, dataType subscription.DataType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.watchlist[symbol]; ok {
		delete(set, dataType)
		if len(set) == 0 {
			delete(p.watchlist, symbol)
		}
	}
}

func cacheKey(symbol string, dataType subscription.DataType) string {
	return symbol + "|" + string(dataType)
}

// Start launches the update_interval tick loop.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.tick(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
}

type watchPair struct {
	symbol   string
	dataType subscription.DataType
}

func (p *Publisher) tick(ctx context.Context) {
	p.mu.Lock()
	var todo []watchPair
	for symbol, types := range p.watchlist {
		for dt := range types {
			todo = append(todo, watchPair{symbol, dt})
		}
	}
	p.mu.Unlock()

	now := time.Now()
	for _, item := range todo {
		subscribers := p.symbols.Subscribers(item.symbol, item.dataType)
		if len(subscribers) == 0 {
			p.markInactiveIfExpired(item.symbol, item.dataType, now)
			continue
		}

		var rec source.RawRecord
		fetchErr := p.fetch(ctx, item.symbol, item.dataType, &rec)
		if fetchErr != nil {
			continue
		}

		key := cacheKey(item.symbol, item.dataType)
		p.mu.Lock()
		p.cache[key] = &lastKnown{record: rec, lastPublish: now, lastActive: now}
		p.mu.Unlock()

		msgType := msgTypeFor[item.dataType]
		for _, clientID := range subscribers {
			p.router.Publish(clientID, msgType, rec)
		}
		if p.mirror != nil {
			_ = p.mirror.Publish(item.symbol, msgType, rec)
		}
	}

	p.sweepExpired(now)
}

func (p *Publisher) fetch(ctx context.Context, symbol string, dataType subscription.DataType, out *source.RawRecord) error {
	if p.tickSource == nil {
		return nil
	}
	execute := func(ctx context.Context) error {
		rec, err := p.tickSource.FetchLatest(ctx, symbol, string(dataType))
		if err != nil {
			return err
		}
		*out = rec
		return nil
	}
	if p.resilience != nil {
		return p.resilience.Execute(ctx, resilience.CategoryDataPublish, symbol, execute)
	}
	return execute(ctx)
}

func (p *Publisher) markInactiveIfExpired(symbol string, dataType subscription.DataType, now time.Time) {
	key := cacheKey(symbol, dataType)
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[key]
	if !ok {
		return
	}
	if now.Sub(entry.lastActive) > p.cfg.GracePeriod {
		delete(p.cache, key)
	}
}

func (p *Publisher) sweepExpired(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.cache {
		if now.Sub(entry.lastActive) > p.cfg.GracePeriod {
			delete(p.cache, key)
		}
	}
}

// LastKnown returns the most recently published record for (symbol,
// dataType), if one is still cached.
func (p *Publisher) LastKnown(symbol string, dataType subscription.DataType) (source.RawRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[cacheKey(symbol, dataType)]
	if !ok {
		return nil, false
	}
	return entry.record, true
}
