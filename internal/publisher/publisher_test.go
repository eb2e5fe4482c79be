package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/marketfeed/internal/source"
	"github.com/quantarc/marketfeed/internal/subscription"
)

type fakeSymbols struct {
	mu   sync.Mutex
	subs map[string][]string
}

func (f *fakeSymbols) Subscribers(symbol string, dataType subscription.DataType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[symbol+"|"+string(dataType)]
}

type fakeTickSource struct {
	calls int32
	mu    sync.Mutex
}

func (f *fakeTickSource) FetchLatest(ctx context.Context, symbol, dataType string) (source.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return source.RawRecord{"price": 10.5}, nil
}

type capturedPublish struct {
	clientID string
	msgType  string
	data     any
}

type fakeRouter struct {
	mu   sync.Mutex
	sent []capturedPublish
}

func (f *fakeRouter) Publish(clientID, msgType string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, capturedPublish{clientID, msgType, data})
	return true
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestTickPublishesToAllSubscribersOfWatchedSymbol(t *testing.T) {
	symbols := &fakeSymbols{subs: map[string][]string{"AAPL|quote": {"client1", "client2"}}}
	tickSrc := &fakeTickSource{}
	router := &fakeRouter{}
	p := New(DefaultConfig(), symbols, tickSrc, router, nil)
	p.Watch("AAPL", subscription.DataTypeQuote)

	p.tick(context.Background())

	assert.Equal(t, 2, router.count())
	rec, ok := p.LastKnown("AAPL", subscription.DataTypeQuote)
	require.True(t, ok)
	assert.Equal(t, 10.5, rec["price"])
}

func TestTickSkipsSymbolWithNoSubscribers(t *testing.T) {
	symbols := &fakeSymbols{subs: map[string][]string{}}
	tickSrc := &fakeTickSource{}
	router := &fakeRouter{}
	p := New(DefaultConfig(), symbols, tickSrc, router, nil)
	p.Watch("AAPL", subscription.DataTypeQuote)

	p.tick(context.Background())

	assert.Equal(t, 0, router.count())
	assert.Equal(t, int32(0), tickSrc.calls)
}

func TestUnwatchStopsFuturePublishing(t *testing.T) {
	symbols := &fakeSymbols{subs: map[string][]string{"AAPL|quote": {"client1"}}}
	tickSrc := &fakeTickSource{}
	router := &fakeRouter{}
	p := New(DefaultConfig(), symbols, tickSrc, router, nil)
	p.Watch("AAPL", subscription.DataTypeQuote)
	p.tick(context.Background())
	require.Equal(t, 1, router.count())

	p.Unwatch("AAPL", subscription.DataTypeQuote)
	p.tick(context.Background())
	assert.Equal(t, 1, router.count(), "unwatched symbol must not publish on subsequent ticks")
}

type capturedMirror struct {
	subject string
	msgType string
	data    any
}

type fakeMirror struct {
	mu   sync.Mutex
	sent []capturedMirror
}

func (f *fakeMirror) Publish(subject, msgType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, capturedMirror{subject, msgType, data})
	return nil
}

func (f *fakeMirror) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestTickMirrorsOncePerSymbolRegardlessOfSubscriberCount(t *testing.T) {
	symbols := &fakeSymbols{subs: map[string][]string{"AAPL|quote": {"client1", "client2", "client3"}}}
	tickSrc := &fakeTickSource{}
	router := &fakeRouter{}
	mirror := &fakeMirror{}
	p := New(DefaultConfig(), symbols, tickSrc, router, nil)
	p.SetMirror(mirror)
	p.Watch("AAPL", subscription.DataTypeQuote)

	p.tick(context.Background())

	assert.Equal(t, 3, router.count())
	assert.Equal(t, 1, mirror.count(), "mirror must be called once per (symbol, dataType), not once per subscriber")
}

func TestTickSkipsMirrorWhenUnset(t *testing.T) {
	symbols := &fakeSymbols{subs: map[string][]string{"AAPL|quote": {"client1"}}}
	tickSrc := &fakeTickSource{}
	router := &fakeRouter{}
	p := New(DefaultConfig(), symbols, tickSrc, router, nil)
	p.Watch("AAPL", subscription.DataTypeQuote)

	assert.NotPanics(t, func() { p.tick(context.Background()) })
}

func TestLastKnownPurgedAfterGracePeriod(t *testing.T) {
	symbols := &fakeSymbols{subs: map[string][]string{"AAPL|quote": {"client1"}}}
	tickSrc := &fakeTickSource{}
	router := &fakeRouter{}
	cfg := Config{UpdateInterval: time.Second, GracePeriod: time.Millisecond}
	p := New(cfg, symbols, tickSrc, router, nil)
	p.Watch("AAPL", subscription.DataTypeQuote)
	p.tick(context.Background())

	time.Sleep(5 * time.Millisecond)
	symbols.mu.Lock()
	symbols.subs = map[string][]string{}
	symbols.mu.Unlock()

	p.tick(context.Background())
	_, ok := p.LastKnown("AAPL", subscription.DataTypeQuote)
	assert.False(t, ok)
}
