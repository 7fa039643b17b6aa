// Package cache provides the ephemeral typed KV store shared by the engines:
// latest ticks, rolling candle rings, indicator snapshots, positions, order
// book mirrors, recent trades, and the order queue's durable mirror.
//
// Writes are atomic per key; multi-key updates are not atomic across keys and
// consumers must not assume they are. The candle ring enforces its size cap
// as part of the write. Total size is bounded by an entry budget with
// TTL-expired keys evicted first, LRU second.
//
// Writers are component-sharded: the pipeline owns candle and tick writes,
// the analyzer owns indicator writes, the order engine owns position and
// order-mirror writes. Nothing here enforces that; the composition root
// hands each component the same Store and the convention is load-bearing.
package cache

import (
	"container/list"
	"sync"
	"time"

	"qb-trader/pkg/types"
)

// Keyspace TTLs. Zero means no expiry.
const (
	tickTTL      = 24 * time.Hour
	indicatorTTL = time.Hour
	orderbookTTL = 5 * time.Minute

	tradesCap = 100
)

// Store is the KV cache contract. The in-memory implementation below is the
// only one in-tree; tests and the composition root inject it.
type Store interface {
	SetTick(t types.MarketTick)
	Tick(symbol string) (types.MarketTick, bool)

	PushCandle(c types.Candle)
	Candles(symbol string, iv types.Interval, n int) []types.Candle
	HeadCandle(symbol string, iv types.Interval) (types.Candle, bool)
	RingLen(symbol string, iv types.Interval) int

	SetIndicators(s types.IndicatorSnapshot)
	Indicators(symbol string, iv types.Interval) (types.IndicatorSnapshot, bool)

	SetPosition(p types.Position)
	Position(symbol string) (types.Position, bool)
	Positions() []types.Position
	DeletePosition(symbol string)

	SetOrderBook(symbol string, bids, asks []types.PriceLevel)
	OrderBook(symbol string) (bids, asks []types.PriceLevel, ok bool)

	PushTrade(symbol string, f types.Fill)
	Trades(symbol string) []types.Fill

	SavePendingOrders(orders []types.Order)
	PendingOrders() []types.Order

	Len() int
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time // zero = no TTL
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type orderBook struct {
	bids []types.PriceLevel
	asks []types.PriceLevel
}

// Memory is the in-memory Store. A single mutex serializes all access: every
// write is atomic per key by construction.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	ringSize   int
	maxEntries int
	now        func() time.Time
}

// NewMemory creates a bounded in-memory cache. ringSize caps each candle
// ring; maxEntries bounds the total key count.
func NewMemory(ringSize, maxEntries int) *Memory {
	if ringSize <= 0 {
		ringSize = 200
	}
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &Memory{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		ringSize:   ringSize,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Key construction (§ keyspace layout)
// ————————————————————————————————————————————————————————————————————————

func tickKey(symbol string) string                         { return "market:" + symbol }
func candleKey(symbol string, iv types.Interval) string    { return "candles:" + symbol + ":" + string(iv) }
func indicatorKey(symbol string, iv types.Interval) string { return "indicators:" + symbol + ":" + string(iv) }
func positionKey(symbol string) string                     { return "positions:" + symbol }
func orderbookKey(symbol string) string                    { return "orderbook:" + symbol }
func tradesKey(symbol string) string                       { return "trades:" + symbol }

const pendingOrdersKey = "orders:pending"

// ————————————————————————————————————————————————————————————————————————
// Generic get/set under the lock
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) set(key string, value any, ttl time.Duration) {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{key: key}
		e.elem = m.lru.PushFront(e)
		m.entries[key] = e
	} else {
		m.lru.MoveToFront(e.elem)
	}
	e.value = value
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.evictLocked()
}

func (m *Memory) get(key string) (any, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		m.removeLocked(e)
		return nil, false
	}
	m.lru.MoveToFront(e.elem)
	return e.value, true
}

func (m *Memory) removeLocked(e *entry) {
	m.lru.Remove(e.elem)
	delete(m.entries, e.key)
}

// evictLocked enforces the entry budget: expired keys go first, then LRU.
func (m *Memory) evictLocked() {
	if len(m.entries) <= m.maxEntries {
		return
	}
	now := m.now()
	for elem := m.lru.Back(); elem != nil && len(m.entries) > m.maxEntries; {
		prev := elem.Prev()
		if e := elem.Value.(*entry); e.expired(now) {
			m.removeLocked(e)
		}
		elem = prev
	}
	for len(m.entries) > m.maxEntries {
		back := m.lru.Back()
		if back == nil {
			return
		}
		m.removeLocked(back.Value.(*entry))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Typed keyspaces
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) SetTick(t types.MarketTick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(tickKey(t.Symbol), t, tickTTL)
}

func (m *Memory) Tick(symbol string) (types.MarketTick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(tickKey(symbol))
	if !ok {
		return types.MarketTick{}, false
	}
	return v.(types.MarketTick), true
}

// PushCandle prepends to the (symbol, interval) ring and trims to the size
// cap in the same critical section — the cap can never be observed exceeded.
func (m *Memory) PushCandle(c types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := candleKey(c.Symbol, c.Interval)
	var ring []types.Candle
	if v, ok := m.get(key); ok {
		ring = v.([]types.Candle)
	}

	ring = append([]types.Candle{c}, ring...)
	if len(ring) > m.ringSize {
		ring = ring[:m.ringSize]
	}
	m.set(key, ring, 0)
}

// Candles returns up to n candles, newest first. n ≤ 0 returns the whole ring.
func (m *Memory) Candles(symbol string, iv types.Interval, n int) []types.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.get(candleKey(symbol, iv))
	if !ok {
		return nil
	}
	ring := v.([]types.Candle)
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]types.Candle, n)
	copy(out, ring[:n])
	return out
}

func (m *Memory) HeadCandle(symbol string, iv types.Interval) (types.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.get(candleKey(symbol, iv))
	if !ok {
		return types.Candle{}, false
	}
	ring := v.([]types.Candle)
	if len(ring) == 0 {
		return types.Candle{}, false
	}
	return ring[0], true
}

func (m *Memory) RingLen(symbol string, iv types.Interval) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.get(candleKey(symbol, iv))
	if !ok {
		return 0
	}
	return len(v.([]types.Candle))
}

func (m *Memory) SetIndicators(s types.IndicatorSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(indicatorKey(s.Symbol, s.Interval), s, indicatorTTL)
}

func (m *Memory) Indicators(symbol string, iv types.Interval) (types.IndicatorSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(indicatorKey(symbol, iv))
	if !ok {
		return types.IndicatorSnapshot{}, false
	}
	return v.(types.IndicatorSnapshot), true
}

func (m *Memory) SetPosition(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(positionKey(p.Symbol), p, 0)
}

func (m *Memory) Position(symbol string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(positionKey(symbol))
	if !ok {
		return types.Position{}, false
	}
	return v.(types.Position), true
}

func (m *Memory) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Position
	for key, e := range m.entries {
		if len(key) > 10 && key[:10] == "positions:" && !e.expired(m.now()) {
			out = append(out, e.value.(types.Position))
		}
	}
	return out
}

func (m *Memory) DeletePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[positionKey(symbol)]; ok {
		m.removeLocked(e)
	}
}

func (m *Memory) SetOrderBook(symbol string, bids, asks []types.PriceLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(orderbookKey(symbol), orderBook{bids: bids, asks: asks}, orderbookTTL)
}

func (m *Memory) OrderBook(symbol string) (bids, asks []types.PriceLevel, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(orderbookKey(symbol))
	if !ok {
		return nil, nil, false
	}
	ob := v.(orderBook)
	return ob.bids, ob.asks, true
}

// PushTrade prepends to the bounded recent-executions list (cap 100).
func (m *Memory) PushTrade(symbol string, f types.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tradesKey(symbol)
	var trades []types.Fill
	if v, ok := m.get(key); ok {
		trades = v.([]types.Fill)
	}
	trades = append([]types.Fill{f}, trades...)
	if len(trades) > tradesCap {
		trades = trades[:tradesCap]
	}
	m.set(key, trades, 0)
}

func (m *Memory) Trades(symbol string) []types.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(tradesKey(symbol))
	if !ok {
		return nil
	}
	trades := v.([]types.Fill)
	out := make([]types.Fill, len(trades))
	copy(out, trades)
	return out
}

// SavePendingOrders mirrors the order queue's non-terminal orders so a
// restart resumes without losing them.
func (m *Memory) SavePendingOrders(orders []types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]types.Order, len(orders))
	copy(cp, orders)
	m.set(pendingOrdersKey, cp, 0)
}

func (m *Memory) PendingOrders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(pendingOrdersKey)
	if !ok {
		return nil
	}
	orders := v.([]types.Order)
	out := make([]types.Order, len(orders))
	copy(out, orders)
	return out
}

// Len returns the current number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
