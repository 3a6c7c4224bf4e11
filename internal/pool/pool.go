// Package pool places subscriptions across a bounded set of broker
// connections. One pool serves one (broker, user) pair; every connection is
// an adapter created lazily through a factory, never torn down before the
// pool itself. Placement is first-fit in creation order, so earlier
// connections refill as subscriptions churn.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/marketcalls/feedmux/internal/adapter"
	"github.com/marketcalls/feedmux/internal/model"
)

// Errors
var (
	// ErrNotSubscribed is adapter.ErrNotSubscribed re-exported at the pool
	// surface; errors.Is matches either spelling.
	ErrNotSubscribed = adapter.ErrNotSubscribed
	ErrPoolClosed    = errors.New("pool closed")
)

// CapacityError reports a full pool: every connection is at its symbol
// limit and no further connection may be created.
type CapacityError struct {
	Limit   int // max_connections x max_symbols_per_connection
	Current int // subscriptions held right now
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("subscription capacity reached: %d of %d slots in use", e.Current, e.Limit)
}

// AdapterFactory creates the adapter for one pool slot. connID is the
// slot's position in creation order.
type AdapterFactory func(connID int) (adapter.Adapter, error)

// Config bounds one pool.
type Config struct {
	Broker                  string
	UserID                  string
	MaxConnections          int
	MaxSymbolsPerConnection int
}

// Pool implements the placement bookkeeping. One mutex guards all of it;
// helpers that require the lock use the Locked suffix.
type Pool struct {
	cfg     Config
	factory AdapterFactory
	logger  *slog.Logger

	mu       sync.Mutex
	adapters []adapter.Adapter
	counts   []int                         // per-adapter held count, same index as adapters
	assigned map[model.SubscriptionKey]int // key -> adapter index
	closed   bool
}

// New creates an empty pool. No connection is opened until the first
// subscription needs one.
func New(cfg Config, factory AdapterFactory, logger *slog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: nil adapter factory")
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("pool: MaxConnections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MaxSymbolsPerConnection <= 0 {
		return nil, fmt.Errorf("pool: MaxSymbolsPerConnection must be positive, got %d", cfg.MaxSymbolsPerConnection)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With("component", "pool", "broker", cfg.Broker),
		assigned: make(map[model.SubscriptionKey]int),
	}, nil
}

// Placement reports where one key lives after a subscribe: the connection
// index that serves it and how many keys that connection holds.
type Placement struct {
	Key   model.SubscriptionKey `json:"key"`
	Conn  int                   `json:"conn"`
	Count int                   `json:"count"`
}

// Subscribe places each key on a connection and forwards it to the owning
// adapter. One Placement comes back per key, in request order; a key already
// held is a no-op that reports its existing placement. New connections are
// created lazily, connected synchronously; the wait is bounded by the
// adapter's attempt budget and by ctx. On error the placements made so far
// come back with it.
func (p *Pool) Subscribe(ctx context.Context, keys ...model.SubscriptionKey) ([]Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	for _, key := range keys {
		if !key.Mode.Valid() {
			return nil, fmt.Errorf("subscribe %s: invalid mode", key)
		}
	}

	placements := make([]Placement, 0, len(keys))
	for _, key := range keys {
		if idx, held := p.assigned[key]; held {
			placements = append(placements, Placement{Key: key, Conn: idx, Count: p.counts[idx]})
			continue
		}

		idx, err := p.placeLocked(ctx)
		if err != nil {
			return placements, err
		}
		if err := p.adapters[idx].Subscribe(key); err != nil {
			return placements, fmt.Errorf("subscribe %s on connection %d: %w", key, idx, err)
		}
		p.assigned[key] = idx
		p.counts[idx]++
		placements = append(placements, Placement{Key: key, Conn: idx, Count: p.counts[idx]})
	}
	return placements, nil
}

// placeLocked returns the index of the first connection with spare
// capacity, creating one if every existing connection is full and the
// connection ceiling allows it.
func (p *Pool) placeLocked(ctx context.Context) (int, error) {
	for i, n := range p.counts {
		if n < p.cfg.MaxSymbolsPerConnection {
			return i, nil
		}
	}
	if len(p.adapters) >= p.cfg.MaxConnections {
		return 0, &CapacityError{
			Limit:   p.cfg.MaxConnections * p.cfg.MaxSymbolsPerConnection,
			Current: len(p.assigned),
		}
	}
	return p.createAdapterLocked(ctx)
}

// createAdapterLocked adds one connection: construct through the factory,
// then connect before any placement. A connection that cannot be
// established is discarded, not pooled.
func (p *Pool) createAdapterLocked(ctx context.Context) (int, error) {
	id := len(p.adapters)
	a, err := p.factory(id)
	if err != nil {
		return 0, fmt.Errorf("create connection %d: %w", id, err)
	}
	if err := a.Connect(ctx); err != nil {
		a.Disconnect()
		return 0, fmt.Errorf("connect connection %d: %w", id, err)
	}

	p.adapters = append(p.adapters, a)
	p.counts = append(p.counts, 0)
	p.logger.Info("connection added", "conn_id", id, "connections", len(p.adapters))
	return id, nil
}

// Unsubscribe removes keys from their connections. The whole batch is
// checked first: if any key is not held, ErrNotSubscribed is returned and
// nothing changes. Bookkeeping shrinks per key only after the owning
// adapter accepted the removal.
func (p *Pool) Unsubscribe(keys ...model.SubscriptionKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	for _, key := range keys {
		if _, held := p.assigned[key]; !held {
			return fmt.Errorf("%w: %s", ErrNotSubscribed, key)
		}
	}

	for _, key := range keys {
		idx := p.assigned[key]
		if err := p.adapters[idx].Unsubscribe(key); err != nil {
			return fmt.Errorf("unsubscribe %s from connection %d: %w", key, idx, err)
		}
		delete(p.assigned, key)
		p.counts[idx]--
	}
	return nil
}

// UnsubscribeAll sweeps every held key, batched per connection.
// Best-effort: a failing connection keeps its bookkeeping and the sweep
// moves on; all failures come back joined.
func (p *Pool) UnsubscribeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	perConn := make(map[int][]model.SubscriptionKey)
	for key, idx := range p.assigned {
		perConn[idx] = append(perConn[idx], key)
	}

	var errs []error
	for idx := range p.adapters {
		keys := perConn[idx]
		if len(keys) == 0 {
			continue
		}
		if err := p.adapters[idx].Unsubscribe(keys...); err != nil {
			errs = append(errs, fmt.Errorf("connection %d: %w", idx, err))
			continue
		}
		for _, key := range keys {
			delete(p.assigned, key)
		}
		p.counts[idx] -= len(keys)
	}
	return errors.Join(errs...)
}

// Disconnect tears down every connection and closes the pool. Best-effort:
// all adapters are asked in parallel, all failures come back joined. Every
// operation after this returns ErrPoolClosed.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true

	errs := make([]error, len(p.adapters))
	var wg sync.WaitGroup
	for i, a := range p.adapters {
		i, a := i, a // per-iteration copies; required for go <1.22 loop semantics
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Disconnect(); err != nil {
				errs[i] = fmt.Errorf("connection %d: %w", i, err)
			}
		}()
	}
	wg.Wait()

	p.adapters = nil
	p.counts = nil
	p.assigned = make(map[model.SubscriptionKey]int)
	p.logger.Info("pool disconnected")
	return errors.Join(errs...)
}

// ConnStats is one connection's view in a pool snapshot.
type ConnStats struct {
	adapter.Stats
	Count int     `json:"count"` // pool-side bookkeeping for this connection
	Pct   float64 `json:"pct"`
}

// Stats is a consistent point-in-time snapshot of the pool.
type Stats struct {
	Broker      string      `json:"broker"`
	UserID      string      `json:"user_id,omitempty"`
	Total       int         `json:"total"`
	Capacity    int         `json:"capacity"`
	Pct         float64     `json:"pct"`
	Connections []ConnStats `json:"connections"`
}

// Stats assembles the snapshot under a single lock acquisition, so the
// totals always agree with the per-connection counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.cfg.MaxConnections * p.cfg.MaxSymbolsPerConnection
	s := Stats{
		Broker:   p.cfg.Broker,
		UserID:   p.cfg.UserID,
		Total:    len(p.assigned),
		Capacity: capacity,
	}
	if capacity > 0 {
		s.Pct = float64(s.Total) / float64(capacity) * 100
	}

	for i, a := range p.adapters {
		cs := ConnStats{
			Stats: a.Stats(),
			Count: p.counts[i],
		}
		if p.cfg.MaxSymbolsPerConnection > 0 {
			cs.Pct = float64(cs.Count) / float64(p.cfg.MaxSymbolsPerConnection) * 100
		}
		s.Connections = append(s.Connections, cs)
	}
	return s
}

// Subscriptions returns the held keys and their connection index, for the
// debug surface.
func (p *Pool) Subscriptions() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.assigned))
	for key, idx := range p.assigned {
		out[key.String()] = idx
	}
	return out
}

// Held returns the held keys in deterministic order.
func (p *Pool) Held() []model.SubscriptionKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]model.SubscriptionKey, 0, len(p.assigned))
	for key := range p.assigned {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
