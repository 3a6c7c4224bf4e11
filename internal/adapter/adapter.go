package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"

	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/stream"
)

// Adapter is the uniform per-broker connection contract. One adapter owns
// exactly one physical streaming connection.
type Adapter interface {
	// Connect runs the first connection sequence: endpoints are tried in
	// failover order with exponential backoff between attempts, until one
	// succeeds or the attempt budget is spent. The wait is bounded by the
	// retry count, not wall clock; callers add deadlines through ctx.
	Connect(ctx context.Context) error

	// Subscribe registers keys and sends the dialect's subscribe frames.
	// Requires StateConnected.
	Subscribe(keys ...model.SubscriptionKey) error

	// Unsubscribe drops keys and sends the dialect's unsubscribe frames.
	// Requires StateConnected. Every key must currently be held:
	// a batch naming an unknown key fails whole with ErrNotSubscribed.
	Unsubscribe(keys ...model.SubscriptionKey) error

	// Disconnect tears the connection down for good. No reconnection.
	Disconnect() error

	State() State
	IsConnected() bool

	// Held returns a sorted snapshot of the keys this connection carries.
	Held() []model.SubscriptionKey

	// Cached returns a copy of the merged record for a held key.
	Cached(key model.SubscriptionKey) (model.Tick, bool)

	// Stats returns a point-in-time snapshot for this connection.
	Stats() Stats
}

// conn implements Adapter.
type conn struct {
	cfg     Config
	dialect Dialect
	pub     TickPublisher
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	client stream.Client // current session, nil unless dialing/connected
	subs   map[model.SubscriptionKey]struct{}
	byInst map[string][]model.SubscriptionKey // (exchange|token) -> keys fed by it
	cache  map[model.SubscriptionKey]*model.Tick
	closed bool

	done       chan struct{} // closed by Disconnect
	workerDone chan struct{} // created when the supervisor starts, closed when it exits

	published   atomic.Int64
	parseErrors atomic.Int64
	reconnects  atomic.Int64
}

// New creates an adapter for one broker connection. No I/O happens here.
func New(cfg Config, dialect Dialect, pub TickPublisher, logger *slog.Logger) (Adapter, error) {
	if dialect == nil {
		return nil, fmt.Errorf("adapter: nil dialect")
	}
	if pub == nil {
		return nil, fmt.Errorf("adapter: nil publisher")
	}
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = def.MessageBuffer
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = dialect.Endpoints()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("adapter: no endpoints for broker %q", dialect.Name())
	}

	return &conn{
		cfg:     cfg,
		dialect: dialect,
		pub:     pub,
		logger:  logger.With("broker", dialect.Name(), "conn_id", cfg.ConnID),
		subs:    make(map[model.SubscriptionKey]struct{}),
		byInst:  make(map[string][]model.SubscriptionKey),
		cache:   make(map[model.SubscriptionKey]*model.Tick),
		done:    make(chan struct{}),
	}, nil
}

// Connect establishes the first session and starts the supervisor.
func (c *conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAdapterClosed
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.mu.Unlock()
		return ErrRetriesExhausted
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	client, err := c.establish(ctx, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.workerDone = make(chan struct{})
	c.mu.Unlock()
	go c.supervise(client)
	return nil
}

// establish runs the bounded attempt loop: dial the next endpoint, perform
// the session handshake, and on reconnects resend held subscriptions. It
// holds no locks while sleeping.
func (c *conn) establish(ctx context.Context, isReconnect bool) (stream.Client, error) {
	b := &backoff.Backoff{
		Min:    c.cfg.BackoffMin,
		Max:    c.cfg.BackoffMax,
		Factor: 2,
	}

	for attempt := 0; attempt < c.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 0 {
			if isReconnect {
				c.setState(StateReconnecting)
			}
			wait := b.Duration()
			c.logger.Debug("waiting before next connect attempt", "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return nil, ctx.Err()
			case <-c.done:
				return nil, ErrAdapterClosed
			case <-time.After(wait):
			}
		}

		url := c.cfg.Endpoints[attempt%len(c.cfg.Endpoints)]
		c.setState(StateConnecting)

		client, err := c.dial(ctx, url)
		if err != nil {
			c.logger.Warn("connect attempt failed",
				"endpoint", url,
				"attempt", attempt+1,
				"max_attempts", c.cfg.MaxConnectAttempts,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			client.Close()
			return nil, ErrAdapterClosed
		}
		c.client = client
		c.setStateLocked(StateConnected)
		held := c.heldLocked()
		c.mu.Unlock()

		c.logger.Info("connected", "endpoint", url, "attempt", attempt+1)

		// Only a re-established session resends subscriptions; the first
		// connect has nothing to restore. Best-effort: a failure here is
		// logged and the session stays up.
		if isReconnect && len(held) > 0 {
			if err := c.sendSubscribes(client, held); err != nil {
				c.logger.Warn("resubscribe after reconnect failed",
					"keys", len(held),
					"error", err,
				)
			} else {
				c.logger.Info("resubscribed after reconnect", "keys", len(held))
			}
		}

		return client, nil
	}

	c.setState(StateFailed)
	c.logger.Error("giving up: connect attempts exhausted", "attempts", c.cfg.MaxConnectAttempts)
	return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.cfg.MaxConnectAttempts)
}

// dial opens one WebSocket session and completes the dialect handshake.
func (c *conn) dial(ctx context.Context, url string) (stream.Client, error) {
	client := stream.NewClient(stream.Config{
		URL:              url,
		Header:           c.dialect.DialHeader(),
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
		PingInterval:     c.cfg.PingInterval,
		StaleAfter:       c.cfg.StaleAfter,
		HeartbeatPayload: c.dialect.Heartbeat(),
		BufferSize:       c.cfg.MessageBuffer,
	}, c.logger)

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	frames, err := c.dialect.HandshakeFrames()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("render handshake: %w", err)
	}
	if len(frames) == 0 {
		return client, nil
	}

	for _, frame := range frames {
		if err := client.Send(frame); err != nil {
			client.Close()
			return nil, fmt.Errorf("send handshake: %w", err)
		}
	}

	deadline := time.After(c.cfg.HandshakeTimeout)
	for {
		select {
		case msg := <-client.Messages():
			done, err := c.dialect.AwaitHandshake(msg.Data)
			if err != nil {
				client.Close()
				return nil, fmt.Errorf("handshake rejected: %w", err)
			}
			if done {
				return client, nil
			}
		case err := <-client.Errors():
			client.Close()
			return nil, err
		case <-deadline:
			client.Close()
			return nil, fmt.Errorf("handshake timeout after %v", c.cfg.HandshakeTimeout)
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		}
	}
}

// supervise pumps one session and re-establishes it after failures until the
// adapter is closed or the attempt budget is spent.
func (c *conn) supervise(client stream.Client) {
	defer close(c.workerDone)

	// Reconnect attempts are cut short the moment Disconnect closes done,
	// so a mid-dial teardown never waits out a handshake.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := c.pump(client)
		client.Close()
		if err == nil {
			// Intentional disconnect.
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.client = nil
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.reconnects.Add(1)
		c.logger.Warn("session lost, reconnecting", "error", err)

		next, err := c.establish(ctx, true)
		if err != nil {
			if !errors.Is(err, ErrAdapterClosed) && !errors.Is(err, context.Canceled) {
				c.logger.Error("reconnection abandoned", "error", err)
			}
			return
		}
		client = next
	}
}

// pump forwards one session's frames into the merge path. Returns nil on
// intentional shutdown, or the transport error that ended the session.
func (c *conn) pump(client stream.Client) error {
	for {
		select {
		case <-c.done:
			return nil
		case err := <-client.Errors():
			return err
		case msg := <-client.Messages():
			c.handleMessage(msg)
		}
	}
}

// handleMessage parses one frame and applies its update. Parse failures are
// counted, never fatal.
func (c *conn) handleMessage(msg stream.TimestampedMessage) {
	ev, err := c.dialect.Parse(msg)
	if err != nil {
		c.parseErrors.Add(1)
		c.logger.Debug("unparseable frame", "error", err)
		return
	}

	switch ev.Kind {
	case EventIgnore:
	case EventAck:
		if !ev.OK {
			c.logger.Warn("broker rejected request", "reason", ev.Reason)
		}
	case EventSnapshot, EventDelta:
		c.applyUpdate(ev, msg.ReceivedAt)
	}
}

// applyUpdate merges one update into every cached record it feeds and
// publishes the results. Snapshots replace the cached record; deltas merge,
// so fields absent from the wire keep their previous values.
func (c *conn) applyUpdate(ev Event, receivedAt time.Time) {
	u := ev.Update
	if u == nil {
		return
	}

	type outRecord struct {
		topic string
		tick  model.Tick
	}
	var outs []outRecord

	c.mu.Lock()
	keys := c.byInst[instKey(u.Exchange, u.Token)]
	for _, key := range keys {
		if !modeWants(ev.Modes, key.Mode) {
			continue
		}

		t := c.cache[key]
		if t == nil || ev.Kind == EventSnapshot {
			t = &model.Tick{
				Broker:   c.dialect.Name(),
				Exchange: key.Exchange,
				Symbol:   key.Symbol,
				Token:    u.Token,
				Mode:     key.Mode,
			}
		}
		t.Apply(u)
		t.ReceivedAt = receivedAt.UnixMilli()
		c.cache[key] = t

		outs = append(outs, outRecord{
			topic: key.Topic(c.dialect.Name()),
			tick:  t.View(key.Mode),
		})
	}
	c.mu.Unlock()

	// Publish outside the adapter lock.
	for _, out := range outs {
		payload, err := json.Marshal(out.tick)
		if err != nil {
			c.logger.Warn("encode tick", "topic", out.topic, "error", err)
			continue
		}
		if err := c.pub.Publish(out.topic, payload); err != nil {
			c.logger.Debug("publish tick", "topic", out.topic, "error", err)
			continue
		}
		c.published.Add(1)
	}
}

// Subscribe registers keys and sends the dialect's subscribe frames.
func (c *conn) Subscribe(keys ...model.SubscriptionKey) error {
	if len(keys) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAdapterClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}

	// Register before sending so a snapshot racing the ack is not lost;
	// roll back if the send fails.
	var added []model.SubscriptionKey
	for _, key := range keys {
		if _, held := c.subs[key]; held {
			continue
		}
		exch, token, err := c.dialect.Instrument(key)
		if err != nil {
			c.rollbackLocked(added)
			c.mu.Unlock()
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		c.subs[key] = struct{}{}
		inst := instKey(exch, token)
		c.byInst[inst] = append(c.byInst[inst], key)
		added = append(added, key)
	}
	client := c.client
	c.mu.Unlock()

	if len(added) == 0 {
		return nil
	}

	if err := c.sendSubscribes(client, added); err != nil {
		c.mu.Lock()
		c.rollbackLocked(added)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *conn) sendSubscribes(client stream.Client, keys []model.SubscriptionKey) error {
	frames, err := c.dialect.SubscribeFrames(keys)
	if err != nil {
		return fmt.Errorf("render subscribe: %w", err)
	}
	for _, frame := range frames {
		if err := client.Send(frame); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}
	return nil
}

// Unsubscribe drops keys and sends the dialect's unsubscribe frames. The
// whole batch is checked first: if any key is not held, ErrNotSubscribed
// comes back and no frame goes out. Bookkeeping shrinks only after the
// frames went out.
func (c *conn) Unsubscribe(keys ...model.SubscriptionKey) error {
	if len(keys) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAdapterClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}

	drop := make(map[model.SubscriptionKey]struct{}, len(keys))
	held := make([]model.SubscriptionKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := c.subs[key]; !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotSubscribed, key)
		}
		if _, dup := drop[key]; dup {
			continue
		}
		drop[key] = struct{}{}
		held = append(held, key)
	}
	var keep []model.SubscriptionKey
	for key := range c.subs {
		if _, dropping := drop[key]; !dropping {
			keep = append(keep, key)
		}
	}
	client := c.client
	c.mu.Unlock()

	frames, err := c.dialect.UnsubscribeFrames(held, keep)
	if err != nil {
		return fmt.Errorf("render unsubscribe: %w", err)
	}
	for _, frame := range frames {
		if err := client.Send(frame); err != nil {
			return fmt.Errorf("send unsubscribe: %w", err)
		}
	}

	c.mu.Lock()
	for _, key := range held {
		delete(c.subs, key)
		delete(c.cache, key)
		if exch, token, err := c.dialect.Instrument(key); err == nil {
			c.removeInstLocked(instKey(exch, token), key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Disconnect tears the connection down for good and waits for the
// supervisor to exit, so no session outlives the call.
func (c *conn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.setStateLocked(StateDisconnected)
	client := c.client
	c.client = nil
	worker := c.workerDone
	c.mu.Unlock()

	close(c.done)
	var err error
	if client != nil {
		err = client.Close()
	}
	if worker != nil {
		<-worker
	}
	return err
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *conn) Held() []model.SubscriptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heldLocked()
}

func (c *conn) Cached(key model.SubscriptionKey) (model.Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.cache[key]
	if !ok {
		return model.Tick{}, false
	}
	return *t, true
}

func (c *conn) Stats() Stats {
	c.mu.Lock()
	state := c.state
	held := len(c.subs)
	c.mu.Unlock()

	return Stats{
		ConnID:      c.cfg.ConnID,
		State:       state.String(),
		Held:        held,
		Published:   c.published.Load(),
		ParseErrors: c.parseErrors.Load(),
		Reconnects:  c.reconnects.Load(),
	}
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *conn) setStateLocked(s State) {
	if c.state != s {
		c.logger.Debug("state change", "from", c.state, "to", s)
		c.state = s
	}
}

func (c *conn) heldLocked() []model.SubscriptionKey {
	keys := make([]model.SubscriptionKey, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (c *conn) rollbackLocked(keys []model.SubscriptionKey) {
	for _, key := range keys {
		delete(c.subs, key)
		if exch, token, err := c.dialect.Instrument(key); err == nil {
			c.removeInstLocked(instKey(exch, token), key)
		}
	}
}

func (c *conn) removeInstLocked(inst string, key model.SubscriptionKey) {
	mapped := c.byInst[inst]
	for i, k := range mapped {
		if k == key {
			c.byInst[inst] = append(mapped[:i], mapped[i+1:]...)
			break
		}
	}
	if len(c.byInst[inst]) == 0 {
		delete(c.byInst, inst)
	}
}

func instKey(exchange, token string) string {
	return exchange + "|" + token
}

// modeWants reports whether an update scoped to modes feeds a subscription
// in mode m. A nil scope feeds every mode.
func modeWants(modes []model.Mode, m model.Mode) bool {
	if len(modes) == 0 {
		return true
	}
	for _, mode := range modes {
		if mode == m {
			return true
		}
	}
	return false
}
