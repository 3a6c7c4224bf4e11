package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/stream"
)

// wireFrame is the scripted test protocol, both directions. Control frames
// carry op + keys; data frames carry an instrument identity and optional
// fields so deltas can omit what a real feed omits.
type wireFrame struct {
	Op       string   `json:"op"`
	Keys     []string `json:"keys,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Token    string   `json:"token,omitempty"`
	Modes    []int    `json:"modes,omitempty"`
	LTP      *string  `json:"ltp,omitempty"`
	Volume   *int64   `json:"volume,omitempty"`
}

// fakeDialect speaks the scripted protocol.
type fakeDialect struct {
	endpoints  []string
	handshake  [][]byte
	failSub    atomic.Bool     // next SubscribeFrames render fails
	badSymbols map[string]bool // Instrument fails for these symbols
}

func (d *fakeDialect) Name() string { return "fake" }

func (d *fakeDialect) Endpoints() []string { return d.endpoints }

func (d *fakeDialect) DialHeader() http.Header { return nil }

func (d *fakeDialect) HandshakeFrames() ([][]byte, error) { return d.handshake, nil }

func (d *fakeDialect) AwaitHandshake(data []byte) (bool, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return false, nil
	}
	switch f.Op {
	case "hello":
		return true, nil
	case "reject":
		return false, errors.New("session rejected")
	}
	return false, nil
}

func (d *fakeDialect) Instrument(key model.SubscriptionKey) (string, string, error) {
	if d.badSymbols[key.Symbol] {
		return "", "", errors.New("unknown symbol")
	}
	return key.Exchange, key.Symbol, nil
}

func (d *fakeDialect) SubscribeFrames(keys []model.SubscriptionKey) ([][]byte, error) {
	if d.failSub.CompareAndSwap(true, false) {
		return nil, errors.New("render failure")
	}
	return d.controlFrame("sub", keys)
}

func (d *fakeDialect) UnsubscribeFrames(drop, _ []model.SubscriptionKey) ([][]byte, error) {
	return d.controlFrame("unsub", drop)
}

func (d *fakeDialect) controlFrame(op string, keys []model.SubscriptionKey) ([][]byte, error) {
	f := wireFrame{Op: op}
	for _, key := range keys {
		f.Keys = append(f.Keys, key.String())
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (d *fakeDialect) Heartbeat() []byte { return nil }

func (d *fakeDialect) Parse(msg stream.TimestampedMessage) (Event, error) {
	var f wireFrame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		return Event{}, err
	}

	var modes []model.Mode
	for _, m := range f.Modes {
		modes = append(modes, model.Mode(m))
	}

	switch f.Op {
	case "snap", "delta":
		u := &model.TickUpdate{
			Kind:     model.KindSnapshot,
			Exchange: f.Exchange,
			Token:    f.Token,
		}
		kind := EventSnapshot
		if f.Op == "delta" {
			u.Kind = model.KindDelta
			kind = EventDelta
		}
		if f.LTP != nil {
			d, err := decimal.NewFromString(*f.LTP)
			if err != nil {
				return Event{}, err
			}
			u.LTP = &d
		}
		if f.Volume != nil {
			v := *f.Volume
			u.Volume = &v
		}
		return Event{Kind: kind, Modes: modes, Update: u}, nil
	case "reject-sub":
		return Event{Kind: EventAck, OK: false, Reason: "rejected"}, nil
	case "noise":
		return Event{Kind: EventIgnore}, nil
	}
	return Event{}, errors.New("unknown op " + f.Op)
}

// brokerServer accepts any number of sequential sessions and exposes each
// one to the test.
type brokerServer struct {
	server   *httptest.Server
	sessions chan *serverSession
}

type serverSession struct {
	conn     *websocket.Conn
	messages chan []byte
}

func newBrokerServer(t *testing.T) *brokerServer {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	bs := &brokerServer{sessions: make(chan *serverSession, 4)}
	bs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		sess := &serverSession{conn: conn, messages: make(chan []byte, 32)}
		bs.sessions <- sess
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(sess.messages)
				return
			}
			sess.messages <- msg
		}
	}))
	t.Cleanup(bs.server.Close)
	return bs
}

func (bs *brokerServer) url() string {
	return "ws" + strings.TrimPrefix(bs.server.URL, "http")
}

func (bs *brokerServer) await(t *testing.T) *serverSession {
	t.Helper()
	select {
	case sess := <-bs.sessions:
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a broker session")
		return nil
	}
}

func (s *serverSession) expect(t *testing.T) wireFrame {
	t.Helper()
	select {
	case msg, ok := <-s.messages:
		if !ok {
			t.Fatal("session closed while waiting for a frame")
		}
		var f wireFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("decode client frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
	}
	return wireFrame{}
}

func (s *serverSession) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg, ok := <-s.messages:
		if ok {
			t.Fatalf("unexpected client frame: %s", msg)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *serverSession) send(t *testing.T, f wireFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("encode server frame: %v", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func (s *serverSession) drop() {
	s.conn.Close()
}

// capturePub records everything the adapter publishes.
type capturePub struct {
	mu      sync.Mutex
	records []published
	ch      chan published
}

type published struct {
	topic   string
	payload []byte
}

func newCapturePub() *capturePub {
	return &capturePub{ch: make(chan published, 64)}
}

func (p *capturePub) Publish(topic string, payload []byte) error {
	rec := published{topic: topic, payload: append([]byte(nil), payload...)}
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()
	select {
	case p.ch <- rec:
	default:
	}
	return nil
}

func (p *capturePub) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.records...)
}

func (p *capturePub) await(t *testing.T) published {
	t.Helper()
	select {
	case rec := <-p.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a published record")
		return published{}
	}
}

func testAdapterConfig(endpoints ...string) Config {
	return Config{
		Endpoints:          endpoints,
		MaxConnectAttempts: 3,
		BackoffMin:         5 * time.Millisecond,
		BackoffMax:         20 * time.Millisecond,
		HandshakeTimeout:   time.Second,
		WriteTimeout:       time.Second,
		PingInterval:       50 * time.Millisecond,
		StaleAfter:         5 * time.Second,
		MessageBuffer:      64,
	}
}

func newTestAdapter(t *testing.T, d *fakeDialect, pub TickPublisher, endpoints ...string) Adapter {
	t.Helper()
	a, err := New(testAdapterConfig(endpoints...), d, pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func subKey(symbol, exchange string, mode model.Mode) model.SubscriptionKey {
	return model.SubscriptionKey{Symbol: symbol, Exchange: exchange, Mode: mode}
}

// deadEndpoint returns a URL nothing listens on.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()
	return url
}

func TestAdapter_ConnectSubscribePublish(t *testing.T) {
	srv := newBrokerServer(t)
	pub := newCapturePub()
	a := newTestAdapter(t, &fakeDialect{}, pub, srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !a.IsConnected() {
		t.Fatal("expected connected state")
	}
	sess := srv.await(t)

	key := subKey("RELIANCE", "NSE", model.ModeLTP)
	if err := a.Subscribe(key); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f := sess.expect(t)
	if f.Op != "sub" || len(f.Keys) != 1 || f.Keys[0] != "NSE:RELIANCE:LTP" {
		t.Fatalf("subscribe frame = %+v", f)
	}

	ltp := "2815.25"
	vol := int64(1200)
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "RELIANCE", LTP: &ltp, Volume: &vol})

	rec := pub.await(t)
	if rec.topic != "fake.NSE.RELIANCE.LTP" {
		t.Errorf("topic = %q, want fake.NSE.RELIANCE.LTP", rec.topic)
	}

	var tick model.Tick
	if err := json.Unmarshal(rec.payload, &tick); err != nil {
		t.Fatalf("decode published tick: %v", err)
	}
	if tick.LTP.String() != "2815.25" {
		t.Errorf("published LTP = %s, want 2815.25", tick.LTP)
	}
	if tick.Volume != 0 {
		t.Errorf("LTP view must not carry volume, got %d", tick.Volume)
	}
	if tick.Broker != "fake" || tick.Mode != model.ModeLTP {
		t.Errorf("published identity = %s/%v", tick.Broker, tick.Mode)
	}

	stats := a.Stats()
	if stats.State != "connected" || stats.Held != 1 || stats.Published < 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAdapter_HandshakeExchange(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(msg), "auth") {
			t.Errorf("expected auth frame, got %s", msg)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"hello"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	d := &fakeDialect{handshake: [][]byte{[]byte(`{"op":"auth"}`)}}
	a := newTestAdapter(t, d, newCapturePub(), "ws"+strings.TrimPrefix(server.URL, "http"))
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !a.IsConnected() {
		t.Fatal("expected connected state after handshake")
	}
}

func TestAdapter_HandshakeRejected(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"reject"}`))
	}))
	defer server.Close()

	d := &fakeDialect{handshake: [][]byte{[]byte(`{"op":"auth"}`)}}
	a := newTestAdapter(t, d, newCapturePub(), "ws"+strings.TrimPrefix(server.URL, "http"))

	err := a.Connect(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Connect error = %v, want retries exhausted", err)
	}
	if a.State() != StateFailed {
		t.Errorf("state = %v, want failed", a.State())
	}
}

func TestAdapter_ConnectFailover(t *testing.T) {
	dead := deadEndpoint(t)
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), dead, srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.await(t)
	if !a.IsConnected() {
		t.Fatal("expected connected state after failover")
	}
}

func TestAdapter_ConnectRetriesExhausted(t *testing.T) {
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), deadEndpoint(t))

	err := a.Connect(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Connect error = %v, want retries exhausted", err)
	}
	if a.State() != StateFailed {
		t.Errorf("state = %v, want failed", a.State())
	}

	// The failure is terminal.
	if err := a.Connect(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("second Connect = %v, want retries exhausted", err)
	}
	if err := a.Subscribe(subKey("X", "NSE", model.ModeLTP)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe on failed adapter = %v, want not connected", err)
	}
}

func TestAdapter_ConnectRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), deadEndpoint(t))
	if err := a.Connect(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestAdapter_SubscribeNotConnected(t *testing.T) {
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), "ws://unused")
	if err := a.Subscribe(subKey("X", "NSE", model.ModeLTP)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe = %v, want not connected", err)
	}
	if err := a.Unsubscribe(subKey("X", "NSE", model.ModeLTP)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Unsubscribe = %v, want not connected", err)
	}
}

func TestAdapter_SubscribeIdempotent(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	k1 := subKey("RELIANCE", "NSE", model.ModeLTP)
	k2 := subKey("INFY", "NSE", model.ModeQuote)
	if err := a.Subscribe(k1, k2); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if f := sess.expect(t); len(f.Keys) != 2 {
		t.Fatalf("subscribe frame keys = %v, want 2", f.Keys)
	}

	// Already-held keys produce no traffic.
	if err := a.Subscribe(k1, k2); err != nil {
		t.Fatalf("repeat Subscribe: %v", err)
	}
	sess.expectNone(t)

	held := a.Held()
	if len(held) != 2 {
		t.Fatalf("held = %v, want 2 keys", held)
	}
	if held[0] != k2 || held[1] != k1 {
		t.Errorf("held order = %v, want sorted [INFY, RELIANCE]", held)
	}
}

func TestAdapter_SubscribeRollback(t *testing.T) {
	srv := newBrokerServer(t)
	d := &fakeDialect{badSymbols: map[string]bool{"BAD": true}}
	a := newTestAdapter(t, d, newCapturePub(), srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	good := subKey("GOOD", "NSE", model.ModeLTP)

	// Instrument resolution failure rolls back everything in the batch.
	if err := a.Subscribe(good, subKey("BAD", "NSE", model.ModeLTP)); err == nil {
		t.Fatal("expected error for unresolvable symbol")
	}
	if held := a.Held(); len(held) != 0 {
		t.Fatalf("held after failed batch = %v, want none", held)
	}
	sess.expectNone(t)

	// Render failure rolls back too.
	d.failSub.Store(true)
	if err := a.Subscribe(good); err == nil {
		t.Fatal("expected error from render failure")
	}
	if held := a.Held(); len(held) != 0 {
		t.Fatalf("held after render failure = %v, want none", held)
	}

	// And the adapter still works afterwards.
	if err := a.Subscribe(good); err != nil {
		t.Fatalf("Subscribe after rollback: %v", err)
	}
	if f := sess.expect(t); f.Op != "sub" || len(f.Keys) != 1 {
		t.Fatalf("subscribe frame = %+v", f)
	}
}

func TestAdapter_ReconnectResubscribesHeld(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess1 := srv.await(t)

	keys := []model.SubscriptionKey{
		subKey("AAA", "NSE", model.ModeLTP),
		subKey("BBB", "NSE", model.ModeQuote),
		subKey("CCC", "BSE", model.ModeDepth),
	}
	if err := a.Subscribe(keys...); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sess1.expect(t)

	// Kill the session from the broker side; the adapter must come back on
	// its own and replay the held set in one batch.
	sess1.drop()

	sess2 := srv.await(t)
	f := sess2.expect(t)
	if f.Op != "sub" {
		t.Fatalf("first frame on new session = %q, want sub", f.Op)
	}
	want := []string{"BSE:CCC:DEPTH", "NSE:AAA:LTP", "NSE:BBB:QUOTE"}
	if len(f.Keys) != len(want) {
		t.Fatalf("resubscribed keys = %v, want %v", f.Keys, want)
	}
	for i, k := range want {
		if f.Keys[i] != k {
			t.Errorf("resubscribed key[%d] = %q, want %q", i, f.Keys[i], k)
		}
	}

	if held := a.Held(); len(held) != 3 {
		t.Errorf("held after reconnect = %v, want 3 keys", held)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Stats().Reconnects != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reconnects = %d, want 1", a.Stats().Reconnects)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !a.IsConnected() {
		t.Error("expected connected state after reconnect")
	}
}

func TestAdapter_FirstConnectSendsNothing(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)
	sess.expectNone(t)
}

func TestAdapter_DeltaMergesSnapshotReplaces(t *testing.T) {
	srv := newBrokerServer(t)
	pub := newCapturePub()
	a := newTestAdapter(t, &fakeDialect{}, pub, srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	key := subKey("RELIANCE", "NSE", model.ModeQuote)
	if err := a.Subscribe(key); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sess.expect(t)

	ltp1, vol := "100.5", int64(42)
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "RELIANCE", LTP: &ltp1, Volume: &vol})
	pub.await(t)

	// Delta carries only the price; the cached volume must survive.
	ltp2 := "101"
	sess.send(t, wireFrame{Op: "delta", Exchange: "NSE", Token: "RELIANCE", LTP: &ltp2})
	rec := pub.await(t)

	var tick model.Tick
	if err := json.Unmarshal(rec.payload, &tick); err != nil {
		t.Fatalf("decode published tick: %v", err)
	}
	if tick.LTP.String() != "101" {
		t.Errorf("LTP after delta = %s, want 101", tick.LTP)
	}
	if tick.Volume != 42 {
		t.Errorf("volume after delta = %d, want retained 42", tick.Volume)
	}

	// A snapshot replaces the record: absent fields reset.
	ltp3 := "102"
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "RELIANCE", LTP: &ltp3})
	pub.await(t)

	cached, ok := a.Cached(key)
	if !ok {
		t.Fatal("expected cached record")
	}
	if cached.LTP.String() != "102" {
		t.Errorf("cached LTP = %s, want 102", cached.LTP)
	}
	if cached.Volume != 0 {
		t.Errorf("cached volume after snapshot = %d, want 0", cached.Volume)
	}
}

func TestAdapter_ModeScopedFanout(t *testing.T) {
	srv := newBrokerServer(t)
	pub := newCapturePub()
	a := newTestAdapter(t, &fakeDialect{}, pub, srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	ltpKey := subKey("RELIANCE", "NSE", model.ModeLTP)
	quoteKey := subKey("RELIANCE", "NSE", model.ModeQuote)
	if err := a.Subscribe(ltpKey, quoteKey); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sess.expect(t)

	// Scoped to QUOTE: only the quote subscription sees it.
	ltp := "100"
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "RELIANCE", Modes: []int{2}, LTP: &ltp})
	rec := pub.await(t)
	if rec.topic != "fake.NSE.RELIANCE.QUOTE" {
		t.Fatalf("topic = %q, want the QUOTE topic only", rec.topic)
	}

	// Unscoped: both subscriptions see it.
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "RELIANCE", LTP: &ltp})
	topics := map[string]bool{}
	topics[pub.await(t).topic] = true
	topics[pub.await(t).topic] = true
	if !topics["fake.NSE.RELIANCE.LTP"] || !topics["fake.NSE.RELIANCE.QUOTE"] {
		t.Errorf("unscoped update reached %v, want both topics", topics)
	}
}

func TestAdapter_UnsubscribeStopsFanout(t *testing.T) {
	srv := newBrokerServer(t)
	pub := newCapturePub()
	a := newTestAdapter(t, &fakeDialect{}, pub, srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	kA := subKey("AAA", "NSE", model.ModeLTP)
	kB := subKey("BBB", "NSE", model.ModeLTP)
	if err := a.Subscribe(kA, kB); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sess.expect(t)

	if err := a.Unsubscribe(kA); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	f := sess.expect(t)
	if f.Op != "unsub" || len(f.Keys) != 1 || f.Keys[0] != "NSE:AAA:LTP" {
		t.Fatalf("unsubscribe frame = %+v", f)
	}
	if held := a.Held(); len(held) != 1 || held[0] != kB {
		t.Fatalf("held = %v, want [BBB]", held)
	}

	// The dropped key is gone: a second unsubscribe is rejected and stays
	// off the wire.
	if err := a.Unsubscribe(kA); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("repeat Unsubscribe = %v, want ErrNotSubscribed", err)
	}
	sess.expectNone(t)

	// Updates for the dropped instrument no longer fan out.
	ltp := "10"
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "AAA", LTP: &ltp})
	sess.send(t, wireFrame{Op: "snap", Exchange: "NSE", Token: "BBB", LTP: &ltp})
	if rec := pub.await(t); rec.topic != "fake.NSE.BBB.LTP" {
		t.Errorf("topic = %q, want only BBB to publish", rec.topic)
	}
	for _, rec := range pub.snapshot() {
		if rec.topic == "fake.NSE.AAA.LTP" {
			t.Errorf("dropped key still published on %q", rec.topic)
		}
	}
}

func TestAdapter_UnsubscribeUnknownKey(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	// A key that was never subscribed through this connection is rejected.
	if err := a.Unsubscribe(subKey("GHOST", "NSE", model.ModeLTP)); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Unsubscribe unknown = %v, want ErrNotSubscribed", err)
	}
	sess.expectNone(t)

	// A batch with one unknown key is rejected whole: the held key stays
	// held and nothing goes out on the wire.
	key := subKey("RELIANCE", "NSE", model.ModeLTP)
	if err := a.Subscribe(key); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sess.expect(t)

	err := a.Unsubscribe(key, subKey("GHOST", "NSE", model.ModeLTP))
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("mixed batch = %v, want ErrNotSubscribed", err)
	}
	sess.expectNone(t)
	if held := a.Held(); len(held) != 1 || held[0] != key {
		t.Fatalf("held after rejected batch = %v, want [RELIANCE]", held)
	}
}

func TestAdapter_ParseErrorsCounted(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)

	if err := sess.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("server send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Stats().ParseErrors != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("parse errors = %d, want 1", a.Stats().ParseErrors)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdapter_DisconnectIsFinal(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.await(t)

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if a.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", a.State())
	}
	if err := a.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v, want nil", err)
	}
	if err := a.Connect(context.Background()); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("Connect after Disconnect = %v, want adapter closed", err)
	}

	// No reconnection after an intentional shutdown.
	select {
	case <-srv.sessions:
		t.Error("adapter reconnected after Disconnect")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAdapter_DisconnectStopsWorker(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.await(t)

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// The supervisor is gone by the time Disconnect returns.
	select {
	case <-a.(*conn).workerDone:
	default:
		t.Fatal("supervisor still running after Disconnect")
	}

	// An adapter that never connected has no supervisor to wait for.
	b := newTestAdapter(t, &fakeDialect{}, newCapturePub(), "ws://unused")
	if err := b.Disconnect(); err != nil {
		t.Errorf("Disconnect without Connect = %v, want nil", err)
	}
}

func TestAdapter_DisconnectDuringReconnect(t *testing.T) {
	srv := newBrokerServer(t)
	a := newTestAdapter(t, &fakeDialect{}, newCapturePub(), srv.url())

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.await(t)
	sess.drop()

	// Whatever phase the reconnect is in, Disconnect returns with the
	// supervisor stopped.
	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case <-a.(*conn).workerDone:
	default:
		t.Fatal("supervisor still running after Disconnect")
	}
}
