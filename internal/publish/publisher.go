// Package publish is the process's shared fan-out surface. One Publisher
// owns one TCP port and serves any number of websocket subscribers; every
// pool's ticks leave through it. Publishing is a single critical section
// per record, so frames from concurrent publishers never interleave, and
// slow subscribers shed load in their own queues instead of slowing the
// publish path.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrNotBound is returned by Publish before a successful Bind.
var ErrNotBound = errors.New("publisher not bound")

// Config configures the publisher.
type Config struct {
	BindHost      string        // Interface to bind
	BindPort      int           // First port to try
	PortScanLimit int           // How many ports to scan past BindPort on conflict
	QueueSize     int           // Per-subscriber queue capacity
	WriteTimeout  time.Duration // Per-frame write deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BindHost:      "127.0.0.1",
		BindPort:      5555,
		PortScanLimit: 32,
		QueueSize:     4096,
		WriteTimeout:  5 * time.Second,
	}
}

// Publisher fans published records out to websocket subscribers. Construct
// with New and inject wherever ticks are produced; there is no package
// global.
type Publisher struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	listener  net.Listener
	server    *http.Server
	port      int
	subs      map[string]*subscriber
	published int64
	dropped   int64 // frames dropped by subscribers already gone
}

// New creates an unbound publisher.
func New(cfg Config, logger *slog.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.BindHost == "" {
		cfg.BindHost = def.BindHost
	}
	if cfg.BindPort <= 0 {
		cfg.BindPort = def.BindPort
	}
	if cfg.PortScanLimit <= 0 {
		cfg.PortScanLimit = def.PortScanLimit
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "publisher"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]*subscriber),
	}
}

// Bind claims a port and starts serving subscribers. Idempotent: a bound
// publisher returns its existing port without touching the socket. When
// the preferred port (or the configured default, if preferred is zero) is
// taken, the next ports are tried one at a time up to the scan limit. The
// chosen port becomes the effective setting, readable via Port.
func (p *Publisher) Bind(preferred int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil {
		return p.port, nil
	}

	start := preferred
	if start <= 0 {
		start = p.cfg.BindPort
	}

	var listener net.Listener
	var port int
	var lastErr error
	for i := 0; i <= p.cfg.PortScanLimit; i++ {
		port = start + i
		addr := net.JoinHostPort(p.cfg.BindHost, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err == nil {
			listener = l
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return 0, fmt.Errorf("bind %s: %w", addr, err)
		}
		lastErr = err
		p.logger.Debug("port in use, scanning forward", "port", port)
	}
	if listener == nil {
		return 0, fmt.Errorf("no free port in [%d, %d]: %w", start, start+p.cfg.PortScanLimit, lastErr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleSubscriber)
	server := &http.Server{Handler: mux}

	p.listener = listener
	p.server = server
	p.port = port

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("publisher server stopped", "error", err)
		}
	}()

	p.logger.Info("publisher bound", "addr", listener.Addr().String())
	return port, nil
}

// Port returns the bound port, or zero while unbound.
func (p *Publisher) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Publish enqueues one record for every subscriber whose filter matches
// the topic. The enqueue loop is one critical section, so records from
// concurrent publishers arrive whole and in a single order per subscriber.
func (p *Publisher) Publish(topic string, record []byte) error {
	frame, err := EncodeFrame(topic, record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return ErrNotBound
	}
	for _, sub := range p.subs {
		if sub.wants(topic) {
			sub.queue.push(frame)
		}
	}
	p.published++
	return nil
}

// handleSubscriber owns one subscriber connection: register, pump, and the
// control-message read loop.
func (p *Publisher) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Debug("subscriber upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		id:    uuid.NewString(),
		conn:  conn,
		queue: newQueue(p.cfg.QueueSize),
	}

	p.mu.Lock()
	if p.listener == nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.subs[sub.id] = sub
	total := len(p.subs)
	p.mu.Unlock()

	p.logger.Info("subscriber connected", "subscriber_id", sub.id, "subscribers", total)

	go sub.writePump(p.cfg.WriteTimeout, p.logger, func() { p.removeSubscriber(sub) })
	sub.readLoop(p.logger)
	sub.queue.close()
}

// removeSubscriber retires one subscriber. Safe to call more than once.
func (p *Publisher) removeSubscriber(sub *subscriber) {
	sub.queue.close()
	sub.conn.Close()

	p.mu.Lock()
	if _, ok := p.subs[sub.id]; ok {
		delete(p.subs, sub.id)
		p.dropped += sub.queue.stats().Dropped
		p.logger.Info("subscriber disconnected", "subscriber_id", sub.id, "subscribers", len(p.subs))
	}
	p.mu.Unlock()
}

// Cleanup releases the port and drops every subscriber. The publisher may
// Bind again afterwards and is free to land on a different port.
func (p *Publisher) Cleanup() error {
	p.mu.Lock()
	if p.listener == nil {
		p.mu.Unlock()
		return nil
	}
	server := p.server
	subs := make([]*subscriber, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
		p.dropped += sub.queue.stats().Dropped
	}
	p.subs = make(map[string]*subscriber)
	p.listener = nil
	p.server = nil
	p.port = 0
	p.mu.Unlock()

	for _, sub := range subs {
		sub.queue.close()
		sub.conn.Close()
	}
	err := server.Close()
	p.logger.Info("publisher cleaned up")
	return err
}

// Stats is a point-in-time snapshot of the publisher.
type Stats struct {
	Bound       bool  `json:"bound"`
	Port        int   `json:"port"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Bound:       p.listener != nil,
		Port:        p.port,
		Subscribers: len(p.subs),
		Published:   p.published,
		Dropped:     p.dropped,
	}
	for _, sub := range p.subs {
		s.Dropped += sub.queue.stats().Dropped
	}
	return s
}
