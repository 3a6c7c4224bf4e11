package adapter

import (
	"errors"
	"net/http"
	"time"

	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/stream"
)

// Errors
var (
	ErrNotConnected     = errors.New("adapter not connected")
	ErrNotSubscribed    = errors.New("not subscribed")
	ErrAdapterClosed    = errors.New("adapter closed")
	ErrRetriesExhausted = errors.New("connect retries exhausted")
)

// State is the adapter connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota // Initial, and terminal after Disconnect
	StateConnecting                // Dial and session handshake in progress
	StateConnected                 // Session up, subscriptions flowing
	StateReconnecting              // Session lost, waiting to retry
	StateFailed                    // Terminal: connect attempts exhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind classifies a parsed inbound frame.
type EventKind int

const (
	EventIgnore   EventKind = iota // Heartbeats, acks of no interest
	EventAck                       // Broker accepted or rejected a request
	EventSnapshot                  // Full record: replaces the cached record
	EventDelta                     // Partial record: merges into the cached record
)

// Event is the dialect parser's output for one inbound frame.
type Event struct {
	Kind   EventKind
	OK     bool         // For EventAck: whether the broker accepted
	Reason string       // For rejected acks
	Modes  []model.Mode // Subscription modes this update feeds; nil = all
	Update *model.TickUpdate
}

// Dialect keeps one broker's wire format out of the adapter core. A dialect
// is stateless with respect to the connection; the adapter owns lifecycle and
// bookkeeping.
type Dialect interface {
	// Name is the broker identifier used in topics and the registry.
	Name() string

	// Endpoints returns the default WebSocket endpoints in failover order.
	Endpoints() []string

	// DialHeader returns extra headers for the WebSocket handshake, or nil.
	DialHeader() http.Header

	// HandshakeFrames returns frames sent right after the socket opens,
	// before any subscription. Empty means the session is up at dial.
	HandshakeFrames() ([][]byte, error)

	// AwaitHandshake inspects one inbound frame during the handshake
	// window. done=true once the session is established; an error means
	// the broker rejected the session.
	AwaitHandshake(data []byte) (done bool, err error)

	// Instrument returns the broker-side (exchange, token) identity for a
	// key. Inbound updates carry the same identity.
	Instrument(key model.SubscriptionKey) (exchange, token string, err error)

	// SubscribeFrames renders subscribe requests for a batch of keys.
	SubscribeFrames(keys []model.SubscriptionKey) ([][]byte, error)

	// UnsubscribeFrames renders unsubscribe requests for the drop batch.
	// keep lists the keys the connection still holds afterwards, so a
	// dialect whose feed serves several modes can leave a shared broker
	// subscription alive.
	UnsubscribeFrames(drop, keep []model.SubscriptionKey) ([][]byte, error)

	// Heartbeat returns the application-level heartbeat payload, or nil
	// when websocket ping control frames suffice.
	Heartbeat() []byte

	// Parse decodes one inbound frame into an Event.
	Parse(msg stream.TimestampedMessage) (Event, error)
}

// TickPublisher receives every merged record. Satisfied by publish.Publisher.
type TickPublisher interface {
	Publish(topic string, payload []byte) error
}

// Config configures one adapter connection.
type Config struct {
	ConnID             int           // Position in the pool, for logs and stats
	UserID             string        // Broker account this connection belongs to
	Endpoints          []string      // Override of the dialect's endpoints; tried round-robin
	MaxConnectAttempts int           // Attempts before StateFailed
	BackoffMin         time.Duration // First retry delay
	BackoffMax         time.Duration // Retry delay ceiling
	HandshakeTimeout   time.Duration // Dial and session handshake deadline
	WriteTimeout       time.Duration // Write deadline for sends
	PingInterval       time.Duration // Heartbeat send interval
	StaleAfter         time.Duration // Silence window before the session is declared stale
	MessageBuffer      int           // Inbound frame channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 10,
		BackoffMin:         1 * time.Second,
		BackoffMax:         30 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingInterval:       20 * time.Second,
		StaleAfter:         60 * time.Second,
		MessageBuffer:      1024,
	}
}

// Stats is a point-in-time snapshot of one adapter connection.
type Stats struct {
	ConnID      int    `json:"conn_id"`
	State       string `json:"state"`
	Held        int    `json:"held"`
	Published   int64  `json:"published"`
	ParseErrors int64  `json:"parse_errors"`
	Reconnects  int64  `json:"reconnects"`
}
