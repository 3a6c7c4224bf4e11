package stream

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no traffic)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrForcedDisconnect = errors.New("forced disconnect for testing")
)

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the WebSocket
	Binary     bool      // True for binary frames (some brokers tick in binary)
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Config configures a WebSocket client for one broker session.
type Config struct {
	URL              string        // WebSocket URL
	Header           http.Header   // Extra dial headers (broker auth), may be nil
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Heartbeat send interval
	StaleAfter       time.Duration // Max silence before the connection is declared stale
	HeartbeatPayload []byte        // Sent as a text frame each interval; nil = websocket ping control
	BufferSize       int           // Message channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		StaleAfter:       60 * time.Second,
		BufferSize:       1024,
	}
}
