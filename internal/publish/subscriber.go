package publish

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// subscriber is one downstream websocket consumer. Each subscriber owns a
// drop-oldest queue and a write pump, so one stalled consumer cannot hold
// back the others.
type subscriber struct {
	id    string
	conn  *websocket.Conn
	queue *queue

	mu       sync.Mutex
	prefixes []string // topic prefixes this subscriber wants; empty = all
}

// controlMessage is what a subscriber may send upstream.
type controlMessage struct {
	Op       string   `json:"op"`                 // "filter"
	Prefixes []string `json:"prefixes,omitempty"` // replaces the filter set
}

// wants reports whether a topic passes this subscriber's filter.
func (s *subscriber) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (s *subscriber) setPrefixes(prefixes []string) {
	s.mu.Lock()
	s.prefixes = append([]string(nil), prefixes...)
	s.mu.Unlock()
}

// writePump drains the queue onto the socket until the queue closes or a
// write fails. onExit runs exactly once on the way out.
func (s *subscriber) writePump(writeTimeout time.Duration, logger *slog.Logger, onExit func()) {
	defer onExit()

	for {
		frame, ok := s.queue.pop()
		if !ok {
			return
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			logger.Debug("subscriber write failed", "subscriber_id", s.id, "error", err)
			return
		}
	}
}

// readLoop consumes control messages until the peer goes away. Unknown or
// malformed messages are ignored; the socket closing ends the loop.
func (s *subscriber) readLoop(logger *slog.Logger) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("ignoring malformed control message", "subscriber_id", s.id, "error", err)
			continue
		}
		if msg.Op == "filter" {
			s.setPrefixes(msg.Prefixes)
			logger.Debug("subscriber filter updated", "subscriber_id", s.id, "prefixes", msg.Prefixes)
		}
	}
}
