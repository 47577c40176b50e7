// Package notify delivers the human-readable outcome messages of cache
// operations.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/thumbcache/cache"
)

// LogSink writes messages to a logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Notify(status cache.Status, msg string) {
	ev := s.Log.Info()
	if status == cache.StatusFailed {
		ev = s.Log.Error()
	}
	ev.Str("status", string(status)).Msg(msg)
}

// Message is one collected notification.
type Message struct {
	Status cache.Status `json:"status"`
	Text   string       `json:"text"`
}

// Collector buffers messages so a request handler can return them.
type Collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *Collector) Notify(status cache.Status, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, Message{Status: status, Text: msg})
}

// Messages returns a copy of what was collected so far.
func (c *Collector) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Tee forwards every message to all sinks.
type Tee []cache.Sink

func (t Tee) Notify(status cache.Status, msg string) {
	for _, s := range t {
		s.Notify(status, msg)
	}
}
