// Package bus decouples channel adapters from the memory engine: adapters
// publish inbound messages, subscribers ingest them.
package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// InboundMessage is one message as received by a channel adapter, before
// it is assigned a storage id.
type InboundMessage struct {
	Channel    string
	ChannelID  string
	UserID     string
	Content    string
	ReceivedAt time.Time
}

// Handler consumes one inbound message. Handlers must tolerate concurrent
// invocation.
type Handler func(ctx context.Context, msg InboundMessage)

// MessageBus is a small synchronous fan-out. One panicking subscriber
// never takes down the others.
type MessageBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func New() *MessageBus {
	return &MessageBus{}
}

func (b *MessageBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[bus] handler panicked: %v", r)
				}
			}()
			h(ctx, msg)
		}()
	}
}
