package events

import (
	"sync"
	"time"
)

// Topic enumerates the notifications the admission core emits. Safety
// actions (trips, quarantines, resets) always publish; silent safety
// actions are treated as bugs.
type Topic string

const (
	TopicOrderFilled    Topic = "order.filled"
	TopicOrderRejected  Topic = "order.rejected"
	TopicBreakerTripped Topic = "breaker.tripped"
	TopicBreakerReset   Topic = "breaker.reset"
	TopicBotPaused      Topic = "bot.paused"
	TopicBotResumed     Topic = "bot.resumed"
	TopicBotQuarantined Topic = "bot.quarantined"
	TopicBotReplaced    Topic = "bot.replaced"
)

// Notification is one published event for one user.
type Notification struct {
	Topic     Topic       `json:"topic"`
	UserID    string      `json:"user_id"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// BotReplaced is the lifecycle payload emitted when a quarantined bot is
// deleted and respawned. The replacement keeps the configuration; the
// identity, not the counter, is what resets.
type BotReplaced struct {
	OldBotID string `json:"old_bot_id"`
	NewBotID string `json:"new_bot_id"`
	Reason   string `json:"reason"`
}

// Bus is a lightweight per-user pub/sub broker over channels. Publish is
// fire-and-forget: the core never blocks on subscriber delivery, and slow
// subscribers drop rather than stall an order submission.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Notification
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Notification)}
}

// Subscribe registers a listener for one user's stream and returns the
// channel plus an unsubscribe function.
func (b *Bus) Subscribe(userID string, buffer int) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, buffer)
	b.subs[userID] = append(b.subs[userID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[userID]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans a notification out to the user's subscribers without
// blocking. Messages to full subscriber buffers are dropped.
func (b *Bus) Publish(userID string, topic Topic, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := Notification{
		Topic:     topic,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, ch := range b.subs[userID] {
		select {
		case ch <- n:
		default:
		}
	}
}
