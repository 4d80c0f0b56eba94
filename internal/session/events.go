package session

import (
	"sync"
	"time"

	"github.com/asheshgoplani/term-engine/internal/agent"
	"github.com/asheshgoplani/term-engine/internal/proctree"
)

// Topic identifies an event stream exposed by the Manager.
type Topic string

const (
	TopicData         Topic = "data"
	TopicExit         Topic = "exit"
	TopicStateChanged Topic = "agent:state-changed"
	TopicStatus       Topic = "terminal:status"
)

// DataEvent carries one stabilized output frame.
type DataEvent struct {
	SessionID string
	Data      string
}

// ExitEvent reports a session's process exit.
type ExitEvent struct {
	SessionID string
	ExitCode  int
}

// StateChangedEvent reports an applied agent state transition.
type StateChangedEvent struct {
	SessionID  string
	From       agent.State
	To         agent.State
	Source     string
	Confidence float64
	At         time.Time
}

// StatusEvent reports a process-tree detection result.
type StatusEvent struct {
	SessionID string
	Result    proctree.Result
}

// Bus is an explicit publish/subscribe registry. Subscriptions return
// idempotent unsubscribe handles; handlers run synchronously on the
// publisher's goroutine and must not block.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic]map[int]func(any)
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[int]func(any))}
}

// Subscribe registers fn for topic and returns an unsubscribe handle that is
// safe to call more than once.
func (b *Bus) Subscribe(topic Topic, fn func(payload any)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(any))
	}
	b.subs[topic][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	handlers := make([]func(any), 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
