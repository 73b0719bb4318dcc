package pairing

import (
	"context"
	"sync"
)

// EventKind identifies a provider event stream.
type EventKind string

const (
	EventAccountsChanged EventKind = "accountsChanged"
	EventChainChanged    EventKind = "chainChanged"
	EventDisconnect      EventKind = "disconnect"
)

// Event carries a provider notification. Accounts is set for
// accountsChanged, ChainID for chainChanged, Reason for disconnect.
type Event struct {
	Kind     EventKind
	Accounts []string
	ChainID  string
	Reason   string
}

// Account is the result of a successful provider connection.
type Account struct {
	Address  string
	Accounts []string
	ChainID  string
}

// Provider is the narrow capability interface every connector adapts its
// wallet SDK to at the boundary. It keeps per-wallet quirks out of the
// session layer: connectors translate their SDK's shape into this one.
type Provider interface {
	Connect(ctx context.Context) (Account, error)
	Disconnect(ctx context.Context) error
	Request(ctx context.Context, method string, params interface{}) (interface{}, error)
	// On subscribes to one event kind. The returned function unsubscribes
	// and closes the channel; it is safe to call more than once.
	On(kind EventKind) (<-chan Event, func())
}

// EventEmitter is a typed publish/subscribe channel per event kind with
// explicit unsubscribe handles. Provider implementations embed it to
// satisfy the On side of the Provider contract.
type EventEmitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventKind]map[int]chan Event
	closed bool
}

func NewEventEmitter() *EventEmitter {
	return &EventEmitter{subs: make(map[EventKind]map[int]chan Event)}
}

// On registers a subscriber for kind.
func (e *EventEmitter) On(kind EventKind) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, 8)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	if e.subs[kind] == nil {
		e.subs[kind] = make(map[int]chan Event)
	}
	id := e.nextID
	e.nextID++
	e.subs[kind][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if sub, ok := e.subs[kind][id]; ok {
				delete(e.subs[kind], id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// Emit delivers ev to every subscriber of its kind. Slow subscribers drop
// the event rather than block the emitting transport.
func (e *EventEmitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close terminates every subscription.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for kind, subs := range e.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(e.subs, kind)
	}
}
