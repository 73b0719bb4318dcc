package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// RelayProvider adapts an approved relay session to the Provider contract,
// so WalletConnect connections get the same handle shape as in-page
// providers. The session layer owns the handle exclusively.
type RelayProvider struct {
	relay Relay
	topic string

	mu      sync.Mutex
	cancels []func()
}

func NewRelayProvider(relay Relay, topic string) (*RelayProvider, error) {
	if relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("session topic is required")
	}
	return &RelayProvider{relay: relay, topic: topic}, nil
}

// Topic returns the relay session topic this provider speaks over.
func (p *RelayProvider) Topic() string {
	return p.topic
}

// Connect resumes the approved session. It fails when the relay no longer
// holds a live session for the topic.
func (p *RelayProvider) Connect(ctx context.Context) (Account, error) {
	approval, err := p.relay.Resume(ctx, p.topic)
	if err != nil {
		return Account{}, err
	}
	if len(approval.Accounts) == 0 {
		return Account{}, fmt.Errorf("relay session %s has no accounts", p.topic)
	}
	return Account{
		Address:  approval.Accounts[0],
		Accounts: approval.Accounts,
		ChainID:  approval.ChainID,
	}, nil
}

// Disconnect tears down the relay session.
func (p *RelayProvider) Disconnect(ctx context.Context) error {
	p.unsubscribeAll()
	return p.relay.Disconnect(ctx, p.topic)
}

// Request forwards an RPC call to the wallet and decodes nothing: callers
// get the raw JSON result.
func (p *RelayProvider) Request(ctx context.Context, method string, params interface{}) (interface{}, error) {
	result, err := p.relay.Request(ctx, p.topic, method, params)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

// On subscribes to one event kind, filtering the relay's merged session
// event stream.
func (p *RelayProvider) On(kind EventKind) (<-chan Event, func()) {
	events, unsubscribe := p.relay.SessionEvents(p.topic)
	out := make(chan Event, 8)

	go func() {
		defer close(out)
		for ev := range events {
			if ev.Kind != kind {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	p.mu.Lock()
	p.cancels = append(p.cancels, unsubscribe)
	p.mu.Unlock()
	return out, unsubscribe
}

func (p *RelayProvider) unsubscribeAll() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
