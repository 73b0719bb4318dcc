// Package session orchestrates wallet connections: one state machine per
// chain namespace, a manager that drives pairing attempts against them,
// and a silent reconnect routine for application startup.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/pairing"
	"github.com/reown-com/appkit-go/shared/logging"
)

// Status is the connection state of one namespace.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	eventConnect    = "connect"
	eventSuccess    = "success"
	eventFailure    = "failure"
	eventDisconnect = "disconnect"
)

var ErrNotConnected = errors.New("namespace_not_connected")

// StateChange is delivered to subscribers on every transition and on
// in-place account or chain updates.
type StateChange struct {
	Namespace   caip.Namespace
	Status      Status
	ConnectorID string
	Address     string
	ChainID     string
	// URI is set while a WalletConnect pairing awaits approval, for QR
	// or deep-link rendering.
	URI string
	Err error
}

// ActiveConnection is the live, non-persistable result of a successful
// connect. The provider handle inside it is owned exclusively by the
// namespace's machine; callers interact through Manager operations only.
type ActiveConnection struct {
	ConnectorID string
	Namespace   caip.Namespace
	Address     string
	Accounts    []string
	ChainID     string

	provider  pairing.Provider
	topic     string
	stopWatch func()
}

// Topic returns the relay session topic for WalletConnect connections,
// empty otherwise.
func (c *ActiveConnection) Topic() string {
	return c.topic
}

// attempt tracks one in-flight connect so that a replaced or canceled
// attempt can no longer move the machine.
type attempt struct {
	connectorID string
	session     *pairing.Session
	cancel      context.CancelFunc
}

// Machine serializes the connection lifecycle of a single namespace.
// Machines for different namespaces are fully independent.
type Machine struct {
	namespace caip.Namespace
	log       *logging.Logger

	mu      sync.Mutex
	fsm     *fsm.FSM
	conn    *ActiveConnection
	attempt *attempt
	subs    map[int]chan StateChange
	nextSub int
}

func NewMachine(namespace caip.Namespace, log *logging.Logger) *Machine {
	if log == nil {
		log = logging.Nop()
	}
	return &Machine{
		namespace: namespace,
		log:       log.WithNamespace(string(namespace)),
		subs:      make(map[int]chan StateChange),
		fsm: fsm.NewFSM(
			string(StatusDisconnected),
			fsm.Events{
				// connect from connecting is the last-writer-wins
				// re-entry; from connected it is a wallet switch.
				{Name: eventConnect, Src: []string{string(StatusDisconnected), string(StatusConnecting), string(StatusConnected)}, Dst: string(StatusConnecting)},
				{Name: eventSuccess, Src: []string{string(StatusConnecting)}, Dst: string(StatusConnected)},
				{Name: eventFailure, Src: []string{string(StatusConnecting)}, Dst: string(StatusDisconnected)},
				{Name: eventDisconnect, Src: []string{string(StatusConnecting), string(StatusConnected)}, Dst: string(StatusDisconnected)},
			},
			fsm.Callbacks{},
		),
	}
}

// Namespace returns the namespace this machine serves.
func (m *Machine) Namespace() caip.Namespace {
	return m.namespace
}

// Status returns the current connection state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status(m.fsm.Current())
}

// Connection returns a copy of the active connection. The provider handle
// is not part of the copy.
func (m *Machine) Connection() (ActiveConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ActiveConnection{}, false
	}
	return ActiveConnection{
		ConnectorID: m.conn.ConnectorID,
		Namespace:   m.conn.Namespace,
		Address:     m.conn.Address,
		Accounts:    append([]string(nil), m.conn.Accounts...),
		ChainID:     m.conn.ChainID,
		topic:       m.conn.topic,
	}, true
}

// PairingURI returns the URI of the in-flight pairing, empty unless a
// WalletConnect attempt is awaiting approval.
func (m *Machine) PairingURI() string {
	m.mu.Lock()
	a := m.attempt
	m.mu.Unlock()
	if a == nil || a.session == nil {
		return ""
	}
	return a.session.URI()
}

// Subscribe registers a state change listener. The returned function
// unsubscribes and closes the channel; safe to call more than once.
func (m *Machine) Subscribe() (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan StateChange, 8)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// notifyLocked fans a state change out to subscribers without blocking a
// transition on slow consumers. Callers hold m.mu.
func (m *Machine) notifyLocked(change StateChange) {
	change.Namespace = m.namespace
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// perform applies an fsm event while holding m.mu. A transition onto the
// current state is not an error: it is the last-writer-wins re-entry.
func (m *Machine) performLocked(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		switch err.(type) {
		case fsm.NoTransitionError:
			return nil
		default:
			return err
		}
	}
	return nil
}

// begin moves the machine to connecting for a fresh attempt. A previous
// in-flight attempt is canceled (last-writer-wins); an existing active
// connection is detached and returned to the caller for teardown, without
// touching persisted state.
func (m *Machine) begin(connectorID string, sess *pairing.Session, cancel context.CancelFunc) (*attempt, *ActiveConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.performLocked(eventConnect); err != nil {
		return nil, nil, err
	}

	if prev := m.attempt; prev != nil {
		prev.session.Cancel()
		if prev.cancel != nil {
			prev.cancel()
		}
	}

	replaced := m.conn
	m.conn = nil

	a := &attempt{connectorID: connectorID, session: sess, cancel: cancel}
	m.attempt = a
	m.notifyLocked(StateChange{Status: StatusConnecting, ConnectorID: connectorID})
	return a, replaced, nil
}

// beginSilent starts a reconnect attempt, but only from disconnected: a
// user-initiated connect that races the reconnect always wins.
func (m *Machine) beginSilent(connectorID string, sess *pairing.Session, cancel context.CancelFunc) (*attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if Status(m.fsm.Current()) != StatusDisconnected {
		return nil, errors.New("namespace is busy, skipping silent reconnect")
	}
	if err := m.performLocked(eventConnect); err != nil {
		return nil, err
	}

	a := &attempt{connectorID: connectorID, session: sess, cancel: cancel}
	m.attempt = a
	m.notifyLocked(StateChange{Status: StatusConnecting, ConnectorID: connectorID})
	return a, nil
}

// announceURI notifies subscribers that the attempt's pairing URI is
// available. Stale attempts are ignored.
func (m *Machine) announceURI(a *attempt, uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != a {
		return
	}
	m.notifyLocked(StateChange{Status: StatusConnecting, ConnectorID: a.connectorID, URI: uri})
}

// complete moves the machine to connected with the attempt's result. It
// reports false when the attempt was replaced or canceled in the meantime,
// in which case the caller must tear the connection down again.
func (m *Machine) complete(a *attempt, conn *ActiveConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt != a {
		return false
	}
	if err := m.performLocked(eventSuccess); err != nil {
		m.log.WithError(err).Error("connect success in unexpected state")
		return false
	}
	m.attempt = nil
	m.conn = conn
	m.notifyLocked(StateChange{
		Status:      StatusConnected,
		ConnectorID: conn.ConnectorID,
		Address:     conn.Address,
		ChainID:     conn.ChainID,
	})
	return true
}

// fail concludes the attempt and returns the machine to disconnected.
// Stale attempts are ignored so a replaced attempt cannot knock down its
// successor.
func (m *Machine) fail(a *attempt, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt != a {
		return false
	}
	if err := m.performLocked(eventFailure); err != nil {
		m.log.WithError(err).Error("connect failure in unexpected state")
		return false
	}
	m.attempt = nil
	m.notifyLocked(StateChange{Status: StatusDisconnected, ConnectorID: a.connectorID, Err: cause})
	return true
}

// disconnect moves the machine to disconnected and detaches the active
// connection, returning it for teardown. A pending attempt is canceled.
// Disconnecting an already disconnected machine is a no-op.
func (m *Machine) disconnect() *ActiveConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if Status(m.fsm.Current()) == StatusDisconnected {
		return nil
	}
	if err := m.performLocked(eventDisconnect); err != nil {
		m.log.WithError(err).Error("disconnect in unexpected state")
		return nil
	}

	if a := m.attempt; a != nil {
		a.session.Cancel()
		if a.cancel != nil {
			a.cancel()
		}
		m.attempt = nil
	}

	conn := m.conn
	m.conn = nil
	m.notifyLocked(StateChange{Status: StatusDisconnected})
	return conn
}

// updateAccount applies an account switch in place while connected.
// Subscribers are notified but no transition happens.
func (m *Machine) updateAccount(address string, accounts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNotConnected
	}
	m.conn.Address = address
	if len(accounts) > 0 {
		m.conn.Accounts = append([]string(nil), accounts...)
	}
	m.notifyLocked(StateChange{
		Status:      StatusConnected,
		ConnectorID: m.conn.ConnectorID,
		Address:     m.conn.Address,
		ChainID:     m.conn.ChainID,
	})
	return nil
}

// updateChain applies a chain switch in place while connected.
func (m *Machine) updateChain(chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNotConnected
	}
	m.conn.ChainID = chainID
	m.notifyLocked(StateChange{
		Status:      StatusConnected,
		ConnectorID: m.conn.ConnectorID,
		Address:     m.conn.Address,
		ChainID:     m.conn.ChainID,
	})
	return nil
}
