package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/connector"
	"github.com/reown-com/appkit-go/metrics"
	"github.com/reown-com/appkit-go/pairing"
)

// Reconnect silently restores previous sessions at application start. It
// runs in the background and never blocks the caller; the returned channel
// closes when every namespace has been attempted. Failures are silent:
// the namespace stays disconnected and its persisted record is left for a
// future start to retry. No pairing URI is ever produced.
func (m *Manager) Reconnect(ctx context.Context, namespaces []caip.Namespace) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, namespace := range namespaces {
		wg.Add(1)
		go func(ns caip.Namespace) {
			defer wg.Done()
			m.reconnectNamespace(ctx, ns)
		}(namespace)
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (m *Manager) reconnectNamespace(ctx context.Context, namespace caip.Namespace) {
	log := m.log.WithNamespace(string(namespace))

	connectorID, err := m.store.LastConnector(namespace)
	if err != nil || connectorID == "" {
		return
	}

	desc, err := m.registry.Get(connectorID)
	if err != nil {
		// A stale record can outlive the connector set it was written
		// for. Treat it like any other silent failure and leave the
		// record in place.
		log.WithField("connector", connectorID).Debug("persisted connector no longer registered")
		metrics.ReconnectAttempts.WithLabelValues(string(namespace), "stale").Inc()
		return
	}

	machine := m.machine(namespace)
	if machine.Status() != StatusDisconnected {
		return
	}

	switch {
	case desc.Type.SilentlyReconnectable():
		m.reconnectDirect(ctx, machine, desc)
	case desc.Type == connector.TypeWalletConnect:
		m.reconnectRelay(ctx, machine, desc)
	default:
		log.WithField("connector", connectorID).Debug("connector type cannot reconnect silently")
	}
}

// reconnectDirect issues a non-interactive connect against the bound
// provider. There is no prompt: a provider that needs user interaction is
// expected to fail the silent request.
func (m *Manager) reconnectDirect(ctx context.Context, machine *Machine, desc connector.Descriptor) {
	namespace := machine.Namespace()
	provider, ok := m.provider(desc.ID)
	if !ok {
		metrics.ReconnectAttempts.WithLabelValues(string(namespace), "unbound").Inc()
		return
	}

	attemptCtx, cancel := context.WithCancel(context.Background())
	sess := pairing.NewSession(namespace, desc.ID)

	a, err := machine.beginSilent(desc.ID, sess, cancel)
	if err != nil {
		// A user connect raced the reconnect; it wins.
		cancel()
		return
	}
	if err := sess.AwaitApproval("", "", m.reconnectTimeout); err != nil {
		machine.fail(a, err)
		cancel()
		return
	}

	go func() {
		connectCtx, connectCancel := context.WithTimeout(attemptCtx, m.reconnectTimeout)
		defer connectCancel()

		account, cerr := provider.Connect(connectCtx)
		if cerr != nil {
			sess.ConcludeErr(cerr)
			return
		}
		accounts := account.Accounts
		if len(accounts) == 0 && account.Address != "" {
			accounts = []string{account.Address}
		}
		sess.Approve(pairing.Result{Address: account.Address, Accounts: accounts, ChainID: account.ChainID})
	}()

	m.finishReconnect(ctx, machine, a, sess, desc, provider, "")
}

// reconnectRelay restores a WalletConnect session only when the relay
// still reports it live for the stored topic; otherwise the user must
// pair again manually.
func (m *Manager) reconnectRelay(ctx context.Context, machine *Machine, desc connector.Descriptor) {
	namespace := machine.Namespace()
	if m.relay == nil {
		return
	}

	topic, err := m.store.SessionTopic(namespace)
	if err != nil || topic == "" {
		metrics.ReconnectAttempts.WithLabelValues(string(namespace), "no_topic").Inc()
		return
	}

	checkCtx, checkCancel := context.WithTimeout(ctx, m.reconnectTimeout)
	defer checkCancel()
	if !m.relay.SessionAlive(checkCtx, topic) {
		m.log.WithNamespace(string(namespace)).Debug("relay session no longer live")
		metrics.ReconnectAttempts.WithLabelValues(string(namespace), "dead_session").Inc()
		return
	}

	provider, err := pairing.NewRelayProvider(m.relay, topic)
	if err != nil {
		return
	}

	sess := pairing.NewSession(namespace, desc.ID)

	a, err := machine.beginSilent(desc.ID, sess, nil)
	if err != nil {
		return
	}
	if err := sess.AwaitApproval("", topic, m.reconnectTimeout); err != nil {
		machine.fail(a, err)
		return
	}

	go func() {
		resumeCtx, resumeCancel := context.WithTimeout(context.Background(), m.reconnectTimeout)
		defer resumeCancel()

		account, rerr := provider.Connect(resumeCtx)
		if rerr != nil {
			sess.ConcludeErr(rerr)
			return
		}
		sess.Approve(pairing.Result{
			Address:  account.Address,
			Accounts: account.Accounts,
			ChainID:  account.ChainID,
			Topic:    topic,
		})
	}()

	m.finishReconnect(ctx, machine, a, sess, desc, provider, topic)
}

// finishReconnect awaits the silent attempt and promotes the machine on
// success. The persisted record is never rewritten here: it already names
// this connector, and failures must leave it for the next start.
func (m *Manager) finishReconnect(ctx context.Context, machine *Machine, a *attempt, sess *pairing.Session, desc connector.Descriptor, provider pairing.Provider, topic string) {
	namespace := machine.Namespace()

	waitCtx, waitCancel := context.WithTimeout(ctx, m.reconnectTimeout+time.Second)
	defer waitCancel()

	result, err := sess.Await(waitCtx)
	if err != nil {
		machine.fail(a, err)
		if !errors.Is(err, pairing.ErrCanceled) {
			m.log.WithError(err).WithNamespace(string(namespace)).Debug("silent reconnect failed")
		}
		metrics.ReconnectAttempts.WithLabelValues(string(namespace), "failure").Inc()
		return
	}

	conn := &ActiveConnection{
		ConnectorID: desc.ID,
		Namespace:   namespace,
		Address:     result.Address,
		Accounts:    result.Accounts,
		ChainID:     result.ChainID,
		topic:       topic,
		provider:    provider,
	}
	// Wire the watch before complete publishes conn, as in Connect.
	m.watch(machine, conn)
	if !machine.complete(a, conn) {
		m.teardown(ctx, conn)
		return
	}
	metrics.ReconnectAttempts.WithLabelValues(string(namespace), "success").Inc()
	metrics.ActiveConnections.WithLabelValues(string(namespace)).Set(1)
	m.log.WithNamespace(string(namespace)).WithField("connector", desc.ID).Info("session restored")
}
