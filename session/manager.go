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
	sharederrors "github.com/reown-com/appkit-go/shared/errors"
	"github.com/reown-com/appkit-go/shared/logging"
	"github.com/reown-com/appkit-go/storage"
)

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultReconnectTimeout = 10 * time.Second
)

// Options are the constructor-injected dependencies of a Manager. There
// are no process-wide singletons: the host application builds one Manager
// and holds it.
type Options struct {
	Registry *connector.Registry
	Store    *storage.ConnectionStore
	// Relay is required only when WalletConnect connectors are registered.
	Relay  pairing.Relay
	Logger *logging.Logger
	// PairingExpiry bounds how long a WalletConnect pairing may await
	// approval. Zero means pairing.DefaultExpiry.
	PairingExpiry time.Duration
	// ConnectTimeout bounds direct provider connects.
	ConnectTimeout time.Duration
	// ReconnectTimeout bounds each silent reconnect attempt.
	ReconnectTimeout time.Duration
}

// Manager is the top-level session manager: it owns one Machine per
// namespace, resolves connectors, drives pairing attempts and keeps the
// persistent connection store in sync with successful connects.
type Manager struct {
	registry         *connector.Registry
	store            *storage.ConnectionStore
	relay            pairing.Relay
	log              *logging.Logger
	pairingExpiry    time.Duration
	connectTimeout   time.Duration
	reconnectTimeout time.Duration

	mu        sync.Mutex
	machines  map[caip.Namespace]*Machine
	providers map[string]pairing.Provider
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, sharederrors.Configuration("connector registry is required")
	}
	if opts.Store == nil {
		return nil, sharederrors.Configuration("connection store is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	reconnectTimeout := opts.ReconnectTimeout
	if reconnectTimeout <= 0 {
		reconnectTimeout = defaultReconnectTimeout
	}
	return &Manager{
		registry:         opts.Registry,
		store:            opts.Store,
		relay:            opts.Relay,
		log:              log.WithField("component", "session"),
		pairingExpiry:    opts.PairingExpiry,
		connectTimeout:   connectTimeout,
		reconnectTimeout: reconnectTimeout,
		machines:         make(map[caip.Namespace]*Machine),
		providers:        make(map[string]pairing.Provider),
	}, nil
}

// BindProvider attaches the live provider implementation for a registered
// injected, announced or auth connector. WalletConnect connectors get
// their provider from the relay and need no binding.
func (m *Manager) BindProvider(connectorID string, provider pairing.Provider) error {
	if provider == nil {
		return sharederrors.Configuration("provider must not be nil")
	}
	if _, err := m.registry.Get(connectorID); err != nil {
		return err
	}
	m.mu.Lock()
	m.providers[connectorID] = provider
	m.mu.Unlock()
	return nil
}

// machine returns the namespace's machine, creating it on first use.
func (m *Manager) machine(namespace caip.Namespace) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.machines[namespace]; ok {
		return existing
	}
	machine := NewMachine(namespace, m.log)
	m.machines[namespace] = machine
	return machine
}

func (m *Manager) provider(connectorID string) (pairing.Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[connectorID]
	return p, ok
}

// Status returns the connection state for a namespace.
func (m *Manager) Status(namespace caip.Namespace) Status {
	return m.machine(namespace).Status()
}

// Connection returns a copy of the namespace's active connection.
func (m *Manager) Connection(namespace caip.Namespace) (ActiveConnection, bool) {
	return m.machine(namespace).Connection()
}

// PairingURI returns the in-flight pairing URI for a namespace, empty
// unless a WalletConnect attempt is awaiting approval.
func (m *Manager) PairingURI(namespace caip.Namespace) string {
	return m.machine(namespace).PairingURI()
}

// Subscribe registers a state change listener for a namespace.
func (m *Manager) Subscribe(namespace caip.Namespace) (<-chan StateChange, func()) {
	return m.machine(namespace).Subscribe()
}

// Connect establishes a connection for the namespace through the named
// connector. It blocks until the wallet approves, rejects, the pairing
// expires or ctx is done. A connect on a namespace that is already
// connecting replaces the in-flight attempt; on a connected namespace it
// performs a wallet switch, tearing the old connection down first.
func (m *Manager) Connect(ctx context.Context, namespace caip.Namespace, connectorID string) (ActiveConnection, error) {
	desc, err := m.registry.Get(connectorID)
	if err != nil {
		return ActiveConnection{}, err
	}
	if desc.Namespace != namespace && desc.Type != connector.TypeMultiChain {
		return ActiveConnection{}, sharederrors.InvalidInput("namespace",
			"connector "+connectorID+" does not serve namespace "+string(namespace))
	}

	machine := m.machine(namespace)
	started := time.Now()

	attemptCtx, cancel := context.WithCancel(context.Background())
	sess := pairing.NewSession(namespace, desc.ID)

	a, replaced, err := machine.begin(desc.ID, sess, cancel)
	if err != nil {
		cancel()
		return ActiveConnection{}, sharederrors.Internal("connect transition failed").WithCause(err)
	}
	if replaced != nil {
		// Wallet switch: tear the old connection down but leave the
		// store alone so a failed switch does not erase the last
		// working connector.
		m.teardown(ctx, replaced)
	}

	switch desc.Type {
	case connector.TypeWalletConnect:
		err = m.startPairing(ctx, attemptCtx, machine, a, sess, namespace)
	default:
		err = m.startDirect(attemptCtx, a, sess, desc)
	}
	if err != nil {
		sess.ConcludeErr(err)
	}

	result, err := sess.Await(ctx)
	if err != nil {
		machine.fail(a, err)
		cancel()
		metrics.ConnectAttempts.WithLabelValues(string(namespace), string(desc.Type), "failure").Inc()
		metrics.PairingOutcomes.WithLabelValues(string(namespace), string(sess.Status())).Inc()
		return ActiveConnection{}, m.classify(err, desc.ID)
	}

	conn := &ActiveConnection{
		ConnectorID: desc.ID,
		Namespace:   namespace,
		Address:     result.Address,
		Accounts:    result.Accounts,
		ChainID:     result.ChainID,
		topic:       result.Topic,
	}
	if result.Topic != "" {
		relayProvider, perr := pairing.NewRelayProvider(m.relay, result.Topic)
		if perr != nil {
			machine.fail(a, perr)
			cancel()
			return ActiveConnection{}, sharederrors.Internal("relay provider setup failed").WithCause(perr)
		}
		conn.provider = relayProvider
	} else if p, ok := m.provider(desc.ID); ok {
		conn.provider = p
	}

	// The watch must be wired before complete publishes conn: a
	// disconnect landing right after publication has to find stopWatch.
	m.watch(machine, conn)
	if !machine.complete(a, conn) {
		// The attempt was replaced while the wallet was approving.
		m.teardown(ctx, conn)
		cancel()
		return ActiveConnection{}, sharederrors.Rejected("connect attempt was superseded")
	}

	m.persistConnected(namespace, desc, result)

	metrics.ConnectAttempts.WithLabelValues(string(namespace), string(desc.Type), "success").Inc()
	metrics.ConnectDuration.WithLabelValues(string(namespace), string(desc.Type)).Observe(time.Since(started).Seconds())
	metrics.ActiveConnections.WithLabelValues(string(namespace)).Set(1)

	view, _ := machine.Connection()
	return view, nil
}

// SwitchConnector connects the namespace through a different connector.
// The current connection is torn down to make the attempt; on failure the
// namespace ends disconnected and the store keeps the previous record.
func (m *Manager) SwitchConnector(ctx context.Context, namespace caip.Namespace, connectorID string) (ActiveConnection, error) {
	return m.Connect(ctx, namespace, connectorID)
}

// SwitchAccount applies an account change in place while connected.
func (m *Manager) SwitchAccount(namespace caip.Namespace, address string) error {
	return m.machine(namespace).updateAccount(caip.NormalizeAddress(namespace, address), nil)
}

// Disconnect tears down the namespace's connection or in-flight attempt
// and clears its persisted record. Disconnecting a disconnected namespace
// is a no-op.
func (m *Manager) Disconnect(ctx context.Context, namespace caip.Namespace) error {
	machine := m.machine(namespace)
	conn := machine.disconnect()
	if conn != nil {
		m.teardown(ctx, conn)
	}

	if err := m.store.Clear(namespace); err != nil {
		m.log.WithError(err).WithNamespace(string(namespace)).Warn("failed to clear persisted connector")
		metrics.StorageErrors.WithLabelValues("clear").Inc()
	}
	metrics.Disconnects.WithLabelValues(string(namespace), "local").Inc()
	metrics.ActiveConnections.WithLabelValues(string(namespace)).Set(0)
	return nil
}

// startPairing drives a WalletConnect attempt: propose to the relay,
// publish the URI and forward the wallet's answer into the session.
// attemptCtx is canceled when the attempt concludes locally; the proposal
// is then withdrawn from the relay instead of waiting forever.
func (m *Manager) startPairing(ctx, attemptCtx context.Context, machine *Machine, a *attempt, sess *pairing.Session, namespace caip.Namespace) error {
	if m.relay == nil {
		return sharederrors.Configuration("a relay is required for WalletConnect connectors")
	}

	proposal, err := m.relay.Propose(ctx, namespace)
	if err != nil {
		return err
	}
	if err := sess.AwaitApproval(proposal.URI, proposal.Topic, m.pairingExpiry); err != nil {
		m.relay.Abandon(proposal.Topic)
		return err
	}
	machine.announceURI(a, proposal.URI)
	metrics.PairingsStarted.WithLabelValues(string(namespace)).Inc()

	go func() {
		select {
		case <-attemptCtx.Done():
			// Expired, canceled or replaced before the wallet answered.
			// Withdraw the proposal so the relay drops the handshake.
			m.relay.Abandon(proposal.Topic)
			return
		case approval, ok := <-proposal.Approval:
			if !ok {
				sess.ConcludeErr(errors.New("relay closed before the wallet answered"))
				return
			}
			if approval.Err != nil {
				sess.ConcludeErr(approval.Err)
				return
			}
			if len(approval.Accounts) == 0 {
				sess.ConcludeErr(errors.New("wallet approved with no accounts"))
				return
			}
			sess.Approve(pairing.Result{
				Address:  approval.Accounts[0],
				Accounts: approval.Accounts,
				ChainID:  approval.ChainID,
				Topic:    proposal.Topic,
			})
		}
	}()
	return nil
}

// startDirect drives an injected, announced or auth attempt against the
// bound in-page provider. No URI is ever produced.
func (m *Manager) startDirect(attemptCtx context.Context, a *attempt, sess *pairing.Session, desc connector.Descriptor) error {
	provider, ok := m.provider(desc.ID)
	if !ok {
		return sharederrors.Configuration("no provider bound for connector " + desc.ID)
	}
	// The session's expiry timer is the backstop for a provider that
	// never answers.
	if err := sess.AwaitApproval("", "", m.connectTimeout); err != nil {
		return err
	}

	go func() {
		connectCtx, cancel := context.WithTimeout(attemptCtx, m.connectTimeout)
		defer cancel()

		account, err := provider.Connect(connectCtx)
		if err != nil {
			sess.ConcludeErr(err)
			return
		}
		accounts := account.Accounts
		if len(accounts) == 0 && account.Address != "" {
			accounts = []string{account.Address}
		}
		sess.Approve(pairing.Result{
			Address:  account.Address,
			Accounts: accounts,
			ChainID:  account.ChainID,
		})
	}()
	return nil
}

// persistConnected records a successful connect. Storage failures degrade
// to in-memory operation and are never surfaced to the caller.
func (m *Manager) persistConnected(namespace caip.Namespace, desc connector.Descriptor, result pairing.Result) {
	if err := m.store.RecordConnected(namespace, desc.ID); err != nil {
		m.log.WithError(err).WithNamespace(string(namespace)).Warn("failed to persist connector choice")
		metrics.StorageErrors.WithLabelValues("record_connected").Inc()
	}
	if result.Topic != "" {
		if err := m.store.RecordSessionTopic(namespace, result.Topic); err != nil {
			m.log.WithError(err).WithNamespace(string(namespace)).Warn("failed to persist session topic")
			metrics.StorageErrors.WithLabelValues("record_topic").Inc()
		}
	}
	if err := m.store.SetActiveNamespace(namespace); err != nil {
		m.log.WithError(err).Warn("failed to persist active namespace")
		metrics.StorageErrors.WithLabelValues("active_namespace").Inc()
	}
	if err := m.store.AddRecentWallet(storage.RecentWallet{
		ID:       desc.ID,
		Name:     desc.Name,
		ImageURL: desc.ImageURL,
	}); err != nil {
		m.log.WithError(err).Warn("failed to update recent wallets")
		metrics.StorageErrors.WithLabelValues("recent_wallets").Inc()
	}
}

// watch follows the connection's provider events until it is torn down.
// Account and chain changes update the machine in place; a remote
// disconnect clears the namespace like an explicit one.
func (m *Manager) watch(machine *Machine, conn *ActiveConnection) {
	if conn.provider == nil {
		return
	}

	accounts, offAccounts := conn.provider.On(pairing.EventAccountsChanged)
	chains, offChains := conn.provider.On(pairing.EventChainChanged)
	disconnects, offDisconnects := conn.provider.On(pairing.EventDisconnect)

	stop := make(chan struct{})
	var once sync.Once
	conn.stopWatch = func() {
		once.Do(func() {
			close(stop)
			offAccounts()
			offChains()
			offDisconnects()
		})
	}

	go func() {
		// The stop channel ends the loop; an update racing connection
		// setup or teardown is dropped, not treated as fatal.
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-accounts:
				if !ok {
					return
				}
				address := ""
				if len(ev.Accounts) > 0 {
					address = ev.Accounts[0]
				}
				_ = machine.updateAccount(caip.NormalizeAddress(machine.Namespace(), address), ev.Accounts)
			case ev, ok := <-chains:
				if !ok {
					return
				}
				_ = machine.updateChain(ev.ChainID)
			case ev, ok := <-disconnects:
				if !ok {
					return
				}
				m.handleRemoteDisconnect(machine, ev.Reason)
				return
			}
		}
	}()
}

// handleRemoteDisconnect reacts to the wallet ending the session
// unilaterally: the machine moves to disconnected and the persisted
// record for the namespace is cleared.
func (m *Manager) handleRemoteDisconnect(machine *Machine, reason string) {
	namespace := machine.Namespace()
	m.log.WithNamespace(string(namespace)).WithField("reason", reason).Info("wallet disconnected remotely")

	conn := machine.disconnect()
	if conn != nil && conn.stopWatch != nil {
		conn.stopWatch()
	}

	if err := m.store.Clear(namespace); err != nil {
		m.log.WithError(err).WithNamespace(string(namespace)).Warn("failed to clear persisted connector")
		metrics.StorageErrors.WithLabelValues("clear").Inc()
	}
	metrics.Disconnects.WithLabelValues(string(namespace), "remote").Inc()
	metrics.ActiveConnections.WithLabelValues(string(namespace)).Set(0)
}

// teardown releases a detached connection's transport without touching
// persisted state.
func (m *Manager) teardown(ctx context.Context, conn *ActiveConnection) {
	if conn.stopWatch != nil {
		conn.stopWatch()
	}
	if conn.provider == nil {
		return
	}
	if err := conn.provider.Disconnect(ctx); err != nil {
		m.log.WithError(err).WithNamespace(string(conn.Namespace)).Debug("provider teardown failed")
	}
}

// classify maps terminal pairing errors onto the error taxonomy exposed
// to integrators.
func (m *Manager) classify(err error, connectorID string) error {
	switch {
	case errors.Is(err, pairing.ErrRejected):
		return sharederrors.Rejected("the wallet rejected the connection request").WithCause(err)
	case errors.Is(err, pairing.ErrExpired):
		return sharederrors.Expired("pairing approval").WithCause(err)
	case errors.Is(err, pairing.ErrCanceled):
		return sharederrors.Rejected("the connect attempt was canceled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return sharederrors.Timeout("connect " + connectorID).WithCause(err)
	default:
		var typed *sharederrors.Error
		if errors.As(err, &typed) {
			return err
		}
		return sharederrors.Transport(err.Error()).WithCause(err)
	}
}
