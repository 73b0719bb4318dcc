package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/connector"
	"github.com/reown-com/appkit-go/pairing"
	sharederrors "github.com/reown-com/appkit-go/shared/errors"
	"github.com/reown-com/appkit-go/storage"
)

// stubProvider is a scriptable in-page provider.
type stubProvider struct {
	*pairing.EventEmitter

	mu          sync.Mutex
	account     pairing.Account
	connectErr  error
	connects    int
	disconnects int
}

func newStubProvider(address, chainID string) *stubProvider {
	return &stubProvider{
		EventEmitter: pairing.NewEventEmitter(),
		account:      pairing.Account{Address: address, Accounts: []string{address}, ChainID: chainID},
	}
}

func (p *stubProvider) Connect(ctx context.Context) (pairing.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return pairing.Account{}, p.connectErr
	}
	return p.account, nil
}

func (p *stubProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

func (p *stubProvider) Request(ctx context.Context, method string, params interface{}) (interface{}, error) {
	return nil, nil
}

func (p *stubProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *stubProvider) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// stubRelay is an in-process Relay whose answers the test scripts.
type stubRelay struct {
	mu          sync.Mutex
	proposeErr  error
	answer      *pairing.Approval // auto-answer for the next proposal, nil leaves it pending
	pending     map[string]chan pairing.Approval
	alive       map[string]pairing.Approval
	subscribers map[string][]chan pairing.Event
	torndown    []string
	abandoned   []string
	topicSeq    int
}

func newStubRelay() *stubRelay {
	return &stubRelay{
		pending:     make(map[string]chan pairing.Approval),
		alive:       make(map[string]pairing.Approval),
		subscribers: make(map[string][]chan pairing.Event),
	}
}

func (r *stubRelay) Propose(ctx context.Context, namespace caip.Namespace) (*pairing.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proposeErr != nil {
		return nil, r.proposeErr
	}
	r.topicSeq++
	topic := fmt.Sprintf("topic-%d", r.topicSeq)
	ch := make(chan pairing.Approval, 1)
	r.pending[topic] = ch
	if r.answer != nil {
		ch <- *r.answer
		close(ch)
		delete(r.pending, topic)
		if r.answer.Err == nil {
			r.alive[topic] = *r.answer
		}
	}
	return &pairing.Proposal{URI: "wc:" + topic + "@2?relay-protocol=irn", Topic: topic, Approval: ch}, nil
}

func (r *stubRelay) Abandon(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.pending[topic]; ok {
		delete(r.pending, topic)
		close(ch)
	}
	r.abandoned = append(r.abandoned, topic)
}

func (r *stubRelay) abandonedTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.abandoned...)
}

func (r *stubRelay) SessionAlive(ctx context.Context, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.alive[topic]
	return ok
}

func (r *stubRelay) Resume(ctx context.Context, topic string) (pairing.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	approval, ok := r.alive[topic]
	if !ok {
		return pairing.Approval{}, errors.New("no live session for topic " + topic)
	}
	return approval, nil
}

func (r *stubRelay) SessionEvents(topic string) (<-chan pairing.Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan pairing.Event, 8)
	r.subscribers[topic] = append(r.subscribers[topic], ch)
	return ch, func() {}
}

func (r *stubRelay) Request(ctx context.Context, topic, method string, params interface{}) (json.RawMessage, error) {
	return json.RawMessage(`"0x1"`), nil
}

func (r *stubRelay) Disconnect(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, topic)
	r.torndown = append(r.torndown, topic)
	return nil
}

func (r *stubRelay) Close() error { return nil }

func (r *stubRelay) emit(topic string, ev pairing.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func newTestManager(t *testing.T, relay pairing.Relay) (*Manager, *storage.ConnectionStore, *connector.Registry) {
	t.Helper()
	registry := connector.NewRegistry()
	store := storage.NewConnectionStore(storage.NewMemoryStorage(), nil)
	mgr, err := NewManager(Options{
		Registry:         registry,
		Store:            store,
		Relay:            relay,
		PairingExpiry:    200 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
		ReconnectTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return mgr, store, registry
}

func registerInjected(t *testing.T, registry *connector.Registry) connector.Descriptor {
	t.Helper()
	desc := connector.Descriptor{ID: "injected", Name: "Browser Wallet", Type: connector.TypeInjected, Namespace: caip.NamespaceEVM}
	require.NoError(t, registry.Register(desc))
	return desc
}

func registerWalletConnect(t *testing.T, registry *connector.Registry) connector.Descriptor {
	t.Helper()
	desc := connector.Descriptor{ID: "walletconnect", Name: "WalletConnect", Type: connector.TypeWalletConnect, Namespace: caip.NamespaceEVM}
	require.NoError(t, registry.Register(desc))
	return desc
}

func TestConnect_UnknownConnector(t *testing.T) {
	mgr, _, _ := newTestManager(t, newStubRelay())

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "nope")
	assert.ErrorIs(t, err, connector.ErrConnectorNotFound)
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
}

func TestConnect_NamespaceMismatch(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	_, err := mgr.Connect(context.Background(), caip.NamespaceSolana, "injected")
	require.Error(t, err)
	assert.True(t, sharederrors.IsType(err, sharederrors.ErrorTypeInvalidInput))
}

func TestConnect_InjectedProvider(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	conn, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)
	assert.Equal(t, "0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", conn.Address)
	assert.Equal(t, "eip155:1", conn.ChainID)
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "injected", last)
}

func TestConnect_WalletConnectApproval(t *testing.T) {
	relay := newStubRelay()
	relay.answer = &pairing.Approval{Accounts: []string{"0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"}, ChainID: "eip155:1"}

	mgr, store, registry := newTestManager(t, relay)
	registerWalletConnect(t, registry)

	changes, unsubscribe := mgr.Subscribe(caip.NamespaceEVM)
	defer unsubscribe()

	conn, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "walletconnect")
	require.NoError(t, err)
	assert.Equal(t, "0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", conn.Address)
	assert.Equal(t, "eip155:1", conn.ChainID)
	assert.NotEmpty(t, conn.Topic())

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "walletconnect", last)
	topic, err := store.SessionTopic(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, conn.Topic(), topic)

	var sawURI bool
	for done := false; !done; {
		select {
		case change := <-changes:
			if change.URI != "" {
				sawURI = true
			}
			if change.Status == StatusConnected {
				done = true
			}
		case <-time.After(time.Second):
			t.Fatal("no connected notification")
		}
	}
	assert.True(t, sawURI, "subscribers should see the pairing URI")
}

func TestConnect_Rejected(t *testing.T) {
	relay := newStubRelay()
	relay.answer = &pairing.Approval{Err: fmt.Errorf("%w: user declined", pairing.ErrRejected)}

	mgr, store, registry := newTestManager(t, relay)
	registerWalletConnect(t, registry)

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "walletconnect")
	require.Error(t, err)
	assert.True(t, sharederrors.IsType(err, sharederrors.ErrorTypeRejected))
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestConnect_TimeoutBackstop(t *testing.T) {
	// The relay never answers; the local expiry must conclude the attempt.
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerWalletConnect(t, registry)

	started := time.Now()
	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "walletconnect")
	require.Error(t, err)
	assert.True(t, sharederrors.IsType(err, sharederrors.ErrorTypeExpired))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
}

func TestConnect_ExpiredPairingWithdrawsProposal(t *testing.T) {
	// The relay never answers. The expired attempt must not leave the
	// proposal open on the relay side.
	relay := newStubRelay()
	mgr, _, registry := newTestManager(t, relay)
	registerWalletConnect(t, registry)

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "walletconnect")
	require.Error(t, err)
	assert.True(t, sharederrors.IsType(err, sharederrors.ErrorTypeExpired))

	require.Eventually(t, func() bool {
		return len(relay.abandonedTopics()) == 1
	}, time.Second, 5*time.Millisecond, "an expired attempt must withdraw its proposal")
}

func TestConnect_RelayErrorLeavesStoreUnchanged(t *testing.T) {
	relay := newStubRelay()
	relay.proposeErr = errors.New("relay unreachable")

	mgr, store, registry := newTestManager(t, relay)
	registerInjected(t, registry)
	registerWalletConnect(t, registry)
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "injected"))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "walletconnect")
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "injected", last, "a failed attempt must not touch the store")
}

func TestConnect_FailedSwitchIsolation(t *testing.T) {
	relay := newStubRelay()
	relay.answer = &pairing.Approval{Err: fmt.Errorf("%w: user declined", pairing.ErrRejected)}

	mgr, store, registry := newTestManager(t, relay)
	registerInjected(t, registry)
	registerWalletConnect(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	// The switch tears the injected connection down and then fails.
	_, err = mgr.SwitchConnector(context.Background(), caip.NamespaceEVM, "walletconnect")
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
	assert.Equal(t, 1, provider.disconnectCount())

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "injected", last, "the store must keep the last working connector")
}

func TestConnect_LastWriterWins(t *testing.T) {
	// First attempt stays pending; the second replaces it.
	relay := newStubRelay()
	mgr, _, registry := newTestManager(t, relay)
	registerInjected(t, registry)
	registerWalletConnect(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	firstErr := make(chan error, 1)
	go func() {
		_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "walletconnect")
		firstErr <- err
	}()

	require.Eventually(t, func() bool {
		return mgr.PairingURI(caip.NamespaceEVM) != ""
	}, time.Second, 5*time.Millisecond)

	conn, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)
	assert.Equal(t, "injected", conn.ConnectorID)
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))

	select {
	case err := <-firstErr:
		require.Error(t, err, "the replaced attempt must fail")
	case <-time.After(time.Second):
		t.Fatal("replaced attempt never concluded")
	}
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM), "the replaced attempt must not knock down its successor")

	require.Eventually(t, func() bool {
		return len(relay.abandonedTopics()) == 1
	}, time.Second, 5*time.Millisecond, "the replaced proposal must be withdrawn from the relay")
}

func TestDisconnect_ClearsStore(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	require.NoError(t, mgr.Disconnect(context.Background(), caip.NamespaceEVM))
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
	assert.Equal(t, 1, provider.disconnectCount())

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestDisconnect_Idempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t, newStubRelay())
	require.NoError(t, mgr.Disconnect(context.Background(), caip.NamespaceEVM))
	require.NoError(t, mgr.Disconnect(context.Background(), caip.NamespaceEVM))
}

func TestWatch_WiredBeforeConnectionPublished(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	// A disconnect racing the publication must always find the watch
	// teardown hook on the connection it detaches.
	conn := mgr.machine(caip.NamespaceEVM).disconnect()
	require.NotNil(t, conn)
	require.NotNil(t, conn.stopWatch, "the event watch must be wired before the connection is visible")
	conn.stopWatch()
}

func TestStaleProviderEventsDoNotAffectNewConnection(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)
	require.NoError(t, registry.Register(connector.Descriptor{
		ID: "announced", Name: "Announced Wallet", Type: connector.TypeAnnounced, Namespace: caip.NamespaceEVM,
	}))

	old := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	next := newStubProvider("0x00000000219ab540356cbb839cbe05303d7705fa", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", old))
	require.NoError(t, mgr.BindProvider("announced", next))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)
	require.NoError(t, mgr.Disconnect(context.Background(), caip.NamespaceEVM))

	_, err = mgr.Connect(context.Background(), caip.NamespaceEVM, "announced")
	require.NoError(t, err)

	// A late disconnect from the torn-down provider must not reach the
	// new connection or its freshly written record.
	old.Emit(pairing.Event{Kind: pairing.EventDisconnect, Reason: "stale"})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "announced", last)
}

func TestRemoteDisconnect_ClearsStore(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	provider.Emit(pairing.Event{Kind: pairing.EventDisconnect, Reason: "wallet signed out"})

	require.Eventually(t, func() bool {
		return mgr.Status(caip.NamespaceEVM) == StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Empty(t, last, "a remote disconnect clears the persisted record")
}

func TestAccountsChanged_InPlaceUpdate(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	next := "0x00000000219ab540356cbb839cbe05303d7705fa"
	provider.Emit(pairing.Event{Kind: pairing.EventAccountsChanged, Accounts: []string{next}})

	require.Eventually(t, func() bool {
		conn, ok := mgr.Connection(caip.NamespaceEVM)
		return ok && conn.Address == next
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM), "account change is not a transition")
}

func TestChainChanged_InPlaceUpdate(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	provider.Emit(pairing.Event{Kind: pairing.EventChainChanged, ChainID: "eip155:137"})

	require.Eventually(t, func() bool {
		conn, ok := mgr.Connection(caip.NamespaceEVM)
		return ok && conn.ChainID == "eip155:137"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
}

func TestSwitchAccount(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xAB16A96d359ec26a11e2C2b3d8f8B8942d5Bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)

	next := "0x00000000219AB540356cBB839Cbe05303d7705Fa"
	require.NoError(t, mgr.SwitchAccount(caip.NamespaceEVM, next))

	conn, ok := mgr.Connection(caip.NamespaceEVM)
	require.True(t, ok)
	assert.Equal(t, "0x00000000219ab540356cbb839cbe05303d7705fa", conn.Address)

	assert.ErrorIs(t, mgr.SwitchAccount(caip.NamespaceSolana, "addr"), ErrNotConnected)
}

func TestNamespacesAreIndependent(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)
	require.NoError(t, registry.Register(connector.Descriptor{
		ID: "phantom", Name: "Phantom", Type: connector.TypeInjected, Namespace: caip.NamespaceSolana,
	}))

	evm := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	sol := newStubProvider("FvwEAhmxKfeiG8SnEvq42hc6whRyY3EFYAvebMqDNDGCHxYz", "solana:mainnet")
	require.NoError(t, mgr.BindProvider("injected", evm))
	require.NoError(t, mgr.BindProvider("phantom", sol))

	_, err := mgr.Connect(context.Background(), caip.NamespaceEVM, "injected")
	require.NoError(t, err)
	_, err = mgr.Connect(context.Background(), caip.NamespaceSolana, "phantom")
	require.NoError(t, err)

	require.NoError(t, mgr.Disconnect(context.Background(), caip.NamespaceSolana))
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceSolana))
}
