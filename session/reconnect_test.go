package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/connector"
	"github.com/reown-com/appkit-go/pairing"
	"github.com/reown-com/appkit-go/storage"
)

func TestReconnect_InjectedSilently(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "injected"))

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	changes, unsubscribe := mgr.Subscribe(caip.NamespaceEVM)
	defer unsubscribe()

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
	conn, ok := mgr.Connection(caip.NamespaceEVM)
	require.True(t, ok)
	assert.Equal(t, "injected", conn.ConnectorID)
	assert.Equal(t, 1, provider.connectCount())

	// Silent means silent: no subscriber ever sees a pairing URI.
	for {
		select {
		case change := <-changes:
			assert.Empty(t, change.URI)
			if change.Status == StatusConnected {
				return
			}
		default:
			return
		}
	}
}

func TestReconnect_ProviderFailureStaysSilent(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "injected"))

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	provider.connectErr = errors.New("wallet is locked")
	require.NoError(t, mgr.BindProvider("injected", provider))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))

	// The record survives so a later start can retry.
	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "injected", last)
}

func TestReconnect_StaleConnectorRecord(t *testing.T) {
	mgr, store, _ := newTestManager(t, newStubRelay())
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "gone"))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "gone", last, "a stale record is left in place")
}

func TestReconnect_EmptyStoreIsNoop(t *testing.T) {
	mgr, _, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
	assert.Equal(t, 0, provider.connectCount())
}

func TestReconnect_WalletConnectLiveSession(t *testing.T) {
	relay := newStubRelay()
	relay.alive["old-topic"] = pairing.Approval{
		Accounts: []string{"0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"},
		ChainID:  "eip155:1",
	}

	mgr, store, registry := newTestManager(t, relay)
	registerWalletConnect(t, registry)
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "walletconnect"))
	require.NoError(t, store.RecordSessionTopic(caip.NamespaceEVM, "old-topic"))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
	conn, ok := mgr.Connection(caip.NamespaceEVM)
	require.True(t, ok)
	assert.Equal(t, "old-topic", conn.Topic())
	assert.Empty(t, mgr.PairingURI(caip.NamespaceEVM))
}

func TestReconnect_WalletConnectDeadSession(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerWalletConnect(t, registry)
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "walletconnect"))
	require.NoError(t, store.RecordSessionTopic(caip.NamespaceEVM, "dead-topic"))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusDisconnected, mgr.Status(caip.NamespaceEVM))
	last, err := store.LastConnector(caip.NamespaceEVM)
	require.NoError(t, err)
	assert.Equal(t, "walletconnect", last)
}

func TestReconnect_IsIdempotent(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "injected"))

	provider := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	require.NoError(t, mgr.BindProvider("injected", provider))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})
	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM})

	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
	assert.Equal(t, 1, provider.connectCount(), "a connected namespace is not reconnected again")
}

func TestReconnect_MultipleNamespaces(t *testing.T) {
	mgr, store, registry := newTestManager(t, newStubRelay())
	registerInjected(t, registry)
	require.NoError(t, registry.Register(connector.Descriptor{
		ID: "phantom", Name: "Phantom", Type: connector.TypeInjected, Namespace: caip.NamespaceSolana,
	}))
	require.NoError(t, store.RecordConnected(caip.NamespaceEVM, "injected"))
	require.NoError(t, store.RecordConnected(caip.NamespaceSolana, "phantom"))

	evm := newStubProvider("0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", "eip155:1")
	sol := newStubProvider("FvwEAhmxKfeiG8SnEvq42hc6whRyY3EFYAvebMqDNDGC", "solana:mainnet")
	require.NoError(t, mgr.BindProvider("injected", evm))
	require.NoError(t, mgr.BindProvider("phantom", sol))

	<-mgr.Reconnect(context.Background(), []caip.Namespace{caip.NamespaceEVM, caip.NamespaceSolana})

	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceEVM))
	assert.Equal(t, StatusConnected, mgr.Status(caip.NamespaceSolana))
}

func TestReconnect_DegradedStoreIsSafe(t *testing.T) {
	// A store that lost its backend behaves like an empty one.
	registry := connector.NewRegistry()
	store := storage.NewConnectionStore(storage.NewMemoryStorage(), nil)
	mgr, err := NewManager(Options{Registry: registry, Store: store})
	require.NoError(t, err)

	done := mgr.Reconnect(context.Background(), nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect with no namespaces should finish immediately")
	}
}
