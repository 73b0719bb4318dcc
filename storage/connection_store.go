package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/shared/logging"
)

// Storage key layout. One connector id per namespace, flat records under a
// fixed prefix. Only identifiers are ever written here, never secrets,
// tokens or provider objects.
const (
	keyPrefix           = "@appkit/"
	keyConnectorID      = keyPrefix + "connected_connector_id:" // + namespace
	keySessionTopic     = keyPrefix + "wc_session_topic:"       // + namespace
	keyActiveNamespace  = keyPrefix + "active_namespace"
	keyRecentWallets    = keyPrefix + "recent_wallets"
	keyDeepLinkChoice   = keyPrefix + "deeplink_choice"
	keyStorageVersion   = keyPrefix + "storage_version"
	storageVersion      = "1"
	maxRecentWallets    = 2
)

// RecentWallet is a wallet the user connected with recently, kept so the UI
// can float it to the top of the connect list.
type RecentWallet struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// DeepLink records the mobile wallet link chosen during a pairing, so a
// follow-up request can reopen the same wallet.
type DeepLink struct {
	Href string `json:"href"`
	Name string `json:"name"`
}

// ConnectionStore persists which connector was last used per namespace.
// Every operation degrades gracefully: when the backing store fails the
// store flips to in-memory operation, logs once, and keeps working.
// Reconnection then simply requires a fresh manual connect next session.
type ConnectionStore struct {
	mu       sync.Mutex
	backend  KeyValueStore
	fallback *MemoryStorage
	degraded bool
	log      *logging.Logger
}

// NewConnectionStore wraps a KeyValueStore. A nil logger disables logging.
func NewConnectionStore(backend KeyValueStore, log *logging.Logger) *ConnectionStore {
	if log == nil {
		log = logging.Nop()
	}
	s := &ConnectionStore{
		backend:  backend,
		fallback: NewMemoryStorage(),
		log:      log.WithField("component", "connection_store"),
	}
	s.migrate()
	return s
}

// Degraded reports whether the store has fallen back to in-memory
// operation after a backend failure.
func (s *ConnectionStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// RecordConnected stores the connector id for a namespace. Overwrite on
// write, idempotent. Called only after a successful connection.
func (s *ConnectionStore) RecordConnected(namespace caip.Namespace, connectorID string) error {
	if namespace == "" || connectorID == "" {
		return errors.New("namespace and connector id are required")
	}
	return s.set(keyConnectorID+namespace, connectorID)
}

// LastConnector returns the connector id recorded for the namespace, or
// ErrNotFound when nothing was persisted.
func (s *ConnectionStore) LastConnector(namespace caip.Namespace) (string, error) {
	return s.get(keyConnectorID + namespace)
}

// Clear removes the record for one namespace, used on explicit disconnect.
func (s *ConnectionStore) Clear(namespace caip.Namespace) error {
	if err := s.remove(keySessionTopic + namespace); err != nil {
		return err
	}
	return s.remove(keyConnectorID + namespace)
}

// ClearAll wipes every namespace record plus the auxiliary keys.
func (s *ConnectionStore) ClearAll() error {
	var firstErr error
	for _, ns := range caip.AllNamespaces {
		if err := s.Clear(ns); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, key := range []string{keyActiveNamespace, keyRecentWallets, keyDeepLinkChoice} {
		if err := s.remove(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordSessionTopic stores the relay session topic for a WalletConnect
// pairing so auto-reconnect can ask the relay if it is still live. The
// topic is a public identifier, not a secret.
func (s *ConnectionStore) RecordSessionTopic(namespace caip.Namespace, topic string) error {
	if topic == "" {
		return s.remove(keySessionTopic + namespace)
	}
	return s.set(keySessionTopic+namespace, topic)
}

// SessionTopic returns the stored relay session topic for the namespace.
func (s *ConnectionStore) SessionTopic(namespace caip.Namespace) (string, error) {
	return s.get(keySessionTopic + namespace)
}

// SetActiveNamespace records which namespace the user interacted with last.
func (s *ConnectionStore) SetActiveNamespace(namespace caip.Namespace) error {
	return s.set(keyActiveNamespace, namespace)
}

// ActiveNamespace returns the last active namespace, or ErrNotFound.
func (s *ConnectionStore) ActiveNamespace() (caip.Namespace, error) {
	return s.get(keyActiveNamespace)
}

// AddRecentWallet pushes a wallet to the front of the recent list,
// deduplicated by id and capped at two entries like the original catalog.
func (s *ConnectionStore) AddRecentWallet(w RecentWallet) error {
	if w.ID == "" {
		return errors.New("wallet id is required")
	}
	recent, _ := s.RecentWallets()
	for _, existing := range recent {
		if existing.ID == w.ID {
			return nil
		}
	}
	recent = append([]RecentWallet{w}, recent...)
	if len(recent) > maxRecentWallets {
		recent = recent[:maxRecentWallets]
	}
	data, err := json.Marshal(recent)
	if err != nil {
		return fmt.Errorf("encode recent wallets: %w", err)
	}
	return s.set(keyRecentWallets, string(data))
}

// RecentWallets returns recently used wallets, most recent first.
func (s *ConnectionStore) RecentWallets() ([]RecentWallet, error) {
	raw, err := s.get(keyRecentWallets)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recent []RecentWallet
	if err := json.Unmarshal([]byte(raw), &recent); err != nil {
		return nil, fmt.Errorf("decode recent wallets: %w", err)
	}
	return recent, nil
}

// SetDeepLink records the wallet deep link chosen for a mobile pairing.
func (s *ConnectionStore) SetDeepLink(link DeepLink) error {
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("encode deep link: %w", err)
	}
	return s.set(keyDeepLinkChoice, string(data))
}

// DeepLinkChoice returns the stored deep link, or ErrNotFound.
func (s *ConnectionStore) DeepLinkChoice() (DeepLink, error) {
	raw, err := s.get(keyDeepLinkChoice)
	if err != nil {
		return DeepLink{}, err
	}
	var link DeepLink
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		return DeepLink{}, fmt.Errorf("decode deep link: %w", err)
	}
	return link, nil
}

// RemoveDeepLink clears the stored deep link, part of pairing teardown.
func (s *ConnectionStore) RemoveDeepLink() error {
	return s.remove(keyDeepLinkChoice)
}

// migrate stamps the schema version. Records written by an unknown newer
// version are left alone; readers already treat stale connector ids as
// absent via the registry lookup at reconnect time.
func (s *ConnectionStore) migrate() {
	v, err := s.get(keyStorageVersion)
	if errors.Is(err, ErrNotFound) {
		_ = s.set(keyStorageVersion, storageVersion)
		return
	}
	if err == nil && v != storageVersion {
		s.log.WithField("stored_version", v).Warn("storage written by a different SDK version")
	}
}

func (s *ConnectionStore) store() KeyValueStore {
	if s.degraded {
		return s.fallback
	}
	return s.backend
}

func (s *ConnectionStore) set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store().SetItem(key, value); err != nil {
		s.degrade(err)
		return s.fallback.SetItem(key, value)
	}
	return nil
}

func (s *ConnectionStore) get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store().GetItem(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.degrade(err)
		return s.fallback.GetItem(key)
	}
	return v, err
}

func (s *ConnectionStore) remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store().RemoveItem(key); err != nil {
		s.degrade(err)
		return s.fallback.RemoveItem(key)
	}
	return nil
}

// degrade flips to in-memory operation. Callers hold s.mu.
func (s *ConnectionStore) degrade(cause error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.log.WithError(cause).Warn("persistent storage unavailable, continuing in memory")
}
