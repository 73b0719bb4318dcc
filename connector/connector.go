package connector

import (
	"errors"

	"github.com/reown-com/appkit-go/caip"
)

// Type classifies how a connector obtains a wallet connection.
type Type string

const (
	// TypeInjected is an in-page browser-extension provider.
	TypeInjected Type = "INJECTED"
	// TypeAnnounced is an EIP-6963 announced provider.
	TypeAnnounced Type = "ANNOUNCED"
	// TypeWalletConnect pairs with a remote wallet through a relay URI.
	TypeWalletConnect Type = "WALLET_CONNECT"
	// TypeAuth is an embedded social/email wallet.
	TypeAuth Type = "AUTH"
	// TypeMultiChain aggregates connectors across namespaces.
	TypeMultiChain Type = "MULTI_CHAIN"
)

var (
	ErrConnectorNotFound = errors.New("connector_not_found")
	ErrInvalidConnector  = errors.New("invalid_connector")
)

// Descriptor is an immutable catalog entry describing one named way of
// obtaining a wallet connection. Registered once at startup, never mutated.
type Descriptor struct {
	ID        string
	Name      string
	Type      Type
	Namespace caip.Namespace
	ImageURL  string
	// RDNS is the reverse-DNS identifier an announced (EIP-6963) provider
	// advertises, empty for other types.
	RDNS string
}

// Validate checks the descriptor is complete enough to register.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("connector id is required")
	}
	if d.Name == "" {
		return errors.New("connector name is required")
	}
	switch d.Type {
	case TypeInjected, TypeAnnounced, TypeWalletConnect, TypeAuth, TypeMultiChain:
	default:
		return ErrInvalidConnector
	}
	if d.Namespace == "" {
		return errors.New("connector namespace is required")
	}
	return nil
}

// SilentlyReconnectable reports whether a connector of this type may be
// restored at startup without user interaction. WalletConnect pairings
// additionally require the relay to confirm the session is still live.
func (t Type) SilentlyReconnectable() bool {
	switch t {
	case TypeInjected, TypeAnnounced, TypeAuth:
		return true
	default:
		return false
	}
}
