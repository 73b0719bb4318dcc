package caip

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Namespace is a blockchain ecosystem identifier (CAIP-2 namespace part).
type Namespace = string

const (
	NamespaceEVM      Namespace = "eip155"
	NamespaceSolana   Namespace = "solana"
	NamespaceBitcoin  Namespace = "bip122"
	NamespacePolkadot Namespace = "polkadot"
	NamespaceTon      Namespace = "ton"
	NamespaceSui      Namespace = "sui"
)

// AllNamespaces lists the namespaces the SDK ships support for, in the order
// they are presented to integrators.
var AllNamespaces = []Namespace{
	NamespaceEVM,
	NamespaceSolana,
	NamespaceBitcoin,
	NamespacePolkadot,
	NamespaceTon,
	NamespaceSui,
}

var (
	ErrInvalidChainID   = errors.New("invalid_chain_id")
	ErrInvalidAccountID = errors.New("invalid_account_id")
	ErrInvalidAddress   = errors.New("invalid_address")
)

var (
	chainIDRe    = regexp.MustCompile(`^[a-z0-9-]{3,8}:[a-zA-Z0-9_-]{1,32}$`)
	ethAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// ChainID is a CAIP-2 identifier, e.g. "eip155:1".
type ChainID struct {
	Namespace Namespace
	Reference string
}

func (c ChainID) String() string {
	return c.Namespace + ":" + c.Reference
}

// ParseChainID parses a CAIP-2 chain identifier.
func ParseChainID(s string) (ChainID, error) {
	if !chainIDRe.MatchString(s) {
		return ChainID{}, fmt.Errorf("%w: %q", ErrInvalidChainID, s)
	}
	parts := strings.SplitN(s, ":", 2)
	return ChainID{Namespace: parts[0], Reference: parts[1]}, nil
}

// FormatChainID builds the CAIP-2 string form.
func FormatChainID(namespace Namespace, reference string) string {
	return namespace + ":" + reference
}

// AccountID is a CAIP-10 identifier, e.g. "eip155:1:0xab...".
type AccountID struct {
	Chain   ChainID
	Address string
}

func (a AccountID) String() string {
	return a.Chain.String() + ":" + a.Address
}

// ParseAccountID parses a CAIP-10 account identifier.
func ParseAccountID(s string) (AccountID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AccountID{}, fmt.Errorf("%w: %q", ErrInvalidAccountID, s)
	}
	chain, err := ParseChainID(parts[0] + ":" + parts[1])
	if err != nil {
		return AccountID{}, fmt.Errorf("%w: %q", ErrInvalidAccountID, s)
	}
	if !IsValidAddress(chain.Namespace, parts[2]) {
		return AccountID{}, fmt.Errorf("%w: %q", ErrInvalidAddress, parts[2])
	}
	return AccountID{Chain: chain, Address: NormalizeAddress(chain.Namespace, parts[2])}, nil
}

// IsValidAddress reports whether address is plausible for the namespace.
// EVM addresses get strict hex validation; other namespaces only a
// non-empty length check since their formats vary per chain.
func IsValidAddress(namespace Namespace, address string) bool {
	switch namespace {
	case NamespaceEVM:
		return ethAddressRe.MatchString(address)
	default:
		return len(address) >= 4 && !strings.ContainsAny(address, " \t\n")
	}
}

// NormalizeAddress lowercases EVM addresses; other namespaces are
// case-sensitive and returned unchanged.
func NormalizeAddress(namespace Namespace, address string) string {
	if namespace == NamespaceEVM {
		return strings.ToLower(address)
	}
	return address
}

// IsKnownNamespace reports whether the namespace is one the SDK supports.
func IsKnownNamespace(namespace Namespace) bool {
	for _, n := range AllNamespaces {
		if n == namespace {
			return true
		}
	}
	return false
}
