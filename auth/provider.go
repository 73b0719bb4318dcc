package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	siwe "github.com/spruceid/siwe-go"

	"github.com/reown-com/appkit-go/pairing"
)

// SignerFunc signs a plain-text message on behalf of the embedded wallet
// and returns the hex-encoded EIP-191 signature.
type SignerFunc func(message string) (string, error)

// Provider adapts an embedded social/email wallet to the provider
// contract: connecting runs the full SIWE round trip against the
// Verifier. The minted access token lives in memory only.
type Provider struct {
	*pairing.EventEmitter

	verifier *Verifier
	address  string
	chainID  int
	signer   SignerFunc

	mu     sync.Mutex
	result *Result
}

func NewProvider(verifier *Verifier, address string, chainID int, signer SignerFunc) (*Provider, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if chainID <= 0 {
		chainID = 1
	}
	return &Provider{
		EventEmitter: pairing.NewEventEmitter(),
		verifier:     verifier,
		address:      address,
		chainID:      chainID,
		signer:       signer,
	}, nil
}

// Connect performs the SIWE handshake: nonce, message, signature,
// verification. It yields the account the token was minted for.
func (p *Provider) Connect(ctx context.Context) (pairing.Account, error) {
	if err := ctx.Err(); err != nil {
		return pairing.Account{}, err
	}

	nonce, err := p.verifier.Nonce(p.address)
	if err != nil {
		return pairing.Account{}, err
	}

	domain := p.verifier.Domain()
	message, err := siwe.InitMessage(domain, p.address, "https://"+domain, nonce, map[string]interface{}{
		"chainId": p.chainID,
	})
	if err != nil {
		return pairing.Account{}, fmt.Errorf("build sign-in message: %w", err)
	}

	text := message.String()
	signature, err := p.signer(text)
	if err != nil {
		return pairing.Account{}, fmt.Errorf("sign message: %w", err)
	}

	result, err := p.verifier.Verify(p.address, text, signature)
	if err != nil {
		return pairing.Account{}, err
	}

	p.mu.Lock()
	p.result = result
	p.mu.Unlock()

	return pairing.Account{
		Address:  result.Address,
		Accounts: []string{result.Address},
		ChainID:  result.ChainID,
	}, nil
}

// Disconnect drops the in-memory access token.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.result = nil
	p.mu.Unlock()
	return nil
}

// Request supports personal_sign against the embedded wallet's signer;
// other methods are not available without a full RPC transport.
func (p *Provider) Request(ctx context.Context, method string, params interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch method {
	case "personal_sign":
		message, ok := params.(string)
		if !ok {
			return nil, fmt.Errorf("personal_sign expects a string message")
		}
		return p.signer(message)
	default:
		return nil, fmt.Errorf("method %s is not supported by the embedded wallet", method)
	}
}

// AccessToken returns the current session token, if connected.
func (p *Provider) AccessToken() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return "", false
	}
	return p.result.AccessToken, true
}

// Address returns the wallet address this provider signs for.
func (p *Provider) Address() string {
	return strings.ToLower(p.address)
}
