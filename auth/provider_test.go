package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ConnectRunsSiweHandshake(t *testing.T) {
	verifier, err := NewVerifier(testDomain, []byte("test-jwt-secret-must-be-32-bytes!"))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	signer := func(message string) (string, error) {
		prepared := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
		hash := crypto.Keccak256Hash([]byte(prepared))
		signature, serr := crypto.Sign(hash.Bytes(), key)
		if serr != nil {
			return "", serr
		}
		signature[64] += 27
		return hexutil.Encode(signature), nil
	}

	provider, err := NewProvider(verifier, address, 1, signer)
	require.NoError(t, err)

	account, err := provider.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eip155:1", account.ChainID)
	assert.Len(t, account.Accounts, 1)

	token, ok := provider.AccessToken()
	require.True(t, ok)
	tokenAddress, _, err := verifier.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, provider.Address(), tokenAddress)

	require.NoError(t, provider.Disconnect(context.Background()))
	_, ok = provider.AccessToken()
	assert.False(t, ok)
}

func TestProvider_ConnectFailsWhenSignerFails(t *testing.T) {
	verifier, err := NewVerifier(testDomain, []byte("test-jwt-secret-must-be-32-bytes!"))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	provider, err := NewProvider(verifier, address, 1, func(string) (string, error) {
		return "", errors.New("signer unavailable")
	})
	require.NoError(t, err)

	_, err = provider.Connect(context.Background())
	require.Error(t, err)
	_, ok := provider.AccessToken()
	assert.False(t, ok)
}

func TestNewProvider_Validation(t *testing.T) {
	verifier, err := NewVerifier(testDomain, []byte("test-jwt-secret-must-be-32-bytes!"))
	require.NoError(t, err)

	_, err = NewProvider(nil, "0xabc", 1, func(string) (string, error) { return "", nil })
	assert.Error(t, err)

	_, err = NewProvider(verifier, "0xabc", 1, nil)
	assert.Error(t, err)
}
