// Package auth implements Sign-In with Ethereum verification for one-click
// auth connections. Nonces are single use and held in memory only; access
// tokens are short-lived JWTs the caller keeps for the session.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	siwe "github.com/spruceid/siwe-go"

	"github.com/reown-com/appkit-go/caip"
)

var (
	ErrInvalidAddress   = errors.New("invalid_address")
	ErrAddressMismatch  = errors.New("address_mismatch")
	ErrNonceInvalid     = errors.New("nonce_invalid_or_used")
	ErrMessageExpired   = errors.New("siwe_message_expired")
	ErrMessageNotYet    = errors.New("siwe_message_not_yet_valid")
	ErrDomainMismatch   = errors.New("siwe_domain_mismatch")
	ErrInvalidSignature = errors.New("invalid_signature")
)

const (
	defaultNonceTTL = 5 * time.Minute
	defaultTokenTTL = 1 * time.Hour
	tokenIssuer     = "appkit-auth"
)

// Result is a completed SIWE verification.
type Result struct {
	AccessToken string
	ExpiresAt   time.Time
	Address     string
	ChainID     string
	SessionID   string
}

// Verifier validates SIWE messages for one-click auth and mints access
// tokens. One Verifier serves every auth connector in the process.
type Verifier struct {
	domain    string
	jwtSecret []byte
	nonces    *gocache.Cache
	nonceTTL  time.Duration
	tokenTTL  time.Duration
}

func NewVerifier(domain string, jwtSecret []byte) (*Verifier, error) {
	if domain == "" {
		return nil, fmt.Errorf("auth domain is required")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	return &Verifier{
		domain:    domain,
		jwtSecret: jwtSecret,
		nonces:    gocache.New(defaultNonceTTL, time.Minute),
		nonceTTL:  defaultNonceTTL,
		tokenTTL:  defaultTokenTTL,
	}, nil
}

// Domain returns the domain SIWE messages must be issued for.
func (v *Verifier) Domain() string {
	return v.domain
}

// Nonce issues a single-use nonce bound to the account. The nonce expires
// after five minutes whether or not it is used.
func (v *Verifier) Nonce(accountID string) (string, error) {
	normalized := strings.ToLower(accountID)
	if !caip.IsValidAddress(caip.NamespaceEVM, normalized) {
		return "", ErrInvalidAddress
	}

	nonce, err := generateSecureNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	v.nonces.Set(nonce, normalized, v.nonceTTL)
	return nonce, nil
}

// Verify parses and checks a signed SIWE message. The nonce is consumed on
// success and on address mismatch; a consumed nonce never validates again.
func (v *Verifier) Verify(accountID, message, signature string) (*Result, error) {
	siweMessage, err := siwe.ParseMessage(message)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SIWE message: %w", err)
	}

	if err := v.validateMessage(siweMessage, accountID); err != nil {
		return nil, err
	}

	if !v.consumeNonce(siweMessage.GetNonce(), strings.ToLower(accountID)) {
		return nil, ErrNonceInvalid
	}

	publicKey, err := siweMessage.VerifyEIP191(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	recoveredAddress := crypto.PubkeyToAddress(*publicKey)
	expectedAddress := common.HexToAddress(accountID)
	if recoveredAddress != expectedAddress {
		return nil, ErrAddressMismatch
	}

	chainID := caip.FormatChainID(caip.NamespaceEVM, fmt.Sprintf("%d", siweMessage.GetChainID()))
	sessionID := uuid.New().String()

	accessToken, expiresAt, err := v.generateAccessToken(strings.ToLower(accountID), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &Result{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		Address:     strings.ToLower(accountID),
		ChainID:     chainID,
		SessionID:   sessionID,
	}, nil
}

// ValidateToken checks an access token and returns the address and session
// id it was minted for.
func (v *Verifier) ValidateToken(tokenString string) (address, sessionID string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("invalid access token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid access token claims")
	}

	address, _ = claims["sub"].(string)
	sessionID, _ = claims["session_id"].(string)
	if address == "" || sessionID == "" {
		return "", "", fmt.Errorf("access token missing subject or session")
	}
	return address, sessionID, nil
}

func (v *Verifier) validateMessage(message *siwe.Message, expectedAccountID string) error {
	if !strings.EqualFold(message.GetAddress().Hex(), expectedAccountID) {
		return ErrAddressMismatch
	}

	if message.GetDomain() != v.domain {
		return ErrDomainMismatch
	}

	if message.GetExpirationTime() != nil {
		expTime, err := time.Parse(time.RFC3339, *message.GetExpirationTime())
		if err != nil {
			return fmt.Errorf("invalid expiration time format: %w", err)
		}
		if time.Now().After(expTime) {
			return ErrMessageExpired
		}
	}

	if message.GetNotBefore() != nil {
		notBeforeTime, err := time.Parse(time.RFC3339, *message.GetNotBefore())
		if err != nil {
			return fmt.Errorf("invalid not-before time format: %w", err)
		}
		if time.Now().Before(notBeforeTime) {
			return ErrMessageNotYet
		}
	}

	if message.GetNonce() == "" {
		return ErrNonceInvalid
	}

	return nil
}

// consumeNonce atomically validates and burns a nonce. The nonce must have
// been issued for the same lowercase account.
func (v *Verifier) consumeNonce(nonce, account string) bool {
	issuedFor, found := v.nonces.Get(nonce)
	if !found {
		return false
	}
	v.nonces.Delete(nonce)
	return issuedFor == account
}

// generateSecureNonce returns 32 random bytes as a 64 character hex string.
func generateSecureNonce() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (v *Verifier) generateAccessToken(address, sessionID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(v.tokenTTL)

	claims := jwt.MapClaims{
		"sub":        address,
		"session_id": sessionID,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
		"iss":        tokenIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(v.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, expiresAt, nil
}
