// Package credentials opens sealed signing keys and hands out transactors
// for source addresses.
package credentials

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// EnvelopeVersion is the only envelope version accepted
	EnvelopeVersion = 1
	// EnvelopeAlgorithm is the only cipher accepted
	EnvelopeAlgorithm = "xchacha20poly1305"
)

var (
	ErrUnsupportedEnvelope = errors.New("unsupported credential envelope")
	ErrAddressMismatch     = errors.New("credential does not belong to the envelope address")
	ErrInvalidKey          = errors.New("credential key must be 32 bytes")
)

// Envelope is a sealed private key
type Envelope struct {
	Version    int    `json:"v"`
	Algorithm  string `json:"alg"`
	Address    string `json:"address"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// additionalData binds the ciphertext to the envelope header
func additionalData(version int, address common.Address) []byte {
	return []byte(fmt.Sprintf("v%d|%s|%s", version, EnvelopeAlgorithm, strings.ToLower(address.Hex())))
}

// Seal encrypts privateKey under key
func Seal(key []byte, privateKey *ecdsa.PrivateKey) (*Envelope, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	sealed := aead.Seal(nil, nonce, crypto.FromECDSA(privateKey), additionalData(EnvelopeVersion, address))
	return &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  EnvelopeAlgorithm,
		Address:    address.Hex(),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
	}, nil
}

// Open decrypts the envelope and checks the key matches its address
func (e *Envelope) Open(key []byte) (*ecdsa.PrivateKey, error) {
	if e.Version != EnvelopeVersion || e.Algorithm != EnvelopeAlgorithm {
		return nil, fmt.Errorf("%w: v=%d alg=%q", ErrUnsupportedEnvelope, e.Version, e.Algorithm)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	if !common.IsHexAddress(e.Address) {
		return nil, fmt.Errorf("invalid envelope address %q", e.Address)
	}
	address := common.HexToAddress(e.Address)

	nonce, err := hex.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid envelope nonce length %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, additionalData(e.Version, address))
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope for %s: %w", address.Hex(), err)
	}

	privateKey, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if crypto.PubkeyToAddress(privateKey.PublicKey) != address {
		return nil, ErrAddressMismatch
	}
	return privateKey, nil
}

// ParseEnvelopes decodes a JSON array of envelopes
func ParseEnvelopes(data []byte) ([]Envelope, error) {
	var envelopes []Envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to decode credential envelopes: %w", err)
	}
	return envelopes, nil
}
