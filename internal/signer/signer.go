// Package signer signs upstream requests with a secp256k1 key.
//
// Scheme:
//  1. payload_hash = hex(SHA256(payload))
//  2. input = payload_hash + decimal(timestamp_ns) + transfer_address
//  3. signature = ECDSA over SHA256(input), deterministic (RFC 6979), low-S
//  4. header value = base64(r || s), 64 bytes before encoding
package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is safe for concurrent use.
type Signer struct {
	key *ecdsa.PrivateKey
	now func() time.Time
}

// New creates a Signer from a hex-encoded private key (0x prefix optional).
func New(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid hex key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("signer: key must be 32 bytes, got %d", len(raw))
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return &Signer{key: key, now: time.Now}, nil
}

// Address is the key's hex account address, used when no requester address
// is configured.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// PublicKey returns the compressed public key.
func (s *Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

// Sign signs payload for transferAddress at the current time and returns the
// base64 signature and the timestamp in nanoseconds that was signed.
func (s *Signer) Sign(payload []byte, transferAddress string) (string, int64, error) {
	ts := s.now().UnixNano()
	sig, err := s.SignAt(payload, transferAddress, ts)
	return sig, ts, err
}

// SignAt is Sign with an explicit timestamp.
func (s *Signer) SignAt(payload []byte, transferAddress string, tsNano int64) (string, error) {
	digest := digest(payload, transferAddress, tsNano)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	// Drop the recovery byte; the upstream expects r || s only.
	return base64.StdEncoding.EncodeToString(sig[:64]), nil
}

// Verify checks sig against a compressed or uncompressed public key.
func Verify(pubkey, payload []byte, transferAddress string, tsNano int64, sig string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != 64 {
		return false
	}
	return crypto.VerifySignature(pubkey, digest(payload, transferAddress, tsNano), raw)
}

func digest(payload []byte, transferAddress string, tsNano int64) []byte {
	payloadHash := sha256.Sum256(payload)
	input := hex.EncodeToString(payloadHash[:]) + strconv.FormatInt(tsNano, 10) + transferAddress
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}
