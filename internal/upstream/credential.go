package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gonkalabs/piigate/internal/signer"
)

// Credential authorizes one upstream request.
type Credential interface {
	// ID is a non-secret label safe to log.
	ID() string
	// Apply sets the auth headers for payload on req.
	Apply(req *http.Request, payload []byte) error
}

// BearerKey is a static API key sent as "Authorization: Bearer <key>".
type BearerKey struct {
	label string
	key   string
}

// NewBearerKey wraps key. label identifies it in logs.
func NewBearerKey(label, key string) BearerKey {
	return BearerKey{label: label, key: key}
}

func (k BearerKey) ID() string { return k.label }

func (k BearerKey) Apply(req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+k.key)
	return nil
}

// SignedKey signs every request body with a secp256k1 key. The signature
// binds the payload, the timestamp and the transfer address.
type SignedKey struct {
	Signer          *signer.Signer
	Address         string // requester address; derived from the key if empty
	TransferAddress string
}

func (k SignedKey) ID() string { return k.address() }

func (k SignedKey) Apply(req *http.Request, payload []byte) error {
	sig, ts, err := k.Signer.Sign(payload, k.TransferAddress)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", sig)
	req.Header.Set("X-Requester-Address", k.address())
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	return nil
}

func (k SignedKey) address() string {
	if k.Address != "" {
		return k.Address
	}
	return k.Signer.Address()
}

// Pool hands out credentials round-robin. It is safe for concurrent use.
type Pool struct {
	creds   []Credential
	counter atomic.Uint64
}

// NewPool creates a Pool. At least one credential is required.
func NewPool(creds []Credential) (*Pool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("credential pool: at least one credential is required")
	}
	slog.Info("credential pool initialised", "credentials", len(creds))
	for i, c := range creds {
		slog.Debug("credential registered", "index", i, "id", c.ID())
	}
	return &Pool{creds: creds}, nil
}

// Next returns the next credential.
func (p *Pool) Next() Credential {
	idx := p.counter.Add(1) - 1
	return p.creds[idx%uint64(len(p.creds))]
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.creds)
}
