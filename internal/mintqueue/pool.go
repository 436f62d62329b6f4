package mintqueue

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AdminSigner is one admin identity allowed to call mint on the SETTLE
// contract.
type AdminSigner struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

func NewAdminSigner(hexKey string) (*AdminSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse admin key: %w", err)
	}
	return &AdminSigner{
		Key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// SignerPool rotates admin signers fairly: Checkout removes the head and
// Return appends to the tail, so after each job the signer goes to the back
// of the line. One signer is checked out per in-flight mint, which bounds
// nonce contention per key.
type SignerPool struct {
	mu      sync.Mutex
	signers []*AdminSigner
}

// NewSignerPool builds a pool from hex-encoded private keys.
func NewSignerPool(hexKeys []string) (*SignerPool, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("signer pool needs at least one admin key")
	}
	p := &SignerPool{signers: make([]*AdminSigner, 0, len(hexKeys))}
	for _, k := range hexKeys {
		s, err := NewAdminSigner(k)
		if err != nil {
			return nil, err
		}
		p.signers = append(p.signers, s)
	}
	return p, nil
}

// Checkout removes and returns the head signer. The second return is false
// when every signer is already checked out.
func (p *SignerPool) Checkout() (*AdminSigner, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.signers) == 0 {
		return nil, false
	}
	s := p.signers[0]
	p.signers = p.signers[1:]
	return s, true
}

// Return puts a signer back at the tail of the rotation.
func (p *SignerPool) Return(s *AdminSigner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers = append(p.signers, s)
}

// Len reports how many signers are currently available.
func (p *SignerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signers)
}
