/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package memkeyserver is an in-memory threshold key-server network
// implementing seal.Network. Useful for local development and testing.
//
// Each server holds an independent master secret and derives its identity key
// share with HKDF. The data encryption key is the XOR of the first threshold
// shares, and the payload is sealed with ChaCha20-Poly1305 with the identity
// bound as associated data. Before releasing a share, every server
// independently re-simulates the presented approval call against the ledger;
// a client can therefore never obtain shares for an identity the ledger has
// not approved.
package memkeyserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/seal"
)

const (
	masterSecretLength = 32
	shareLength        = chacha20poly1305.KeySize
)

// ErrApprovalRejected is used when a key server's own ledger simulation
// rejects the presented approval call.
var ErrApprovalRejected = errors.New("key server rejected the authorization proof")

type server struct {
	id           string
	masterSecret []byte
}

// deriveShare is the server's identity-key derivation: a deterministic
// function of the master secret and the identity only, so shares fetched at
// decrypt time match the ones combined at encrypt time.
func (s *server) deriveShare(identity []byte) ([]byte, error) {
	share := make([]byte, shareLength)

	reader := hkdf.New(sha3.New256, s.masterSecret, nil, identity)

	_, err := io.ReadFull(reader, share)
	if err != nil {
		return nil, fmt.Errorf("server %s failed to derive key share: %w", s.id, err)
	}

	return share, nil
}

// Cluster is an in-memory key-server network bound to one package scope.
type Cluster struct {
	servers      []*server
	ledger       ledger.Facade
	packageScope string
}

// New creates a cluster of serverCount servers with fresh master secrets.
// The ledger facade is what each server consults to validate approvals.
func New(serverCount int, ledgerFacade ledger.Facade, packageScope string) (*Cluster, error) {
	if serverCount < 1 {
		return nil, fmt.Errorf("a key-server cluster requires at least one server")
	}

	servers := make([]*server, serverCount)

	for i := range servers {
		masterSecret := make([]byte, masterSecretLength)

		_, err := rand.Read(masterSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to generate master secret: %w", err)
		}

		servers[i] = &server{id: fmt.Sprintf("keyserver-%d", i), masterSecret: masterSecret}
	}

	return &Cluster{servers: servers, ledger: ledgerFacade, packageScope: packageScope}, nil
}

type envelope struct {
	Identity  []byte `json:"identity"`
	Threshold int    `json:"threshold"`
	Nonce     []byte `json:"nonce"`
	Sealed    []byte `json:"sealed"`
}

// Encrypt encrypts data under the identity so that the first threshold
// servers' shares are required to recover it.
func (c *Cluster) Encrypt(ctx context.Context, identity, data []byte, threshold int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if threshold < 1 || threshold > len(c.servers) {
		return nil, fmt.Errorf("threshold %d is outside the cluster size of %d", threshold, len(c.servers))
	}

	key, err := c.combineShares(identity, threshold)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)

	_, err = rand.Read(nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, data, identity)

	ciphertext, err := json.Marshal(envelope{
		Identity:  identity,
		Threshold: threshold,
		Nonce:     nonce,
		Sealed:    sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ciphertext envelope: %w", err)
	}

	return ciphertext, nil
}

// FetchKeys releases one share per server, up to threshold. Every server
// validates the proof independently: the proof must decode to a seal-approval
// call for the requested identity, a session proof must be present, and the
// server's own ledger simulation of the call must succeed.
func (c *Cluster) FetchKeys(ctx context.Context, identities [][]byte, proofTxBytes, sessionProof []byte,
	threshold int) ([]seal.KeyShare, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if threshold < 1 || threshold > len(c.servers) {
		return nil, fmt.Errorf("threshold %d is outside the cluster size of %d", threshold, len(c.servers))
	}

	if len(sessionProof) == 0 {
		return nil, fmt.Errorf("%w: missing session proof", ErrApprovalRejected)
	}

	approval, err := ledger.DecodeSealApproveCall(proofTxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrApprovalRejected, err)
	}

	expectedIdentity := seal.Identity(c.packageScope, approval.ContentID)

	for _, identity := range identities {
		if string(identity) != string(expectedIdentity) {
			return nil, fmt.Errorf("%w: requested identity is not covered by the approval", ErrApprovalRejected)
		}
	}

	shares := make([]seal.KeyShare, 0, threshold)

	for i := 0; i < threshold; i++ {
		simulation, err := c.ledger.Simulate(ctx, *approval, approval.Reader)
		if err != nil {
			return nil, fmt.Errorf("server %s failed to evaluate the approval: %w", c.servers[i].id, err)
		}

		if !simulation.Succeeded() {
			return nil, fmt.Errorf("%w: server %s: %s", ErrApprovalRejected, c.servers[i].id, simulation.Error)
		}

		share, err := c.servers[i].deriveShare(expectedIdentity)
		if err != nil {
			return nil, err
		}

		shares = append(shares, seal.KeyShare{Index: i, Share: share})
	}

	return shares, nil
}

// Decrypt recombines the shares and opens the ciphertext. Recombination is
// all-or-nothing: any missing or corrupted share yields an authentication
// failure, never partial plaintext.
func (c *Cluster) Decrypt(ctx context.Context, ciphertext []byte, shares []seal.KeyShare) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var env envelope

	err := json.Unmarshal(ciphertext, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ciphertext envelope: %w", err)
	}

	if len(shares) < env.Threshold {
		return nil, fmt.Errorf("got %d of %d required shares", len(shares), env.Threshold)
	}

	key := make([]byte, shareLength)

	for i := 0; i < env.Threshold; i++ {
		share := shareWithIndex(shares, i)
		if share == nil {
			return nil, fmt.Errorf("missing key share with index %d", i)
		}

		if len(share) != shareLength {
			return nil, fmt.Errorf("key share with index %d has length %d", i, len(share))
		}

		for j := range key {
			key[j] ^= share[j]
		}
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Sealed, env.Identity)
	if err != nil {
		return nil, fmt.Errorf("ciphertext authentication failed: %w", err)
	}

	return plaintext, nil
}

func (c *Cluster) combineShares(identity []byte, threshold int) ([]byte, error) {
	key := make([]byte, shareLength)

	for i := 0; i < threshold; i++ {
		share, err := c.servers[i].deriveShare(identity)
		if err != nil {
			return nil, err
		}

		for j := range key {
			key[j] ^= share[j]
		}
	}

	return key, nil
}

func shareWithIndex(shares []seal.KeyShare, index int) []byte {
	for _, share := range shares {
		if share.Index == index {
			return share.Share
		}
	}

	return nil
}
