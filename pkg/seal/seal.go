/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package seal performs identity-based threshold encryption and decryption
// against an external key-server network, gated by ledger policy checks and
// session credentials.
//
// The cryptographic primitives of the threshold scheme belong to the network;
// this package defines the protocol around them: an authorization simulation
// must succeed before the network is ever asked to release key shares.
package seal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/covault/covault/pkg/contentid"
	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/session"
	"github.com/covault/covault/pkg/vaulterrors"
)

const logModuleName = "covault-seal"

var logger = log.New(logModuleName)

// KeyShare is one key server's contribution to a decryption key.
type KeyShare struct {
	Index int    `json:"index"`
	Share []byte `json:"share"`
}

// Network is the external threshold key-server network capability.
//
// Encrypt encrypts data under the given identity so that at least threshold
// key shares are required to decrypt. FetchKeys releases key shares after the
// network validates the presented authorization proof; it returns an error on
// any share-count shortfall. Decrypt recombines shares locally and opens the
// ciphertext; recombination is all-or-nothing.
type Network interface {
	Encrypt(ctx context.Context, identity, data []byte, threshold int) ([]byte, error)
	FetchKeys(ctx context.Context, identities [][]byte, proofTxBytes, sessionProof []byte,
		threshold int) ([]KeyShare, error)
	Decrypt(ctx context.Context, ciphertext []byte, shares []KeyShare) ([]byte, error)
}

// Identity returns the encryption identity for a content ID within a package
// scope.
func Identity(packageScope string, id contentid.ContentID) []byte {
	identity := make([]byte, 0, len(packageScope)+1+len(id))
	identity = append(identity, packageScope...)
	identity = append(identity, ':')
	identity = append(identity, id...)

	return identity
}

// Metadata describes how an EncryptedObject was produced.
type Metadata struct {
	Threshold    int    `json:"threshold"`
	PackageScope string `json:"packageScope"`
}

// EncryptedObject is an immutable ciphertext bound to its content ID. The
// content ID embedded here must match the aux ID of the corresponding ledger
// message; the binding is checked at decrypt time.
type EncryptedObject struct {
	ContentID  contentid.ContentID `json:"contentId"`
	Ciphertext []byte              `json:"ciphertext"`
	Metadata   Metadata            `json:"metadata"`
}

// Marshal serializes the object for blob storage.
func (o *EncryptedObject) Marshal() ([]byte, error) {
	objectBytes, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal encrypted object: %w", err)
	}

	return objectBytes, nil
}

// ParseEncryptedObject deserializes an encrypted object fetched from blob
// storage.
func ParseEncryptedObject(objectBytes []byte) (*EncryptedObject, error) {
	var object EncryptedObject

	err := json.Unmarshal(objectBytes, &object)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal encrypted object: %w", err)
	}

	if len(object.ContentID) <= contentid.PrefixLength {
		return nil, fmt.Errorf("encrypted object carries a content ID of %d bytes: %w",
			len(object.ContentID), vaulterrors.ErrMalformedContentID)
	}

	return &object, nil
}

// Engine orchestrates encryption and policy-gated decryption.
type Engine struct {
	network  Network
	ledger   ledger.Facade
	coinType string
	now      func() uint64
}

// Option configures an Engine.
type Option func(e *Engine)

// WithCoinType sets the coin type used in fee-bearing approval calls.
func WithCoinType(coinType string) Option {
	return func(e *Engine) {
		e.coinType = coinType
	}
}

// WithClock overrides the clock used for local session expiry checks.
func WithClock(now func() uint64) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New returns an Engine backed by the given key-server network and ledger.
func New(network Network, ledgerFacade ledger.Facade, opts ...Option) *Engine {
	e := &Engine{
		network:  network,
		ledger:   ledgerFacade,
		coinType: ledger.DefaultCoinType,
		now:      session.NowMillis,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Encrypt encrypts plaintext under the identity formed from the package scope
// and content ID. The ciphertext is randomized between runs, but decryption
// always succeeds given a valid session key and satisfied policy.
func (e *Engine) Encrypt(ctx context.Context, id contentid.ContentID, plaintext []byte,
	threshold int, packageScope string) (*EncryptedObject, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1")
	}

	if _, _, err := contentid.Split(id); err != nil {
		return nil, err
	}

	ciphertext, err := e.network.Encrypt(ctx, Identity(packageScope, id), plaintext, threshold)
	if err != nil {
		return nil, fmt.Errorf("key-server network failed to encrypt: %w", err)
	}

	return &EncryptedObject{
		ContentID:  append(contentid.ContentID(nil), id...),
		Ciphertext: ciphertext,
		Metadata:   Metadata{Threshold: threshold, PackageScope: packageScope},
	}, nil
}

// Decrypt recovers the plaintext of an encrypted object.
//
// The ledger's policy evaluation is a hard precondition: a failed simulation
// aborts the call before the key-server network is ever contacted, keeping
// the network's access decision delegated to the ledger. Decrypting performs
// no ledger mutation; first-time quota or fee consumption is recorded by a
// separate, explicit lifecycle call.
func (e *Engine) Decrypt(ctx context.Context, object *EncryptedObject, sessionKey *session.SessionKey,
	message *ledger.Message) ([]byte, error) {
	if sessionKey.IsExpired(e.now()) {
		return nil, fmt.Errorf("scope %s: %w", sessionKey.PackageScope, vaulterrors.ErrSessionExpired)
	}

	if !object.ContentID.Equal(message.AuxID) {
		return nil, fmt.Errorf("message %s: %w", message.ID, vaulterrors.ErrContentIDMismatch)
	}

	approval := ledger.SealApproveCall{
		ContentID: object.ContentID,
		MessageID: message.ID,
		Reader:    sessionKey.Address,
		CoinType:  e.coinType,
	}

	simulation, err := e.ledger.Simulate(ctx, approval, sessionKey.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate seal approval for message %s: %w", message.ID, err)
	}

	if !simulation.Succeeded() {
		return nil, fmt.Errorf("ledger rejected seal approval for message %s: %s: %w",
			message.ID, simulation.Error, vaulterrors.ErrPolicyNotSatisfied)
	}

	identity := Identity(object.Metadata.PackageScope, object.ContentID)

	shares, err := e.network.FetchKeys(ctx, [][]byte{identity}, simulation.TxBytes,
		sessionKey.Proof(), object.Metadata.Threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vaulterrors.ErrKeyFetchFailed, err)
	}

	if len(shares) < object.Metadata.Threshold {
		return nil, fmt.Errorf("%w: got %d of %d required shares", vaulterrors.ErrKeyFetchFailed,
			len(shares), object.Metadata.Threshold)
	}

	plaintext, err := e.network.Decrypt(ctx, object.Ciphertext, shares)
	if err != nil {
		logger.Errorf("Failed to open ciphertext for message %s after a successful approval: %s.", message.ID, err)

		return nil, fmt.Errorf("%w: %s", vaulterrors.ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
