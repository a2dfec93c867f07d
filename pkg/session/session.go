/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package session issues, persists and validates the ephemeral signed
// credentials that let a client prove authorization to the key-server
// network without re-signing per message.
//
// A session key is created in two steps: Issue builds the unsigned credential
// and its canonical challenge, an external wallet signer signs the challenge,
// and Finalize verifies the signature and persists the key. Keys expire
// deterministically and are checked locally before every use; they are never
// auto-renewed.
package session

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	jose "github.com/square/go-jose"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/vaulterrors"
)

const (
	logModuleName = "covault-session"

	storeName = "session-keys"

	challengeVersionTag = "covault-session-key-v1"
)

var logger = log.New(logModuleName)

// UnsignedSessionKey is a session credential awaiting its wallet signature.
type UnsignedSessionKey struct {
	Address      models.Address `json:"address"`
	PackageScope string         `json:"packageScope"`
	IssuedAt     uint64         `json:"issuedAt"`
	TTLMinutes   uint64         `json:"ttlMinutes"`
	Nonce        string         `json:"nonce"`
}

// Challenge returns the canonical bytes the external signer must sign. The
// encoding is version-tagged and newline-joined so it cannot collide with
// transaction signing payloads.
func (u *UnsignedSessionKey) Challenge() []byte {
	return []byte(fmt.Sprintf("%s\naddress: %s\nscope: %s\nissued-at: %d\nttl-minutes: %d\nnonce: %s",
		challengeVersionTag, u.Address, u.PackageScope, u.IssuedAt, u.TTLMinutes, u.Nonce))
}

// SessionKey is a finalized session credential. It is held exclusively by the
// requesting client; only the derived proof is ever sent to key servers.
type SessionKey struct {
	UnsignedSessionKey

	PublicKey []byte `json:"publicKey"`
	// SignatureJWS is the compact JWS produced by the wallet over Challenge().
	SignatureJWS string `json:"signatureJws"`
}

// IsExpired reports whether the key is past its time-to-live at the given
// unix-millisecond time. Expiry is monotonic in now.
func (k *SessionKey) IsExpired(now uint64) bool {
	return now > k.IssuedAt+k.TTLMinutes*60_000
}

// Proof returns the derived proof bytes presented to the key-server network
// in place of the raw credential.
func (k *SessionKey) Proof() []byte {
	return []byte(k.SignatureJWS)
}

// NowFunc supplies the local clock in unix milliseconds.
type NowFunc func() uint64

// Manager owns the process-local, scope-keyed session key store. The store
// starts empty, entries are only added by Finalize, and expired entries are
// rejected on use rather than garbage-collected.
type Manager struct {
	store storage.Store
	now   NowFunc
}

// Option configures a Manager.
type Option func(m *Manager)

// WithClock overrides the expiry clock.
func WithClock(now NowFunc) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager opens the session key store within the given storage provider.
func NewManager(provider storage.Provider, opts ...Option) (*Manager, error) {
	store, err := provider.OpenStore(storeName)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", storeName, err)
	}

	m := &Manager{store: store, now: NowMillis}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Issue builds an unsigned session key for the given address and package
// scope. The caller must have its challenge signed externally and then call
// Finalize.
func (m *Manager) Issue(address models.Address, packageScope string, ttlMinutes uint64,
) (*UnsignedSessionKey, error) {
	if address.IsZero() {
		return nil, fmt.Errorf("session key address must be a well-formed address")
	}

	if packageScope == "" {
		return nil, fmt.Errorf("session key package scope can't be blank")
	}

	if ttlMinutes == 0 {
		return nil, fmt.Errorf("session key time-to-live must be at least one minute")
	}

	return &UnsignedSessionKey{
		Address:      address,
		PackageScope: packageScope,
		IssuedAt:     m.now(),
		TTLMinutes:   ttlMinutes,
		Nonce:        uuid.New().String(),
	}, nil
}

// Finalize verifies the wallet's compact JWS over the unsigned key's
// challenge and persists the finalized key under its scope. Finalizing a
// scope that already holds a key overwrites it.
func (m *Manager) Finalize(unsigned *UnsignedSessionKey, compactJWS string,
	publicKey ed25519.PublicKey) (*SessionKey, error) {
	signature, err := jose.ParseSigned(compactJWS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session key signature: %w", err)
	}

	payload, err := signature.Verify(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to verify session key signature: %w", err)
	}

	if string(payload) != string(unsigned.Challenge()) {
		return nil, fmt.Errorf("session key signature covers a different challenge")
	}

	signerAddress, err := models.AddressFromPublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	if signerAddress != unsigned.Address {
		return nil, fmt.Errorf("session key signer %s does not own address %s", signerAddress, unsigned.Address)
	}

	key := &SessionKey{
		UnsignedSessionKey: *unsigned,
		PublicKey:          append([]byte(nil), publicKey...),
		SignatureJWS:       compactJWS,
	}

	keyBytes, err := marshalKey(key)
	if err != nil {
		return nil, err
	}

	err = m.store.Put(key.PackageScope, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to store session key for scope %s: %w", key.PackageScope, err)
	}

	logger.Debugf("Finalized session key for address %s, scope %s, valid for %d minutes.",
		key.Address, key.PackageScope, key.TTLMinutes)

	return key, nil
}

// Get returns the session key held for the given scope. Expired keys are
// rejected immediately and unconditionally; the caller must re-issue.
func (m *Manager) Get(packageScope string) (*SessionKey, error) {
	keyBytes, err := m.store.Get(packageScope)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("scope %s: %w", packageScope, vaulterrors.ErrSessionNotFound)
		}

		return nil, fmt.Errorf("failed to retrieve session key for scope %s: %w", packageScope, err)
	}

	key, err := unmarshalKey(keyBytes)
	if err != nil {
		return nil, err
	}

	if key.IsExpired(m.now()) {
		return nil, fmt.Errorf("scope %s: %w", packageScope, vaulterrors.ErrSessionExpired)
	}

	return key, nil
}

func marshalKey(key *SessionKey) ([]byte, error) {
	keyBytes, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session key: %w", err)
	}

	return keyBytes, nil
}

func unmarshalKey(keyBytes []byte) (*SessionKey, error) {
	var key SessionKey

	err := json.Unmarshal(keyBytes, &key)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal session key: %w", err)
	}

	return &key, nil
}

// NowMillis is the default clock: the current time in unix milliseconds.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
