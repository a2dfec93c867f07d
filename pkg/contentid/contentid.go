/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package contentid derives and splits the namespaced identifiers that bind a
// ciphertext to its authorizing on-chain message.
package contentid

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"

	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/vaulterrors"
)

const (
	// PrefixLength is the fixed namespace prefix width: one ledger address.
	PrefixLength = models.AddressLength
	// NonceLength is the number of random bytes appended to the prefix.
	NonceLength = 16
)

type generateRandomBytesFunc func([]byte) (int, error)

// ContentID is a namespace prefix followed by a per-content nonce. It is used
// both as the encryption identity and as the correlation key between the
// on-chain message object and the off-chain ciphertext.
type ContentID []byte

// Derive generates a fresh content ID under the given namespace prefix using
// a cryptographically secure random number generator.
func Derive(prefix []byte) (ContentID, error) {
	return derive(prefix, rand.Read)
}

func derive(prefix []byte, generateRandomBytes generateRandomBytesFunc) (ContentID, error) {
	if len(prefix) != PrefixLength {
		return nil, fmt.Errorf("namespace prefix must be %d bytes long, but it is %d bytes long instead: %w",
			PrefixLength, len(prefix), vaulterrors.ErrMalformedContentID)
	}

	nonce := make([]byte, NonceLength)

	_, err := generateRandomBytes(nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content ID nonce: %w", err)
	}

	id := make(ContentID, 0, PrefixLength+NonceLength)
	id = append(id, prefix...)
	id = append(id, nonce...)

	return id, nil
}

// Split separates a content ID into its namespace prefix and nonce by fixed
// byte offset.
func Split(id ContentID) (prefix, nonce []byte, err error) {
	if len(id) <= PrefixLength {
		return nil, nil, fmt.Errorf("content ID must be longer than %d bytes, but it is %d bytes long instead: %w",
			PrefixLength, len(id), vaulterrors.ErrMalformedContentID)
	}

	return id[:PrefixLength], id[PrefixLength:], nil
}

// Parse decodes the base58 string form of a content ID.
func Parse(idStr string) (ContentID, error) {
	decoded := base58.Decode(idStr)
	if len(decoded) <= PrefixLength {
		return nil, fmt.Errorf("decoded content ID is %d bytes long: %w", len(decoded),
			vaulterrors.ErrMalformedContentID)
	}

	return decoded, nil
}

// Equal reports whether two content IDs are byte-identical.
func (c ContentID) Equal(other ContentID) bool {
	return bytes.Equal(c, other)
}

// String returns the base58 form of the content ID.
func (c ContentID) String() string {
	return base58.Encode(c)
}
