/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package models contains the leaf data types shared across covault packages.
package models

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AddressLength is the width, in bytes, of a ledger address or object ID.
const AddressLength = 32

// Address is a 32-byte ledger account or object identifier.
// Its canonical string form is lowercase hex with a 0x prefix.
type Address [AddressLength]byte

// AddressFromPublicKey derives the ledger address owned by the given Ed25519
// public key (BLAKE2b-256 over the raw key bytes).
func AddressFromPublicKey(publicKey ed25519.PublicKey) (Address, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf("public key must be %d bytes long, but it is %d bytes long instead",
			ed25519.PublicKeySize, len(publicKey))
	}

	return blake2b.Sum256(publicKey), nil
}

// ParseAddress decodes the canonical 0x-prefixed hex string form of an address.
func ParseAddress(addressStr string) (Address, error) {
	trimmed := strings.TrimPrefix(addressStr, "0x")

	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("failed to decode address hex: %w", err)
	}

	if len(decoded) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes long, but it is %d bytes long instead",
			AddressLength, len(decoded))
	}

	var address Address

	copy(address[:], decoded)

	return address, nil
}

// Bytes returns the raw address bytes.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the address is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the canonical 0x-prefixed hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler so addresses can be used as
// JSON object keys and values in their canonical string form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}
