/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package vaulterrors defines the error values shared across covault packages
// along with their classification, so that callers can distinguish caller
// bugs, authorization failures, retryable infrastructure faults and fatal
// integrity violations.
package vaulterrors

import "errors"

const (
	// ErrInvalidPolicyParameters is used when an attempt is made to construct a policy
	// with parameters that can never be satisfied (e.g. a time window that ends before it starts).
	ErrInvalidPolicyParameters = vaultError("invalid policy parameters")

	// ErrPolicyNotSatisfied is used when the ledger's policy evaluation rejects a decryption attempt.
	// It may become satisfiable later (e.g. once a time window opens).
	ErrPolicyNotSatisfied = vaultError("access policy not satisfied")
	// ErrSessionExpired is used when a session key is past its time-to-live.
	// The caller must issue and finalize a new session key.
	ErrSessionExpired = vaultError("session key expired, create a new one")
	// ErrSessionNotFound is used when no session key has been finalized for the requested scope.
	ErrSessionNotFound = vaultError("no session key exists for the given scope")
	// ErrQuotaExceeded is used when a limited-read policy has no remaining read slots
	// for a new reader.
	ErrQuotaExceeded = vaultError("read quota exceeded")
	// ErrAlreadyPaid is used when a reader attempts to pay the access fee a second time.
	ErrAlreadyPaid = vaultError("reader already paid the access fee")
	// ErrInsufficientPayment is used when a payment does not match the required fee amount exactly.
	ErrInsufficientPayment = vaultError("payment must equal the required fee amount exactly")
	// ErrNotGroupMember is used when the acting address is not a member of the message's group.
	ErrNotGroupMember = vaultError("address is not a member of the group")
	// ErrNotOwner is used when an owner-only call is attempted by a different address.
	ErrNotOwner = vaultError("caller is not the owner")
	// ErrNoFeesToWithdraw is used when a fee settlement finds nothing collected.
	ErrNoFeesToWithdraw = vaultError("no fees to withdraw")

	// ErrRegistrationFailed is used when the blob registration transaction does not reach success status.
	ErrRegistrationFailed = vaultError("blob registration transaction failed")
	// ErrCertificationFailed is used when the blob certification transaction does not reach success status.
	ErrCertificationFailed = vaultError("blob certification transaction failed")
	// ErrKeyFetchFailed is used when the key-server network returns fewer key shares than the threshold.
	ErrKeyFetchFailed = vaultError("failed to fetch enough key shares from the key-server network")
	// ErrBlobUnavailable is used when a blob could not be fetched from any mirror within a call.
	ErrBlobUnavailable = vaultError("blob is unavailable from the configured mirrors")

	// ErrMalformedContentID is used when a content ID is too short to contain its namespace prefix.
	ErrMalformedContentID = vaultError("malformed content ID")
	// ErrDecryptionFailed is used when recovered key material fails to open a ciphertext.
	ErrDecryptionFailed = vaultError("decryption failed")
	// ErrContentIDMismatch is used when the content ID embedded in a ciphertext does not match
	// the aux ID recorded in the corresponding message.
	ErrContentIDMismatch = vaultError("encrypted object content ID does not match the message aux ID")
	// ErrMalformedLedgerResponse is used when a ledger read accessor returns a value that
	// cannot be decoded into its typed result.
	ErrMalformedLedgerResponse = vaultError("malformed ledger response")
)

type vaultError string

// Error returns the associated error message.
// This satisfies the built-in error interface.
func (e vaultError) Error() string { return string(e) }

// Class is the covault error taxonomy.
type Class int

const (
	// ClassUnknown is returned for errors outside the covault taxonomy.
	ClassUnknown Class = iota
	// ClassConstruction marks caller bugs. Never retried.
	ClassConstruction
	// ClassAuthorization marks policy/session rejections, sometimes actionable
	// by retrying after a state change.
	ClassAuthorization
	// ClassInfrastructure marks transient faults that are safe to retry with backoff.
	ClassInfrastructure
	// ClassIntegrity marks fatal inconsistencies that must never be retried.
	ClassIntegrity
)

// Classify maps an error (possibly wrapped) onto the covault taxonomy.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrInvalidPolicyParameters):
		return ClassConstruction
	case errors.Is(err, ErrPolicyNotSatisfied), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrInsufficientPayment),
		errors.Is(err, ErrNotGroupMember), errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrNoFeesToWithdraw):
		return ClassAuthorization
	case errors.Is(err, ErrRegistrationFailed), errors.Is(err, ErrCertificationFailed),
		errors.Is(err, ErrKeyFetchFailed), errors.Is(err, ErrBlobUnavailable):
		return ClassInfrastructure
	case errors.Is(err, ErrMalformedContentID), errors.Is(err, ErrDecryptionFailed),
		errors.Is(err, ErrContentIDMismatch), errors.Is(err, ErrMalformedLedgerResponse):
		return ClassIntegrity
	default:
		return ClassUnknown
	}
}

// IsRetryable reports whether the error is an infrastructure fault that a
// client may retry with backoff. Authorization errors are deliberately not
// retryable here: they require a state change, not a retry loop.
func IsRetryable(err error) bool {
	return Classify(err) == ClassInfrastructure
}
