/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package policy models the on-chain-enforced access policies gating message
// decryption. A policy is a single tagged union; the Compound kind carries one
// time lock, one read quota and one fee gate and requires all three to pass.
package policy

import (
	"fmt"

	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/vaulterrors"
)

// Kind discriminates the policy union.
type Kind string

// The supported policy kinds.
const (
	KindNone        Kind = "none"
	KindTimeLock    Kind = "timeLock"
	KindLimitedRead Kind = "limitedRead"
	KindFeeBased    Kind = "feeBased"
	KindCompound    Kind = "compound"
)

// TimeLock permits decryption only while from ≤ now ≤ to
// (unix-millisecond timestamps).
type TimeLock struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// LimitedRead permits decryption once per unique address for at most MaxReads
// distinct addresses. Readers only ever grows, and never beyond MaxReads.
type LimitedRead struct {
	MaxReads uint64           `json:"maxReads"`
	Readers  []models.Address `json:"readers,omitempty"`
}

// FeeBased permits decryption to addresses that have paid FeeAmount exactly
// once. FeeCollected always equals FeeAmount multiplied by the reader count.
type FeeBased struct {
	FeeAmount    uint64           `json:"feeAmount"`
	Recipient    models.Address   `json:"recipient"`
	Readers      []models.Address `json:"readers,omitempty"`
	FeeCollected uint64           `json:"feeCollected"`
}

// Policy is the tagged union. Exactly one variant is active per message,
// except KindCompound which holds all three parameterized variants at once.
type Policy struct {
	Kind        Kind         `json:"kind"`
	TimeLock    *TimeLock    `json:"timeLock,omitempty"`
	LimitedRead *LimitedRead `json:"limitedRead,omitempty"`
	FeeBased    *FeeBased    `json:"feeBased,omitempty"`
}

// NewNone returns the policy with no gate beyond group membership.
func NewNone() Policy {
	return Policy{Kind: KindNone}
}

// NewTimeLock validates and constructs a time-lock policy.
// Violations fail at construction, they are never silently clamped.
func NewTimeLock(from, to uint64) (Policy, error) {
	if from >= to {
		return Policy{}, fmt.Errorf("time lock window [%d, %d] must have from < to: %w",
			from, to, vaulterrors.ErrInvalidPolicyParameters)
	}

	return Policy{Kind: KindTimeLock, TimeLock: &TimeLock{From: from, To: to}}, nil
}

// NewLimitedRead validates and constructs a read-quota policy.
func NewLimitedRead(maxReads uint64) (Policy, error) {
	if maxReads < 1 {
		return Policy{}, fmt.Errorf("read quota must be at least 1: %w", vaulterrors.ErrInvalidPolicyParameters)
	}

	return Policy{Kind: KindLimitedRead, LimitedRead: &LimitedRead{MaxReads: maxReads}}, nil
}

// NewFeeBased validates and constructs a fee-gated policy.
func NewFeeBased(feeAmount uint64, recipient models.Address) (Policy, error) {
	if recipient.IsZero() {
		return Policy{}, fmt.Errorf("fee recipient must be a well-formed address: %w",
			vaulterrors.ErrInvalidPolicyParameters)
	}

	return Policy{Kind: KindFeeBased, FeeBased: &FeeBased{FeeAmount: feeAmount, Recipient: recipient}}, nil
}

// NewCompound combines one policy of each parameterized kind. Decryption
// requires all three sub-policies to independently authorize.
func NewCompound(timeLock, limitedRead, feeBased Policy) (Policy, error) {
	if timeLock.Kind != KindTimeLock || limitedRead.Kind != KindLimitedRead || feeBased.Kind != KindFeeBased {
		return Policy{}, fmt.Errorf("a compound policy requires exactly one time lock, one limited read "+
			"and one fee based sub-policy: %w", vaulterrors.ErrInvalidPolicyParameters)
	}

	return Policy{
		Kind:        KindCompound,
		TimeLock:    timeLock.TimeLock,
		LimitedRead: limitedRead.LimitedRead,
		FeeBased:    feeBased.FeeBased,
	}, nil
}

// IsSatisfied reports whether now falls inside the lock window.
func (t *TimeLock) IsSatisfied(now uint64) bool {
	return t.From <= now && now <= t.To
}

// IsSatisfied reports whether addr may read: either it already holds a slot
// or a slot remains.
func (l *LimitedRead) IsSatisfied(addr models.Address) bool {
	return hasReader(l.Readers, addr) || uint64(len(l.Readers)) < l.MaxReads
}

// RecordRead inserts addr into the reader set. Repeat reads by the same
// address succeed without consuming additional quota.
func (l *LimitedRead) RecordRead(addr models.Address) error {
	if hasReader(l.Readers, addr) {
		return nil
	}

	if uint64(len(l.Readers)) >= l.MaxReads {
		return fmt.Errorf("message has already been read by the maximum of %d readers: %w",
			l.MaxReads, vaulterrors.ErrQuotaExceeded)
	}

	l.Readers = append(l.Readers, addr)

	return nil
}

// HasRead reports whether addr already holds a read slot.
func (l *LimitedRead) HasRead(addr models.Address) bool {
	return hasReader(l.Readers, addr)
}

// HasPaid reports whether addr has already paid the fee.
func (f *FeeBased) HasPaid(addr models.Address) bool {
	return hasReader(f.Readers, addr)
}

// IsSatisfied reports whether addr may read: either it has already paid or
// the offered payment matches the fee exactly.
func (f *FeeBased) IsSatisfied(addr models.Address, paidAmount uint64) bool {
	return hasReader(f.Readers, addr) || paidAmount == f.FeeAmount
}

// RecordPayment records the fee payment for addr. Each address pays exactly
// once; a payment that does not match the fee exactly is rejected.
func (f *FeeBased) RecordPayment(addr models.Address, amount uint64) error {
	if hasReader(f.Readers, addr) {
		return fmt.Errorf("address %s: %w", addr, vaulterrors.ErrAlreadyPaid)
	}

	if amount != f.FeeAmount {
		return fmt.Errorf("payment of %d does not match the required fee of %d: %w",
			amount, f.FeeAmount, vaulterrors.ErrInsufficientPayment)
	}

	f.Readers = append(f.Readers, addr)
	f.FeeCollected += amount

	return nil
}

// Authorize checks the policy for the given reader without mutating it.
// For compound policies the checks short-circuit in the order
// time lock → read quota → fee so the cheapest, most user-actionable failure
// surfaces first (an expired window is reported before payment is requested).
func (p Policy) Authorize(now uint64, addr models.Address, paidAmount uint64) error {
	switch p.Kind {
	case KindNone:
		return nil
	case KindTimeLock:
		return p.authorizeTimeLock(now)
	case KindLimitedRead:
		return p.authorizeLimitedRead(addr)
	case KindFeeBased:
		return p.authorizeFeeBased(addr, paidAmount)
	case KindCompound:
		if err := p.authorizeTimeLock(now); err != nil {
			return err
		}

		if err := p.authorizeLimitedRead(addr); err != nil {
			return err
		}

		return p.authorizeFeeBased(addr, paidAmount)
	default:
		return fmt.Errorf("unknown policy kind %q: %w", p.Kind, vaulterrors.ErrMalformedLedgerResponse)
	}
}

func (p Policy) authorizeTimeLock(now uint64) error {
	if !p.TimeLock.IsSatisfied(now) {
		return fmt.Errorf("time %d is outside the lock window [%d, %d]: %w",
			now, p.TimeLock.From, p.TimeLock.To, vaulterrors.ErrPolicyNotSatisfied)
	}

	return nil
}

func (p Policy) authorizeLimitedRead(addr models.Address) error {
	if !p.LimitedRead.IsSatisfied(addr) {
		return fmt.Errorf("address %s: %w", addr, vaulterrors.ErrQuotaExceeded)
	}

	return nil
}

func (p Policy) authorizeFeeBased(addr models.Address, paidAmount uint64) error {
	if !p.FeeBased.IsSatisfied(addr, paidAmount) {
		return fmt.Errorf("address %s offered %d of the required fee of %d: %w",
			addr, paidAmount, p.FeeBased.FeeAmount, vaulterrors.ErrInsufficientPayment)
	}

	return nil
}

// Validate checks that the union's tag matches its populated variants. It is
// used when decoding policies received from the ledger.
func (p Policy) Validate() error {
	var wellFormed bool

	switch p.Kind {
	case KindNone:
		wellFormed = p.TimeLock == nil && p.LimitedRead == nil && p.FeeBased == nil
	case KindTimeLock:
		wellFormed = p.TimeLock != nil && p.LimitedRead == nil && p.FeeBased == nil
	case KindLimitedRead:
		wellFormed = p.TimeLock == nil && p.LimitedRead != nil && p.FeeBased == nil
	case KindFeeBased:
		wellFormed = p.TimeLock == nil && p.LimitedRead == nil && p.FeeBased != nil
	case KindCompound:
		wellFormed = p.TimeLock != nil && p.LimitedRead != nil && p.FeeBased != nil
	}

	if !wellFormed {
		return fmt.Errorf("policy kind %q does not match its populated variants: %w",
			p.Kind, vaulterrors.ErrInvalidPolicyParameters)
	}

	return nil
}

// Clone returns a deep copy, so simulations can evaluate policy state without
// mutating the ledger-held original.
func (p Policy) Clone() Policy {
	clone := Policy{Kind: p.Kind}

	if p.TimeLock != nil {
		timeLock := *p.TimeLock
		clone.TimeLock = &timeLock
	}

	if p.LimitedRead != nil {
		limitedRead := *p.LimitedRead
		limitedRead.Readers = append([]models.Address(nil), p.LimitedRead.Readers...)
		clone.LimitedRead = &limitedRead
	}

	if p.FeeBased != nil {
		feeBased := *p.FeeBased
		feeBased.Readers = append([]models.Address(nil), p.FeeBased.Readers...)
		clone.FeeBased = &feeBased
	}

	return clone
}

func hasReader(readers []models.Address, addr models.Address) bool {
	for _, reader := range readers {
		if reader == addr {
			return true
		}
	}

	return false
}
