/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package memledger is an in-memory ledger.Facade. Useful for local
// development and testing. Every mutating call executes atomically under a
// single mutex, which also provides the per-(message, reader) linearization
// the core relies on.
package memledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covault/covault/pkg/contentid"
	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/policy"
	"github.com/covault/covault/pkg/vaulterrors"
)

// ErrGroupNotFound is used when a call references a group that was never minted.
var ErrGroupNotFound = errors.New("specified group does not exist")

// ErrMessageNotFound is used when a call references a message that was never minted.
var ErrMessageNotFound = errors.New("specified message does not exist")

// ErrStorageObjectNotFound is used when a certification references an unregistered storage object.
var ErrStorageObjectNotFound = errors.New("specified storage object does not exist")

// NowFunc supplies the ledger clock in unix milliseconds.
type NowFunc func() uint64

// Ledger is an in-memory implementation of ledger.Facade.
type Ledger struct {
	mutex          sync.Mutex
	groups         map[string]*ledger.Group
	messages       map[string]*ledger.Message
	storageObjects map[string]*storageObject
	now            NowFunc
}

type storageObject struct {
	rootHash  []byte
	size      uint64
	owner     models.Address
	certified bool
}

// Option configures the in-memory ledger.
type Option func(l *Ledger)

// WithClock overrides the ledger clock. Tests use it to drive time-locked
// policies deterministically.
func WithClock(now NowFunc) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New instantiates an empty in-memory ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		groups:         make(map[string]*ledger.Group),
		messages:       make(map[string]*ledger.Message),
		storageObjects: make(map[string]*storageObject),
		now:            func() uint64 { return uint64(time.Now().UnixMilli()) },
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Submit executes a mutating call atomically. On a validation failure the
// returned TxResult carries failure status and the returned error wraps the
// corresponding sentinel, so callers can use errors.Is directly.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (*ledger.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if call.Kind() == ledger.CallSealApprove {
		return nil, fmt.Errorf("%s calls are simulate-only and can never be submitted", ledger.CallSealApprove)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	result := &ledger.TxResult{Status: ledger.StatusSuccess, Digest: uuid.New().String()}

	err := l.executeLocked(call, result)
	if err != nil {
		result.Status = ledger.StatusFailure
		result.Error = err.Error()

		return result, err
	}

	return result, nil
}

// Simulate evaluates a call read-only as the given address. State mutations
// run against a deep copy, so simulating is always safe to retry.
func (l *Ledger) Simulate(ctx context.Context, call ledger.Call, as models.Address,
) (*ledger.SimulationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txBytes, err := ledger.EncodeCall(call)
	if err != nil {
		return nil, err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	result := &ledger.SimulationResult{Status: ledger.StatusSuccess, TxBytes: txBytes}

	if approve, ok := call.(ledger.SealApproveCall); ok {
		err = l.evaluateSealApprovalLocked(approve, as)
	} else {
		scratch := l.cloneLocked()
		err = scratch.executeLocked(call, &ledger.TxResult{})
	}

	if err != nil {
		result.Status = ledger.StatusFailure
		result.Error = err.Error()
	}

	return result, nil
}

// GetMessage returns the decoded message object.
func (l *Ledger) GetMessage(ctx context.Context, messageID string) (*ledger.Message, error) {
	raw, err := l.rawObject(ctx, messageID, true)
	if err != nil {
		return nil, err
	}

	return ledger.DecodeMessage(raw)
}

// GetGroup returns the decoded group object.
func (l *Ledger) GetGroup(ctx context.Context, groupID string) (*ledger.Group, error) {
	raw, err := l.rawObject(ctx, groupID, false)
	if err != nil {
		return nil, err
	}

	return ledger.DecodeGroup(raw)
}

func (l *Ledger) executeLocked(call ledger.Call, result *ledger.TxResult) error {
	switch c := call.(type) {
	case ledger.MintGroupCall:
		return l.mintGroupLocked(c, result)
	case ledger.AddMemberCall:
		return l.changeMembershipLocked(c.GroupID, c.Owner, c.Member, true)
	case ledger.RemoveMemberCall:
		return l.changeMembershipLocked(c.GroupID, c.Owner, c.Member, false)
	case ledger.MintMessageCall:
		return l.mintMessageLocked(c, result)
	case ledger.RecordReadCall:
		return l.recordReadLocked(c)
	case ledger.RecordPaymentCall:
		return l.recordPaymentLocked(c)
	case ledger.WithdrawFeesCall:
		return l.withdrawFeesLocked(c, result)
	case ledger.RegisterBlobCall:
		return l.registerBlobLocked(c, result)
	case ledger.CertifyBlobCall:
		return l.certifyBlobLocked(c)
	default:
		return fmt.Errorf("unsupported call kind %s", call.Kind())
	}
}

func (l *Ledger) mintGroupLocked(call ledger.MintGroupCall, result *ledger.TxResult) error {
	if call.Owner.IsZero() {
		return errors.New("group owner must be a well-formed address")
	}

	group := &ledger.Group{ID: newObjectID(), Owner: call.Owner}

	l.groups[group.ID] = group
	result.CreatedID = group.ID

	return nil
}

func (l *Ledger) changeMembershipLocked(groupID string, owner, member models.Address, add bool) error {
	group, exists := l.groups[groupID]
	if !exists {
		return fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}

	if group.Owner != owner {
		return fmt.Errorf("only the group owner may change membership: %w", vaulterrors.ErrNotOwner)
	}

	remaining := group.Members[:0]

	for _, existing := range group.Members {
		if existing == member {
			if add {
				return nil // already a member, adding again is a no-op
			}

			continue
		}

		remaining = append(remaining, existing)
	}

	group.Members = remaining

	if add {
		group.Members = append(group.Members, member)
	}

	return nil
}

func (l *Ledger) mintMessageLocked(call ledger.MintMessageCall, result *ledger.TxResult) error {
	group, exists := l.groups[call.GroupID]
	if !exists {
		return fmt.Errorf("group %s: %w", call.GroupID, ErrGroupNotFound)
	}

	if !group.HasMember(call.Owner) {
		return fmt.Errorf("message owner %s: %w", call.Owner, vaulterrors.ErrNotGroupMember)
	}

	if err := call.Policy.Validate(); err != nil {
		return err
	}

	if _, _, err := contentid.Split(call.AuxID); err != nil {
		return err
	}

	if call.BlobID == "" {
		return errors.New("message must reference a blob")
	}

	message := &ledger.Message{
		ID:        newObjectID(),
		GroupID:   call.GroupID,
		AuxID:     append(contentid.ContentID(nil), call.AuxID...),
		BlobID:    call.BlobID,
		Owner:     call.Owner,
		Policy:    call.Policy.Clone(),
		CreatedAt: l.now(),
	}

	l.messages[message.ID] = message
	result.CreatedID = message.ID

	return nil
}

func (l *Ledger) recordReadLocked(call ledger.RecordReadCall) error {
	message, err := l.messageForReaderLocked(call.MessageID, call.Reader)
	if err != nil {
		return err
	}

	if message.Policy.LimitedRead == nil {
		return fmt.Errorf("message %s has no read quota to record against", call.MessageID)
	}

	if err := l.checkCompoundWindowLocked(message); err != nil {
		return err
	}

	return message.Policy.LimitedRead.RecordRead(call.Reader)
}

func (l *Ledger) recordPaymentLocked(call ledger.RecordPaymentCall) error {
	message, err := l.messageForReaderLocked(call.MessageID, call.Reader)
	if err != nil {
		return err
	}

	if message.Policy.FeeBased == nil {
		return fmt.Errorf("message %s has no access fee to pay", call.MessageID)
	}

	if err := l.checkCompoundWindowLocked(message); err != nil {
		return err
	}

	return message.Policy.FeeBased.RecordPayment(call.Reader, call.Amount)
}

func (l *Ledger) withdrawFeesLocked(call ledger.WithdrawFeesCall, result *ledger.TxResult) error {
	message, exists := l.messages[call.MessageID]
	if !exists {
		return fmt.Errorf("message %s: %w", call.MessageID, ErrMessageNotFound)
	}

	if message.Owner != call.Owner {
		return fmt.Errorf("only the message owner may withdraw fees: %w", vaulterrors.ErrNotOwner)
	}

	if message.Policy.FeeBased == nil {
		return fmt.Errorf("message %s has no access fee to withdraw", call.MessageID)
	}

	if message.Policy.FeeBased.FeeCollected == 0 {
		return vaulterrors.ErrNoFeesToWithdraw
	}

	result.Amount = message.Policy.FeeBased.FeeCollected
	message.Policy.FeeBased.FeeCollected = 0

	return nil
}

func (l *Ledger) registerBlobLocked(call ledger.RegisterBlobCall, result *ledger.TxResult) error {
	if len(call.RootHash) == 0 || call.Size == 0 {
		return fmt.Errorf("blob registration requires a root hash and a non-zero size: %w",
			vaulterrors.ErrRegistrationFailed)
	}

	object := &storageObject{
		rootHash: append([]byte(nil), call.RootHash...),
		size:     call.Size,
		owner:    call.Owner,
	}

	id := newObjectID()
	l.storageObjects[id] = object
	result.CreatedID = id

	return nil
}

func (l *Ledger) certifyBlobLocked(call ledger.CertifyBlobCall) error {
	object, exists := l.storageObjects[call.StorageObjectID]
	if !exists {
		return fmt.Errorf("storage object %s: %w: %s", call.StorageObjectID,
			vaulterrors.ErrCertificationFailed, ErrStorageObjectNotFound)
	}

	if len(call.Confirmations) == 0 {
		return fmt.Errorf("certification requires at least one shard confirmation: %w",
			vaulterrors.ErrCertificationFailed)
	}

	object.certified = true

	return nil
}

// evaluateSealApprovalLocked checks the cross-entity content ID binding,
// group membership and the policy itself, in that order, without mutating
// any state.
func (l *Ledger) evaluateSealApprovalLocked(call ledger.SealApproveCall, as models.Address) error {
	message, exists := l.messages[call.MessageID]
	if !exists {
		return fmt.Errorf("message %s: %w", call.MessageID, ErrMessageNotFound)
	}

	if !message.AuxID.Equal(call.ContentID) {
		return vaulterrors.ErrContentIDMismatch
	}

	group, exists := l.groups[message.GroupID]
	if !exists {
		return fmt.Errorf("group %s: %w", message.GroupID, ErrGroupNotFound)
	}

	if !group.HasMember(as) {
		return fmt.Errorf("reader %s: %w", as, vaulterrors.ErrNotGroupMember)
	}

	return message.Policy.Clone().Authorize(l.now(), as, call.Payment)
}

// checkCompoundWindowLocked keeps quota and fee state from mutating outside a
// compound policy's time window. Recording a read that the time lock would
// make undecryptable must not consume a slot.
func (l *Ledger) checkCompoundWindowLocked(message *ledger.Message) error {
	if message.Policy.Kind != policy.KindCompound {
		return nil
	}

	if !message.Policy.TimeLock.IsSatisfied(l.now()) {
		return fmt.Errorf("time %d is outside the lock window [%d, %d]: %w",
			l.now(), message.Policy.TimeLock.From, message.Policy.TimeLock.To,
			vaulterrors.ErrPolicyNotSatisfied)
	}

	return nil
}

func (l *Ledger) messageForReaderLocked(messageID string, reader models.Address) (*ledger.Message, error) {
	message, exists := l.messages[messageID]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
	}

	group, exists := l.groups[message.GroupID]
	if !exists {
		return nil, fmt.Errorf("group %s: %w", message.GroupID, ErrGroupNotFound)
	}

	if !group.HasMember(reader) {
		return nil, fmt.Errorf("reader %s: %w", reader, vaulterrors.ErrNotGroupMember)
	}

	return message, nil
}

func (l *Ledger) rawObject(ctx context.Context, id string, wantMessage bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if wantMessage {
		message, exists := l.messages[id]
		if !exists {
			return nil, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
		}

		return marshalObject(message)
	}

	group, exists := l.groups[id]
	if !exists {
		return nil, fmt.Errorf("group %s: %w", id, ErrGroupNotFound)
	}

	return marshalObject(group)
}

func (l *Ledger) cloneLocked() *Ledger {
	clone := &Ledger{
		groups:         make(map[string]*ledger.Group, len(l.groups)),
		messages:       make(map[string]*ledger.Message, len(l.messages)),
		storageObjects: make(map[string]*storageObject, len(l.storageObjects)),
		now:            l.now,
	}

	for id, group := range l.groups {
		groupCopy := *group
		groupCopy.Members = append([]models.Address(nil), group.Members...)
		clone.groups[id] = &groupCopy
	}

	for id, message := range l.messages {
		messageCopy := *message
		messageCopy.AuxID = append(contentid.ContentID(nil), message.AuxID...)
		messageCopy.Policy = message.Policy.Clone()
		clone.messages[id] = &messageCopy
	}

	for id, object := range l.storageObjects {
		objectCopy := *object
		clone.storageObjects[id] = &objectCopy
	}

	return clone
}

func newObjectID() string {
	var raw [models.AddressLength]byte

	_, err := rand.Read(raw[:])
	if err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("failed to read random bytes: %s", err))
	}

	return models.Address(raw).String()
}

func marshalObject(object interface{}) ([]byte, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger object: %w", err)
	}

	return raw, nil
}
