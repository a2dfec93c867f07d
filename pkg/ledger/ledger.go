/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ledger defines the collaborator boundary to the external ledger:
// the typed calls the core submits or simulates, their typed results, and the
// ledger-owned group and message objects. Transaction construction and wire
// encoding are the ledger client's concern, not this package's.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/covault/covault/pkg/contentid"
	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/policy"
	"github.com/covault/covault/pkg/vaulterrors"
)

// DefaultCoinType is the coin type used for fee-bearing calls when the caller
// does not specify one.
const DefaultCoinType = "native"

// TxStatus is the outcome of a submitted or simulated call.
type TxStatus string

// The possible call outcomes.
const (
	StatusSuccess TxStatus = "success"
	StatusFailure TxStatus = "failure"
)

// TxResult is the typed result of a mutating call. A mutating call is atomic:
// either every state change it makes applies, or none do.
type TxResult struct {
	Status    TxStatus `json:"status"`
	Digest    string   `json:"digest"`
	CreatedID string   `json:"createdId,omitempty"`
	Amount    uint64   `json:"amount,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Succeeded reports whether the call reached success status.
func (r *TxResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// SimulationResult is the typed result of a read-only evaluation. TxBytes is
// the canonical encoding of the evaluated call, suitable for presentation to
// the key-server network as an authorization proof.
type SimulationResult struct {
	Status  TxStatus `json:"status"`
	TxBytes []byte   `json:"txBytes"`
	Error   string   `json:"error,omitempty"`
}

// Succeeded reports whether the simulated call would reach success status.
func (r *SimulationResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Group is a ledger-owned membership object.
type Group struct {
	ID      string           `json:"id"`
	Owner   models.Address   `json:"owner"`
	Members []models.Address `json:"members"`
}

// HasMember reports whether addr belongs to the group. The owner is always a
// member.
func (g *Group) HasMember(addr models.Address) bool {
	if addr == g.Owner {
		return true
	}

	for _, member := range g.Members {
		if member == addr {
			return true
		}
	}

	return false
}

// Message is a ledger-owned policy-guarded message object. Policy state only
// mutates through the designated record/settle calls; messages are never
// deleted by this core.
type Message struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"groupId"`
	AuxID     contentid.ContentID `json:"auxId"`
	BlobID    string            `json:"blobId"`
	Owner     models.Address    `json:"owner"`
	Policy    policy.Policy     `json:"policy"`
	CreatedAt uint64            `json:"createdAt"`
}

// Facade is the abstract ledger capability the core depends on.
//
// Submit performs a mutating call atomically. Simulate evaluates a call
// read-only as the given address and never mutates ledger state, so callers
// may retry it freely. The read accessors return decoded, validated objects
// and fail with ErrMalformedLedgerResponse rather than propagating an
// untyped value.
type Facade interface {
	Submit(ctx context.Context, call Call) (*TxResult, error)
	Simulate(ctx context.Context, call Call, as models.Address) (*SimulationResult, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	GetGroup(ctx context.Context, groupID string) (*Group, error)
}

// CallKind discriminates the ledger entry points.
type CallKind string

// The ledger entry points consumed by this core.
const (
	CallMintGroup     CallKind = "mintGroup"
	CallAddMember     CallKind = "addMember"
	CallRemoveMember  CallKind = "removeMember"
	CallMintMessage   CallKind = "mintMessage"
	CallRecordRead    CallKind = "recordRead"
	CallRecordPayment CallKind = "recordPayment"
	CallWithdrawFees  CallKind = "withdrawFees"
	CallRegisterBlob  CallKind = "registerBlob"
	CallCertifyBlob   CallKind = "certifyBlob"
	CallSealApprove   CallKind = "sealApprove"
)

// Call is one typed ledger entry point invocation. The interface is sealed:
// only the call structs in this package implement it.
type Call interface {
	Kind() CallKind
	sealed()
}

// MintGroupCall creates a new group owned by Owner.
type MintGroupCall struct {
	Owner models.Address `json:"owner"`
}

// AddMemberCall adds Member to the group. Owner-only.
type AddMemberCall struct {
	GroupID string         `json:"groupId"`
	Owner   models.Address `json:"owner"`
	Member  models.Address `json:"member"`
}

// RemoveMemberCall removes Member from the group. Owner-only.
type RemoveMemberCall struct {
	GroupID string         `json:"groupId"`
	Owner   models.Address `json:"owner"`
	Member  models.Address `json:"member"`
}

// MintMessageCall creates a policy-guarded message object binding the given
// blob and content ID.
type MintMessageCall struct {
	GroupID string              `json:"groupId"`
	Owner   models.Address      `json:"owner"`
	AuxID   contentid.ContentID `json:"auxId"`
	BlobID  string              `json:"blobId"`
	Policy  policy.Policy       `json:"policy"`
}

// RecordReadCall consumes (or re-confirms) a read-quota slot for Reader.
type RecordReadCall struct {
	MessageID string         `json:"messageId"`
	Reader    models.Address `json:"reader"`
}

// RecordPaymentCall pays the message's access fee for Reader.
type RecordPaymentCall struct {
	MessageID string         `json:"messageId"`
	Reader    models.Address `json:"reader"`
	Amount    uint64         `json:"amount"`
	CoinType  string         `json:"coinType"`
}

// WithdrawFeesCall transfers the collected fees to the policy recipient and
// zeroes the collected amount. Owner-only.
type WithdrawFeesCall struct {
	MessageID string         `json:"messageId"`
	Owner     models.Address `json:"owner"`
	CoinType  string         `json:"coinType"`
}

// ShardConfirmation is a storage node's signed acknowledgement that it holds
// a shard of a registered blob.
type ShardConfirmation struct {
	NodeID     string `json:"nodeId"`
	ShardIndex int    `json:"shardIndex"`
	Signature  []byte `json:"signature"`
}

// RegisterBlobCall reserves a storage slot for a blob with the given root hash.
type RegisterBlobCall struct {
	RootHash  []byte         `json:"rootHash"`
	Size      uint64         `json:"size"`
	Owner     models.Address `json:"owner"`
	Deletable bool           `json:"deletable"`
	Epochs    uint32         `json:"epochs"`
}

// CertifyBlobCall proves that enough storage nodes acknowledged the blob's
// shards.
type CertifyBlobCall struct {
	StorageObjectID string              `json:"storageObjectId"`
	Confirmations   []ShardConfirmation `json:"confirmations"`
}

// SealApproveCall is the policy-authorization entry point evaluated before
// the key-server network releases key shares. It is only ever simulated.
// Payment and CoinType are meaningful for fee-bearing policy variants.
type SealApproveCall struct {
	ContentID contentid.ContentID `json:"contentId"`
	MessageID string              `json:"messageId"`
	Reader    models.Address      `json:"reader"`
	Payment   uint64              `json:"payment"`
	CoinType  string              `json:"coinType"`
}

// Kind implementations.

// Kind returns CallMintGroup.
func (MintGroupCall) Kind() CallKind { return CallMintGroup }

// Kind returns CallAddMember.
func (AddMemberCall) Kind() CallKind { return CallAddMember }

// Kind returns CallRemoveMember.
func (RemoveMemberCall) Kind() CallKind { return CallRemoveMember }

// Kind returns CallMintMessage.
func (MintMessageCall) Kind() CallKind { return CallMintMessage }

// Kind returns CallRecordRead.
func (RecordReadCall) Kind() CallKind { return CallRecordRead }

// Kind returns CallRecordPayment.
func (RecordPaymentCall) Kind() CallKind { return CallRecordPayment }

// Kind returns CallWithdrawFees.
func (WithdrawFeesCall) Kind() CallKind { return CallWithdrawFees }

// Kind returns CallRegisterBlob.
func (RegisterBlobCall) Kind() CallKind { return CallRegisterBlob }

// Kind returns CallCertifyBlob.
func (CertifyBlobCall) Kind() CallKind { return CallCertifyBlob }

// Kind returns CallSealApprove.
func (SealApproveCall) Kind() CallKind { return CallSealApprove }

func (MintGroupCall) sealed()     {}
func (AddMemberCall) sealed()     {}
func (RemoveMemberCall) sealed()  {}
func (MintMessageCall) sealed()   {}
func (RecordReadCall) sealed()    {}
func (RecordPaymentCall) sealed() {}
func (WithdrawFeesCall) sealed()  {}
func (RegisterBlobCall) sealed()  {}
func (CertifyBlobCall) sealed()   {}
func (SealApproveCall) sealed()   {}

type callEnvelope struct {
	Kind CallKind        `json:"kind"`
	Call json.RawMessage `json:"call"`
}

// EncodeCall produces the canonical byte encoding of a call. Simulation
// results carry these bytes so that key servers can independently re-evaluate
// the exact call the client claims was approved.
func EncodeCall(call Call) ([]byte, error) {
	callBytes, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s call: %w", call.Kind(), err)
	}

	envelopeBytes, err := json.Marshal(callEnvelope{Kind: call.Kind(), Call: callBytes})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s call envelope: %w", call.Kind(), err)
	}

	return envelopeBytes, nil
}

// DecodeSealApproveCall decodes canonical call bytes that are expected to
// contain a seal-approval call.
func DecodeSealApproveCall(txBytes []byte) (*SealApproveCall, error) {
	var envelope callEnvelope

	err := json.Unmarshal(txBytes, &envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal call envelope: %w", vaulterrors.ErrMalformedLedgerResponse)
	}

	if envelope.Kind != CallSealApprove {
		return nil, fmt.Errorf("expected a %s call but got %s: %w",
			CallSealApprove, envelope.Kind, vaulterrors.ErrMalformedLedgerResponse)
	}

	var call SealApproveCall

	err = json.Unmarshal(envelope.Call, &call)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal seal-approval call: %w", vaulterrors.ErrMalformedLedgerResponse)
	}

	return &call, nil
}

// DecodeMessage decodes and validates a message object returned by a ledger
// read accessor.
func DecodeMessage(raw []byte) (*Message, error) {
	var message Message

	err := json.Unmarshal(raw, &message)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal message object: %w", vaulterrors.ErrMalformedLedgerResponse)
	}

	if message.ID == "" || message.GroupID == "" {
		return nil, fmt.Errorf("message object is missing its identifiers: %w", vaulterrors.ErrMalformedLedgerResponse)
	}

	if err := message.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("message %s carries an inconsistent policy: %w",
			message.ID, vaulterrors.ErrMalformedLedgerResponse)
	}

	return &message, nil
}

// DecodeGroup decodes and validates a group object returned by a ledger read
// accessor.
func DecodeGroup(raw []byte) (*Group, error) {
	var group Group

	err := json.Unmarshal(raw, &group)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal group object: %w", vaulterrors.ErrMalformedLedgerResponse)
	}

	if group.ID == "" || group.Owner.IsZero() {
		return nil, fmt.Errorf("group object is missing its identifiers: %w", vaulterrors.ErrMalformedLedgerResponse)
	}

	return &group, nil
}
