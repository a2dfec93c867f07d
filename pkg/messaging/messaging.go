/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package messaging orchestrates the message lifecycle: minting
// policy-guarded messages, reading them, and settling collected fees.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/covault/covault/pkg/blobstore"
	"github.com/covault/covault/pkg/contentid"
	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/policy"
	"github.com/covault/covault/pkg/seal"
	"github.com/covault/covault/pkg/session"
	"github.com/covault/covault/pkg/vaulterrors"
)

const (
	logModuleName = "covault-messaging"

	defaultThreshold = 2
)

var logger = log.New(logModuleName)

// Service is the message lifecycle orchestrator.
type Service struct {
	ledger       ledger.Facade
	engine       *seal.Engine
	blobs        *blobstore.Client
	sessions     *session.Manager
	packageScope string
	threshold    int
	coinType     string
}

// Option configures the Service.
type Option func(s *Service)

// WithThreshold sets the key-share threshold used when encrypting new
// messages.
func WithThreshold(threshold int) Option {
	return func(s *Service) {
		s.threshold = threshold
	}
}

// WithCoinType sets the coin type used for fee payments and withdrawals.
func WithCoinType(coinType string) Option {
	return func(s *Service) {
		s.coinType = coinType
	}
}

// New returns a lifecycle service operating under the given package scope.
func New(ledgerFacade ledger.Facade, engine *seal.Engine, blobs *blobstore.Client,
	sessions *session.Manager, packageScope string, opts ...Option) *Service {
	s := &Service{
		ledger:       ledgerFacade,
		engine:       engine,
		blobs:        blobs,
		sessions:     sessions,
		packageScope: packageScope,
		threshold:    defaultThreshold,
		coinType:     ledger.DefaultCoinType,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// MintGroup creates a new group owned by owner.
func (s *Service) MintGroup(ctx context.Context, owner models.Address) (*ledger.Group, error) {
	result, err := s.ledger.Submit(ctx, ledger.MintGroupCall{Owner: owner})
	if err != nil {
		return nil, fmt.Errorf("failed to mint group: %w", err)
	}

	return s.ledger.GetGroup(ctx, result.CreatedID)
}

// AddMember adds member to the group. Owner-only.
func (s *Service) AddMember(ctx context.Context, groupID string, owner, member models.Address) error {
	_, err := s.ledger.Submit(ctx, ledger.AddMemberCall{GroupID: groupID, Owner: owner, Member: member})
	if err != nil {
		return fmt.Errorf("failed to add member to group %s: %w", groupID, err)
	}

	return nil
}

// RemoveMember removes member from the group. Owner-only.
func (s *Service) RemoveMember(ctx context.Context, groupID string, owner, member models.Address) error {
	_, err := s.ledger.Submit(ctx, ledger.RemoveMemberCall{GroupID: groupID, Owner: owner, Member: member})
	if err != nil {
		return fmt.Errorf("failed to remove member from group %s: %w", groupID, err)
	}

	return nil
}

// Mint encrypts plaintext, stores the ciphertext blob, and then mints the
// message object binding the blob, the content ID and the policy. All three
// steps must complete; a failure after the blob is stored but before the mint
// succeeds leaves an orphaned blob, which is acceptable — blobs are
// content-addressed and inert without a corresponding message.
func (s *Service) Mint(ctx context.Context, groupID string, owner models.Address,
	pol policy.Policy, plaintext []byte) (*ledger.Message, error) {
	groupAddress, err := models.ParseAddress(groupID)
	if err != nil {
		return nil, fmt.Errorf("group ID is not usable as a content ID namespace: %w", err)
	}

	id, err := contentid.Derive(groupAddress.Bytes())
	if err != nil {
		return nil, err
	}

	object, err := s.engine.Encrypt(ctx, id, plaintext, s.threshold, s.packageScope)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	objectBytes, err := object.Marshal()
	if err != nil {
		return nil, err
	}

	blobID, err := s.blobs.Store(ctx, objectBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to store message ciphertext: %w", err)
	}

	result, err := s.ledger.Submit(ctx, ledger.MintMessageCall{
		GroupID: groupID,
		Owner:   owner,
		AuxID:   id,
		BlobID:  blobID,
		Policy:  pol,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint message: %w", err)
	}

	logger.Debugf("Minted message %s in group %s with policy kind %s and blob %s.",
		result.CreatedID, groupID, pol.Kind, blobID)

	return s.ledger.GetMessage(ctx, result.CreatedID)
}

// Read records the reader's quota slot or fee payment on the ledger as
// required by the message's policy, then fetches and decrypts the content.
//
// Recording and decrypting are two ledger interactions, not one atomic step:
// a crash between them can consume quota without plaintext having been
// delivered. The ledger remains the source of truth — an already-recorded
// reader can always call Read again and decrypt without further mutation.
func (s *Service) Read(ctx context.Context, messageID string, reader models.Address,
	payment uint64) ([]byte, error) {
	message, err := s.ledger.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	err = s.recordAccess(ctx, message, reader, payment)
	if err != nil {
		return nil, err
	}

	blobs, err := s.blobs.Read(ctx, []string{message.BlobID})
	if err != nil {
		return nil, err
	}

	if len(blobs) == 0 {
		return nil, fmt.Errorf("blob %s: %w", message.BlobID, vaulterrors.ErrBlobUnavailable)
	}

	object, err := seal.ParseEncryptedObject(blobs[0].Data)
	if err != nil {
		return nil, err
	}

	sessionKey, err := s.sessions.Get(s.packageScope)
	if err != nil {
		return nil, err
	}

	return s.engine.Decrypt(ctx, object, sessionKey, message)
}

// Settle withdraws the collected fees to the policy recipient and returns
// the withdrawn amount. Owner-only.
func (s *Service) Settle(ctx context.Context, messageID string, owner models.Address) (uint64, error) {
	result, err := s.ledger.Submit(ctx, ledger.WithdrawFeesCall{
		MessageID: messageID,
		Owner:     owner,
		CoinType:  s.coinType,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to withdraw fees for message %s: %w", messageID, err)
	}

	return result.Amount, nil
}

// recordAccess dispatches on the policy variant to the mutating call that
// records the read. The ledger linearizes concurrent readers: when two race
// for the last quota slot, exactly one record succeeds and the loser gets
// ErrQuotaExceeded here, before any decryption is attempted.
func (s *Service) recordAccess(ctx context.Context, message *ledger.Message,
	reader models.Address, payment uint64) error {
	pol := message.Policy

	if pol.LimitedRead != nil {
		_, err := s.ledger.Submit(ctx, ledger.RecordReadCall{MessageID: message.ID, Reader: reader})
		if err != nil {
			return fmt.Errorf("failed to record read of message %s: %w", message.ID, err)
		}
	}

	if pol.FeeBased != nil && !pol.FeeBased.HasPaid(reader) {
		_, err := s.ledger.Submit(ctx, ledger.RecordPaymentCall{
			MessageID: message.ID,
			Reader:    reader,
			Amount:    payment,
			CoinType:  s.coinType,
		})
		// ErrAlreadyPaid means the ledger recorded this reader's payment before
		// our (possibly stale) view did, the reader is entitled to decrypt
		if err != nil && !errors.Is(err, vaulterrors.ErrAlreadyPaid) {
			return fmt.Errorf("failed to record payment for message %s: %w", message.ID, err)
		}
	}

	return nil
}
