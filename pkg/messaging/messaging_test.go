/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package messaging_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	jose "github.com/square/go-jose"
	"github.com/stretchr/testify/require"

	"github.com/covault/covault/pkg/blobstore"
	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/ledger/memledger"
	"github.com/covault/covault/pkg/messaging"
	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/policy"
	"github.com/covault/covault/pkg/seal"
	"github.com/covault/covault/pkg/seal/memkeyserver"
	"github.com/covault/covault/pkg/session"
	"github.com/covault/covault/pkg/vaulterrors"
)

const testScope = "0xpackage::covault"

func TestMintAndRead(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)
	require.Equal(t, owner.address, group.Owner)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address,
		policy.NewNone(), []byte("hello covault"))
	require.NoError(t, err)
	require.Equal(t, group.ID, message.GroupID)
	require.NotEmpty(t, message.BlobID)

	plaintext, err := owner.service.Read(context.Background(), message.ID, owner.address, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello covault"), plaintext)

	t.Run("Reading again succeeds", func(t *testing.T) {
		plaintext, err := owner.service.Read(context.Background(), message.ID, owner.address, 0)
		require.NoError(t, err)
		require.Equal(t, []byte("hello covault"), plaintext)
	})
}

func TestMint_Failures(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.newActor(t)
	stranger := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	t.Run("Group ID is not address-shaped", func(t *testing.T) {
		_, err := owner.service.Mint(context.Background(), "not-an-address", owner.address,
			policy.NewNone(), []byte("data"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "not usable as a content ID namespace")
	})
	t.Run("Minting by a non-member", func(t *testing.T) {
		_, err := stranger.service.Mint(context.Background(), group.ID, stranger.address,
			policy.NewNone(), []byte("data"))
		require.ErrorIs(t, err, vaulterrors.ErrNotGroupMember)
	})
}

func TestRead_Failures(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.newActor(t)
	stranger := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address,
		policy.NewNone(), []byte("members only"))
	require.NoError(t, err)

	t.Run("Unknown message", func(t *testing.T) {
		_, err := owner.service.Read(context.Background(), "0xmissing", owner.address, 0)
		require.ErrorIs(t, err, memledger.ErrMessageNotFound)
	})
	t.Run("Reader is not a group member", func(t *testing.T) {
		_, err := stranger.service.Read(context.Background(), message.ID, stranger.address, 0)
		require.ErrorIs(t, err, vaulterrors.ErrPolicyNotSatisfied)
	})
	t.Run("Reader holds no session key", func(t *testing.T) {
		sessionless := messaging.New(env.ledger, env.engine, env.blobs, newSessionManager(t), testScope)

		_, err := sessionless.Read(context.Background(), message.ID, owner.address, 0)
		require.ErrorIs(t, err, vaulterrors.ErrSessionNotFound)
	})
}

func TestMembershipGatesReads(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.newActor(t)
	member := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address,
		policy.NewNone(), []byte("members only"))
	require.NoError(t, err)

	_, err = member.service.Read(context.Background(), message.ID, member.address, 0)
	require.ErrorIs(t, err, vaulterrors.ErrPolicyNotSatisfied)

	require.NoError(t, owner.service.AddMember(context.Background(), group.ID, owner.address, member.address))

	plaintext, err := member.service.Read(context.Background(), message.ID, member.address, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("members only"), plaintext)

	require.NoError(t, owner.service.RemoveMember(context.Background(), group.ID, owner.address, member.address))

	_, err = member.service.Read(context.Background(), message.ID, member.address, 0)
	require.ErrorIs(t, err, vaulterrors.ErrPolicyNotSatisfied)

	t.Run("Only the owner may change membership", func(t *testing.T) {
		err := member.service.AddMember(context.Background(), group.ID, member.address, member.address)
		require.ErrorIs(t, err, vaulterrors.ErrNotOwner)
	})
}

func TestRead_LimitedReadPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.newActor(t)
	latecomer := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	require.NoError(t, owner.service.AddMember(context.Background(), group.ID, owner.address, latecomer.address))

	pol, err := policy.NewLimitedRead(1)
	require.NoError(t, err)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address, pol, []byte("one slot"))
	require.NoError(t, err)

	plaintext, err := owner.service.Read(context.Background(), message.ID, owner.address, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("one slot"), plaintext)

	t.Run("A repeat read by the slot holder is free", func(t *testing.T) {
		_, err := owner.service.Read(context.Background(), message.ID, owner.address, 0)
		require.NoError(t, err)
	})
	t.Run("The quota is exhausted for everyone else", func(t *testing.T) {
		_, err := latecomer.service.Read(context.Background(), message.ID, latecomer.address, 0)
		require.ErrorIs(t, err, vaulterrors.ErrQuotaExceeded)
	})
}

func TestRead_FeePolicyAndSettle(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.newActor(t)
	payer := env.newActor(t)
	cheapskate := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	require.NoError(t, owner.service.AddMember(context.Background(), group.ID, owner.address, payer.address))
	require.NoError(t, owner.service.AddMember(context.Background(), group.ID, owner.address, cheapskate.address))

	pol, err := policy.NewFeeBased(5, owner.address)
	require.NoError(t, err)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address, pol, []byte("paywalled"))
	require.NoError(t, err)

	t.Run("An exact payment unlocks the content", func(t *testing.T) {
		plaintext, err := payer.service.Read(context.Background(), message.ID, payer.address, 5)
		require.NoError(t, err)
		require.Equal(t, []byte("paywalled"), plaintext)
	})
	t.Run("A reader who has paid is never charged again", func(t *testing.T) {
		_, err := payer.service.Read(context.Background(), message.ID, payer.address, 0)
		require.NoError(t, err)
	})
	t.Run("An inexact payment is rejected", func(t *testing.T) {
		_, err := cheapskate.service.Read(context.Background(), message.ID, cheapskate.address, 3)
		require.ErrorIs(t, err, vaulterrors.ErrInsufficientPayment)

		_, err = cheapskate.service.Read(context.Background(), message.ID, cheapskate.address, 7)
		require.ErrorIs(t, err, vaulterrors.ErrInsufficientPayment)
	})
	t.Run("Settlement", func(t *testing.T) {
		_, err := payer.service.Settle(context.Background(), message.ID, payer.address)
		require.ErrorIs(t, err, vaulterrors.ErrNotOwner)

		amount, err := owner.service.Settle(context.Background(), message.ID, owner.address)
		require.NoError(t, err)
		require.Equal(t, uint64(5), amount)

		_, err = owner.service.Settle(context.Background(), message.ID, owner.address)
		require.ErrorIs(t, err, vaulterrors.ErrNoFeesToWithdraw)
	})
}

func TestRead_TimeLockPolicy(t *testing.T) {
	clock := uint64(150)
	env := newTestEnv(t, func() uint64 { return clock })
	owner := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	pol, err := policy.NewTimeLock(100, 200)
	require.NoError(t, err)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address, pol, []byte("timed"))
	require.NoError(t, err)

	plaintext, err := owner.service.Read(context.Background(), message.ID, owner.address, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("timed"), plaintext)

	clock = 250

	_, err = owner.service.Read(context.Background(), message.ID, owner.address, 0)
	require.ErrorIs(t, err, vaulterrors.ErrPolicyNotSatisfied)
}

func TestRead_CompoundPolicy(t *testing.T) {
	clock := uint64(150)
	env := newTestEnv(t, func() uint64 { return clock })
	owner := env.newActor(t)
	latecomer := env.newActor(t)

	group, err := owner.service.MintGroup(context.Background(), owner.address)
	require.NoError(t, err)

	require.NoError(t, owner.service.AddMember(context.Background(), group.ID, owner.address, latecomer.address))

	timeLock, err := policy.NewTimeLock(100, 200)
	require.NoError(t, err)

	limitedRead, err := policy.NewLimitedRead(1)
	require.NoError(t, err)

	feeBased, err := policy.NewFeeBased(5, owner.address)
	require.NoError(t, err)

	pol, err := policy.NewCompound(timeLock, limitedRead, feeBased)
	require.NoError(t, err)

	message, err := owner.service.Mint(context.Background(), group.ID, owner.address, pol, []byte("guarded"))
	require.NoError(t, err)

	t.Run("All three gates pass inside the window", func(t *testing.T) {
		plaintext, err := owner.service.Read(context.Background(), message.ID, owner.address, 5)
		require.NoError(t, err)
		require.Equal(t, []byte("guarded"), plaintext)
	})
	t.Run("The spent quota blocks other readers", func(t *testing.T) {
		_, err := latecomer.service.Read(context.Background(), message.ID, latecomer.address, 5)
		require.ErrorIs(t, err, vaulterrors.ErrQuotaExceeded)
	})
	t.Run("Nothing is recorded outside the window", func(t *testing.T) {
		clock = 250

		_, err := latecomer.service.Read(context.Background(), message.ID, latecomer.address, 5)
		require.ErrorIs(t, err, vaulterrors.ErrPolicyNotSatisfied)
	})
}

// testEnv shares one ledger, key-server cluster and blob store across the
// actors of a test, the way independent clients share the real backends.
type testEnv struct {
	ledger *memledger.Ledger
	engine *seal.Engine
	blobs  *blobstore.Client
}

func newTestEnv(t *testing.T, clock func() uint64) *testEnv {
	t.Helper()

	ledgerOpts := make([]memledger.Option, 0, 1)
	if clock != nil {
		ledgerOpts = append(ledgerOpts, memledger.WithClock(clock))
	}

	ledgerInstance := memledger.New(ledgerOpts...)

	cluster, err := memkeyserver.New(3, ledgerInstance, testScope)
	require.NoError(t, err)

	var blobOwner models.Address

	blobOwner[0] = 1

	nodes := make([]blobstore.StorageNode, 4)
	for i := range nodes {
		nodes[i] = &ackNode{}
	}

	blobs, err := blobstore.New(ledgerInstance, blobOwner, mem.NewProvider(),
		blobstore.WithStorageNodes(nodes...),
		// reads are served from the shared cache, the mirror is never contacted
		blobstore.WithMirrors("http://127.0.0.1:1"))
	require.NoError(t, err)

	return &testEnv{
		ledger: ledgerInstance,
		engine: seal.New(cluster, ledgerInstance),
		blobs:  blobs,
	}
}

// actor is one keypair-holding client with its own finalized session key.
type actor struct {
	address models.Address
	service *messaging.Service
}

func (e *testEnv) newActor(t *testing.T) *actor {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	address, err := models.AddressFromPublicKey(publicKey)
	require.NoError(t, err)

	sessions := newSessionManager(t)

	unsigned, err := sessions.Issue(address, testScope, 30)
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: privateKey}, nil)
	require.NoError(t, err)

	signature, err := signer.Sign(unsigned.Challenge())
	require.NoError(t, err)

	compact, err := signature.CompactSerialize()
	require.NoError(t, err)

	_, err = sessions.Finalize(unsigned, compact, publicKey)
	require.NoError(t, err)

	return &actor{
		address: address,
		service: messaging.New(e.ledger, e.engine, e.blobs, sessions, testScope),
	}
}

func newSessionManager(t *testing.T) *session.Manager {
	t.Helper()

	manager, err := session.NewManager(mem.NewProvider())
	require.NoError(t, err)

	return manager
}

// ackNode acknowledges every shard, standing in for a storage node.
type ackNode struct{}

func (n *ackNode) PutShard(_ context.Context, storageObjectID string, index int, _ []byte,
) (*ledger.ShardConfirmation, error) {
	return &ledger.ShardConfirmation{
		NodeID:     "ack-node",
		ShardIndex: index,
		Signature:  []byte("signed:" + storageObjectID),
	}, nil
}
