/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blobstore is the content-addressed blob store client. Writes run an
// encode → register → distribute → certify pipeline against the storage nodes
// and the ledger; reads are best-effort fetches from a set of independent
// mirrors, backed by a local cache.
package blobstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cenkalti/backoff/v4"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/klauspost/reedsolomon"
	"github.com/trustbloc/edge-core/pkg/log"
	"golang.org/x/crypto/blake2b"

	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/vaulterrors"
)

const (
	logModuleName = "covault-blobstore"

	cacheStoreName = "blob-cache"

	defaultDataShards   = 4
	defaultParityShards = 2
	defaultEpochs       = 5
	defaultReadTimeout  = 10 * time.Second
	defaultRetryCount   = 3
	defaultRetryBackoff = time.Second
)

var logger = log.New(logModuleName)

// Blob associates fetched bytes with the blob ID they were requested under.
type Blob struct {
	ID   string
	Data []byte
}

// Client is the blob store client.
type Client struct {
	ledger       ledger.Facade
	owner        models.Address
	cache        storage.Store
	nodes        []StorageNode
	mirrors      []string
	httpClient   *http.Client
	headersFunc  addHeaders
	dataShards   int
	parityShards int
	epochs       uint32
	deletable    bool
	readTimeout  time.Duration
	retryCount   uint64
	retryBackoff time.Duration
}

type addHeaders func(req *http.Request) (*http.Header, error)

// Option configures the blob store client.
type Option func(c *Client)

// WithStorageNodes sets the nodes shards are distributed to.
func WithStorageNodes(nodes ...StorageNode) Option {
	return func(c *Client) {
		c.nodes = nodes
	}
}

// WithMirrors sets the read mirror base URLs.
func WithMirrors(mirrorBaseURLs ...string) Option {
	return func(c *Client) {
		c.mirrors = mirrorBaseURLs
	}
}

// WithTLSConfig option is for definition of secured HTTP transport using a tls.Config instance.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
}

// WithHeaders option is for setting additional http request headers on mirror fetches.
func WithHeaders(addHeadersFunc addHeaders) Option {
	return func(c *Client) {
		c.headersFunc = addHeadersFunc
	}
}

// WithShardCounts sets the erasure coding geometry.
func WithShardCounts(dataShards, parityShards int) Option {
	return func(c *Client) {
		c.dataShards = dataShards
		c.parityShards = parityShards
	}
}

// WithEpochs sets how many epochs the storage slot is reserved for.
func WithEpochs(epochs uint32) Option {
	return func(c *Client) {
		c.epochs = epochs
	}
}

// WithDeletable marks registered blobs as deletable by their owner.
func WithDeletable(deletable bool) Option {
	return func(c *Client) {
		c.deletable = deletable
	}
}

// WithReadTimeout sets the per-fetch mirror timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithRetry sets the retry count and backoff interval for the register and
// certify submissions.
func WithRetry(count uint64, interval time.Duration) Option {
	return func(c *Client) {
		c.retryCount = count
		c.retryBackoff = interval
	}
}

// New returns a new blob store client writing on behalf of owner. The storage
// provider backs the local blob cache.
func New(ledgerFacade ledger.Facade, owner models.Address, provider storage.Provider,
	opts ...Option) (*Client, error) {
	cache, err := provider.OpenStore(cacheStoreName)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cacheStoreName, err)
	}

	c := &Client{
		ledger:       ledgerFacade,
		owner:        owner,
		cache:        cache,
		httpClient:   &http.Client{},
		dataShards:   defaultDataShards,
		parityShards: defaultParityShards,
		epochs:       defaultEpochs,
		readTimeout:  defaultReadTimeout,
		retryCount:   defaultRetryCount,
		retryBackoff: defaultRetryBackoff,
	}

	for _, opt := range opts {
		opt(c)
	}

	if len(c.nodes) < c.dataShards {
		return nil, fmt.Errorf("%d storage nodes cannot hold %d data shards", len(c.nodes), c.dataShards)
	}

	return c, nil
}

// BlobID returns the content-derived blob ID for the given bytes: the base58
// form of their BLAKE2b-256 root hash. It is independent of which storage
// object holds the blob.
func BlobID(data []byte) string {
	rootHash := blake2b.Sum256(data)

	return base58.Encode(rootHash[:])
}

// Store writes data through the full pipeline and returns its blob ID. Any
// stage failure is terminal for the call; no partial blob ID is ever
// returned.
func (c *Client) Store(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to store an empty blob")
	}

	shards, err := c.encode(data)
	if err != nil {
		return "", err
	}

	rootHash := blake2b.Sum256(data)
	blobID := base58.Encode(rootHash[:])

	storageObjectID, err := c.register(ctx, rootHash[:], uint64(len(data)))
	if err != nil {
		return "", err
	}

	confirmations := c.distribute(ctx, storageObjectID, shards)

	err = c.certify(ctx, storageObjectID, confirmations)
	if err != nil {
		return "", err
	}

	err = c.cache.Put(blobID, data)
	if err != nil {
		logger.Warnf("Failed to cache blob %s locally: %s.", blobID, err)
	}

	logger.Debugf("Stored blob %s in storage object %s with %d confirmations.",
		blobID, storageObjectID, len(confirmations))

	return blobID, nil
}

// encode erasure-codes the blob for durability.
func (c *Client) encode(data []byte) ([][]byte, error) {
	encoder, err := reedsolomon.New(c.dataShards, c.parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to construct erasure encoder: %w", err)
	}

	shards, err := encoder.Split(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split blob into shards: %w", err)
	}

	err = encoder.Encode(shards)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parity shards: %w", err)
	}

	return shards, nil
}

// register reserves a storage slot on the ledger and returns the created
// storage object ID. Registration is idempotent at the ledger level, so it is
// retried with backoff.
func (c *Client) register(ctx context.Context, rootHash []byte, size uint64) (string, error) {
	call := ledger.RegisterBlobCall{
		RootHash:  rootHash,
		Size:      size,
		Owner:     c.owner,
		Deletable: c.deletable,
		Epochs:    c.epochs,
	}

	result, err := c.submitWithRetry(ctx, call)
	if err != nil {
		return "", fmt.Errorf("%w: %s", vaulterrors.ErrRegistrationFailed, err)
	}

	if !result.Succeeded() || result.CreatedID == "" {
		return "", fmt.Errorf("%w: %s", vaulterrors.ErrRegistrationFailed, result.Error)
	}

	return result.CreatedID, nil
}

// distribute pushes the shards to the storage nodes round-robin and collects
// the confirmations of the nodes that acknowledged.
func (c *Client) distribute(ctx context.Context, storageObjectID string, shards [][]byte,
) []ledger.ShardConfirmation {
	confirmations := make([]ledger.ShardConfirmation, 0, len(shards))

	for i, shard := range shards {
		node := c.nodes[i%len(c.nodes)]

		confirmation, err := node.PutShard(ctx, storageObjectID, i, shard)
		if err != nil {
			logger.Warnf("Storage node did not confirm shard %d of storage object %s: %s.",
				i, storageObjectID, err)

			continue
		}

		confirmations = append(confirmations, *confirmation)
	}

	return confirmations
}

// certify submits the confirmations, proving that enough nodes hold shards.
func (c *Client) certify(ctx context.Context, storageObjectID string,
	confirmations []ledger.ShardConfirmation) error {
	if len(confirmations) < c.dataShards {
		return fmt.Errorf("%w: only %d of the %d required shard confirmations were collected",
			vaulterrors.ErrCertificationFailed, len(confirmations), c.dataShards)
	}

	call := ledger.CertifyBlobCall{StorageObjectID: storageObjectID, Confirmations: confirmations}

	result, err := c.submitWithRetry(ctx, call)
	if err != nil {
		return fmt.Errorf("%w: %s", vaulterrors.ErrCertificationFailed, err)
	}

	if !result.Succeeded() {
		return fmt.Errorf("%w: %s", vaulterrors.ErrCertificationFailed, result.Error)
	}

	return nil
}

func (c *Client) submitWithRetry(ctx context.Context, call ledger.Call) (*ledger.TxResult, error) {
	var result *ledger.TxResult

	operation := func() error {
		var err error

		result, err = c.ledger.Submit(ctx, call)
		if err != nil && result != nil {
			// the call executed and was rejected, retrying won't change the outcome
			return backoff.Permanent(err)
		}

		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryBackoff), c.retryCount), ctx))
	if err != nil {
		return nil, err
	}

	return result, nil
}
