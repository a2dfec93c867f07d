/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blobstore_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/covault/covault/pkg/blobstore"
	"github.com/covault/covault/pkg/ledger"
	"github.com/covault/covault/pkg/ledger/memledger"
	"github.com/covault/covault/pkg/models"
	"github.com/covault/covault/pkg/vaulterrors"
)

func TestNew_Failures(t *testing.T) {
	_, err := blobstore.New(memledger.New(), testOwner(), mem.NewProvider(),
		blobstore.WithStorageNodes(asStorageNodes(newStubNodes(2))...))
	require.EqualError(t, err, "2 storage nodes cannot hold 4 data shards")
}

func TestBlobID(t *testing.T) {
	first := blobstore.BlobID([]byte("some blob content"))
	require.NotEmpty(t, first)
	require.Equal(t, first, blobstore.BlobID([]byte("some blob content")))
	require.NotEqual(t, first, blobstore.BlobID([]byte("other blob content")))
}

func TestStoreAndRead(t *testing.T) {
	mirror := newMirrorServer(t)
	defer mirror.server.Close()

	nodes := asStorageNodes(newStubNodes(6))
	client := newTestClient(t, memledger.New(), mirror, nodes...)

	data := []byte("the quick brown fox jumps over the lazy dog")

	blobID, err := client.Store(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, blobstore.BlobID(data), blobID)

	t.Run("Served from the local cache", func(t *testing.T) {
		blobs, err := client.Read(context.Background(), []string{blobID})
		require.NoError(t, err)
		require.Len(t, blobs, 1)
		require.Equal(t, data, blobs[0].Data)
		require.Zero(t, mirror.hits, "a freshly stored blob must not hit the mirrors")
	})
	t.Run("Served from a mirror by a fresh client", func(t *testing.T) {
		mirror.setBlob(blobstore.BlobID(data), data)

		fresh := newTestClient(t, memledger.New(), mirror, nodes...)

		blobs, err := fresh.Read(context.Background(), []string{blobID})
		require.NoError(t, err)
		require.Len(t, blobs, 1)
		require.Equal(t, blobID, blobs[0].ID)
		require.Equal(t, data, blobs[0].Data)
		require.Equal(t, 1, mirror.hits)

		// the fetched blob lands in the fresh client's cache
		blobs, err = fresh.Read(context.Background(), []string{blobID})
		require.NoError(t, err)
		require.Len(t, blobs, 1)
		require.Equal(t, 1, mirror.hits)
	})
}

func TestStore_Failures(t *testing.T) {
	mirror := newMirrorServer(t)
	defer mirror.server.Close()

	t.Run("Empty blob", func(t *testing.T) {
		client := newTestClient(t, memledger.New(), mirror, asStorageNodes(newStubNodes(6))...)

		_, err := client.Store(context.Background(), nil)
		require.EqualError(t, err, "refusing to store an empty blob")
	})
	t.Run("Registration failure", func(t *testing.T) {
		client := newTestClient(t, &failingLedger{}, mirror, asStorageNodes(newStubNodes(6))...)

		_, err := client.Store(context.Background(), []byte("data"))
		require.ErrorIs(t, err, vaulterrors.ErrRegistrationFailed)
	})
	t.Run("Too few shard confirmations", func(t *testing.T) {
		nodes := newStubNodes(6)
		for _, node := range nodes[1:] {
			node.failPut = true
		}

		client := newTestClient(t, memledger.New(), mirror, asStorageNodes(nodes)...)

		_, err := client.Store(context.Background(), []byte("data"))
		require.ErrorIs(t, err, vaulterrors.ErrCertificationFailed)
	})
}

func TestRead_Failures(t *testing.T) {
	mirror := newMirrorServer(t)
	defer mirror.server.Close()

	t.Run("No mirrors configured", func(t *testing.T) {
		client, err := blobstore.New(memledger.New(), testOwner(), mem.NewProvider(),
			blobstore.WithStorageNodes(asStorageNodes(newStubNodes(6))...))
		require.NoError(t, err)

		_, err = client.Read(context.Background(), []string{"some-blob"})
		require.EqualError(t, err, "no read mirrors are configured")
	})
	t.Run("Unknown blobs are dropped from the result", func(t *testing.T) {
		client := newTestClient(t, memledger.New(), mirror, asStorageNodes(newStubNodes(6))...)

		blobs, err := client.Read(context.Background(), []string{"unknown-blob"})
		require.NoError(t, err)
		require.Empty(t, blobs)
	})
	t.Run("Mirror responses failing hash verification are discarded", func(t *testing.T) {
		data := []byte("genuine content")
		blobID := blobstore.BlobID(data)

		mirror.setBlob(blobID, []byte("tampered content"))

		client := newTestClient(t, memledger.New(), mirror, asStorageNodes(newStubNodes(6))...)

		blobs, err := client.Read(context.Background(), []string{blobID})
		require.NoError(t, err)
		require.Empty(t, blobs)
	})
}

func TestHTTPStorageNode(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/v1/blobs/{objectID}/shards/{index}", func(rw http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["objectID"] == "full-object" {
			rw.WriteHeader(http.StatusInsufficientStorage)
			_, _ = rw.Write([]byte("no capacity left"))

			return
		}

		rw.WriteHeader(http.StatusCreated)
		_, _ = rw.Write([]byte("node-signature"))
	}).Methods(http.MethodPut)

	server := httptest.NewServer(router)
	defer server.Close()

	node := blobstore.NewHTTPStorageNode("node-1", server.URL, nil)

	t.Run("Success", func(t *testing.T) {
		confirmation, err := node.PutShard(context.Background(), "some-object", 3, []byte("shard"))
		require.NoError(t, err)
		require.Equal(t, "node-1", confirmation.NodeID)
		require.Equal(t, 3, confirmation.ShardIndex)
		require.Equal(t, []byte("node-signature"), confirmation.Signature)
	})
	t.Run("Failure status from the node", func(t *testing.T) {
		_, err := node.PutShard(context.Background(), "full-object", 0, []byte("shard"))
		require.EqualError(t, err,
			"the storage node returned status code 507 along with the following message: no capacity left")
	})
	t.Run("Failure: node unreachable", func(t *testing.T) {
		unreachable := blobstore.NewHTTPStorageNode("node-2", "http://127.0.0.1:1", nil)

		_, err := unreachable.PutShard(context.Background(), "some-object", 0, []byte("shard"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to send shard to storage node node-2")
	})
}

// mirrorServer is a test double for a read mirror: it serves blobs over the
// mirror HTTP API and counts fetches.
type mirrorServer struct {
	mutex  sync.Mutex
	blobs  map[string][]byte
	hits   int
	server *httptest.Server
}

func newMirrorServer(t *testing.T) *mirrorServer {
	t.Helper()

	m := &mirrorServer{blobs: map[string][]byte{}}

	router := mux.NewRouter()
	router.HandleFunc("/v1/blobs/{blobID}", func(rw http.ResponseWriter, req *http.Request) {
		m.mutex.Lock()
		defer m.mutex.Unlock()

		m.hits++

		data, exists := m.blobs[mux.Vars(req)["blobID"]]
		if !exists {
			rw.WriteHeader(http.StatusNotFound)
			_, _ = rw.Write([]byte("no such blob"))

			return
		}

		_, _ = rw.Write(data)
	}).Methods(http.MethodGet)

	m.server = httptest.NewServer(router)

	return m
}

func (m *mirrorServer) setBlob(blobID string, data []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.blobs[blobID] = data
}

// stubNode acknowledges shards without storing them, mimicking a storage node
// whose contents later surface through the mirrors.
type stubNode struct {
	id      string
	failPut bool
}

func (n *stubNode) PutShard(_ context.Context, storageObjectID string, index int, _ []byte,
) (*ledger.ShardConfirmation, error) {
	if n.failPut {
		return nil, errors.New("the storage node is unreachable")
	}

	return &ledger.ShardConfirmation{
		NodeID:     n.id,
		ShardIndex: index,
		Signature:  []byte("signed:" + storageObjectID),
	}, nil
}

// failingLedger rejects every submission outright.
type failingLedger struct{}

func (f *failingLedger) Submit(context.Context, ledger.Call) (*ledger.TxResult, error) {
	return nil, errors.New("the ledger endpoint is unreachable")
}

func (f *failingLedger) Simulate(context.Context, ledger.Call, models.Address,
) (*ledger.SimulationResult, error) {
	return nil, errors.New("the ledger endpoint is unreachable")
}

func (f *failingLedger) GetMessage(context.Context, string) (*ledger.Message, error) {
	return nil, errors.New("the ledger endpoint is unreachable")
}

func (f *failingLedger) GetGroup(context.Context, string) (*ledger.Group, error) {
	return nil, errors.New("the ledger endpoint is unreachable")
}

func newTestClient(t *testing.T, ledgerFacade ledger.Facade, mirror *mirrorServer,
	nodes ...blobstore.StorageNode) *blobstore.Client {
	t.Helper()

	client, err := blobstore.New(ledgerFacade, testOwner(), mem.NewProvider(),
		blobstore.WithStorageNodes(nodes...),
		blobstore.WithMirrors(mirror.server.URL),
		blobstore.WithReadTimeout(5*time.Second),
		blobstore.WithRetry(1, time.Millisecond))
	require.NoError(t, err)

	return client
}

func newStubNodes(count int) []*stubNode {
	nodes := make([]*stubNode, count)

	for i := range nodes {
		nodes[i] = &stubNode{id: string(rune('a' + i))}
	}

	return nodes
}

func asStorageNodes(nodes []*stubNode) []blobstore.StorageNode {
	storageNodes := make([]blobstore.StorageNode, len(nodes))

	for i, node := range nodes {
		storageNodes[i] = node
	}

	return storageNodes
}

func testOwner() models.Address {
	var owner models.Address

	owner[0] = 1

	return owner
}
