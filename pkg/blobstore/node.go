/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"

	"github.com/covault/covault/pkg/ledger"
)

// StorageNode is one node of the replicated store that shards are pushed to
// during the distribute stage.
type StorageNode interface {
	// PutShard stores one shard of a registered storage object and returns
	// the node's signed confirmation.
	PutShard(ctx context.Context, storageObjectID string, index int, shard []byte,
	) (*ledger.ShardConfirmation, error)
}

// HTTPStorageNode talks to a storage node over its HTTP API.
type HTTPStorageNode struct {
	nodeID     string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPStorageNode returns a storage node client for the given base URL.
func NewHTTPStorageNode(nodeID, baseURL string, httpClient *http.Client) *HTTPStorageNode {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &HTTPStorageNode{nodeID: nodeID, baseURL: baseURL, httpClient: httpClient}
}

// PutShard uploads the shard and returns the confirmation carrying the node's
// signature over it.
func (n *HTTPStorageNode) PutShard(ctx context.Context, storageObjectID string, index int,
	shard []byte) (*ledger.ShardConfirmation, error) {
	endpoint := fmt.Sprintf("%s/v1/blobs/%s/shards/%d", n.baseURL, url.PathEscape(storageObjectID), index)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(shard))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := n.httpClient.Do(req) //nolint: bodyclose
	if err != nil {
		return nil, fmt.Errorf("failed to send shard to storage node %s: %w", n.nodeID, err)
	}

	defer closeReadCloser(resp.Body)

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from storage node %s: %w", n.nodeID, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("the storage node returned status code %d along with the following message: %s",
			resp.StatusCode, respBytes)
	}

	return &ledger.ShardConfirmation{NodeID: n.nodeID, ShardIndex: index, Signature: respBytes}, nil
}
