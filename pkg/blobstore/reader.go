/*
Copyright Covault Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"net/http"
	"net/url"

	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// Read fetches the given blobs, each from one uniformly random mirror with a
// fixed timeout. This is a deliberate best-effort contract: a blob whose
// fetch times out or returns a non-2xx status is silently dropped from the
// result, and no other mirror is tried within this call — retry policy
// belongs to the caller across calls. The result preserves the association
// to each blob ID and may be shorter than the request.
func (c *Client) Read(ctx context.Context, blobIDs []string) ([]Blob, error) {
	if len(c.mirrors) == 0 {
		return nil, errors.New("no read mirrors are configured")
	}

	blobs := make([]Blob, 0, len(blobIDs))

	for _, blobID := range blobIDs {
		cached, err := c.cache.Get(blobID)
		if err == nil {
			blobs = append(blobs, Blob{ID: blobID, Data: cached})

			continue
		}

		if !errors.Is(err, storage.ErrDataNotFound) {
			logger.Warnf("Failed to check the local cache for blob %s: %s.", blobID, err)
		}

		data, err := c.fetchFromMirror(ctx, blobID)
		if err != nil {
			logger.Warnf("Blob %s is unavailable for this call: %s.", blobID, err)

			continue
		}

		// a mirror response that doesn't hash to the requested ID is discarded,
		// blob IDs are content-derived
		if BlobID(data) != blobID {
			logger.Errorf("A mirror returned bytes that do not hash to blob %s. Discarding them.", blobID)

			continue
		}

		if err := c.cache.Put(blobID, data); err != nil {
			logger.Warnf("Failed to cache blob %s locally: %s.", blobID, err)
		}

		blobs = append(blobs, Blob{ID: blobID, Data: data})
	}

	return blobs, nil
}

func (c *Client) fetchFromMirror(parentCtx context.Context, blobID string) ([]byte, error) {
	mirror := c.mirrors[rand.Intn(len(c.mirrors))]
	endpoint := fmt.Sprintf("%s/v1/blobs/%s", mirror, url.PathEscape(blobID))

	ctx, cancel := context.WithTimeout(parentCtx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	if c.headersFunc != nil {
		httpHeaders, err := c.headersFunc(req)
		if err != nil {
			return nil, fmt.Errorf("add optional request headers error: %w", err)
		}

		if httpHeaders != nil {
			req.Header = httpHeaders.Clone()
		}
	}

	resp, err := c.httpClient.Do(req) //nolint: bodyclose
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from mirror %s: %w", mirror, err)
	}

	defer closeReadCloser(resp.Body)

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from mirror %s: %w", mirror, err)
	}

	logger.Debugf("Fetched blob %s from mirror %s with response status code: %d.",
		blobID, mirror, resp.StatusCode)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("the mirror returned status code %d along with the following message: %s",
			resp.StatusCode, respBytes)
	}

	return respBytes, nil
}

func closeReadCloser(respBody io.ReadCloser) {
	err := respBody.Close()
	if err != nil {
		logger.Errorf("Failed to close response body: %s", err)
	}
}
