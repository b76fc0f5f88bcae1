// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage writes artifact bytes to the object storage gateway. The
// gateway fronts the cloud bucket and exposes a plain PUT/GET API keyed by
// bucket and object path.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client uploads artifacts to the object storage gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	bucket     string
}

// NewClient creates an object storage client.
func NewClient(baseURL, apiKey, bucket string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		bucket:     bucket,
	}
}

// NewClientWithHTTP creates a client around an existing http.Client.
// Used by tests.
func NewClientWithHTTP(httpClient *http.Client, baseURL, apiKey, bucket string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		bucket:     bucket,
	}
}

// Put uploads one object. Uploads are idempotent: the key embeds the
// document ID, so re-putting the same key overwrites identical bytes.
func (c *Client) Put(ctx context.Context, key, contentType string, data []byte) error {
	objectURL := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(c.bucket), escapeKey(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, objectURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Error("object store error",
			"status", resp.StatusCode,
			"key", key,
			"body", string(body),
		)
		return fmt.Errorf("object store returned HTTP %d for %s", resp.StatusCode, key)
	}

	return nil
}

// escapeKey escapes each path segment while keeping the separators.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
