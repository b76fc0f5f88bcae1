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

package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	eventsPageSize = 100
	maxEventPages  = 10
)

// eventsResponse is a page of the provider's delivery-events list.
type eventsResponse struct {
	Items  []eventItem `json:"items"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// eventItem is one delivered-event record as the provider reports it.
type eventItem struct {
	Event     string  `json:"event"`
	Recipient string  `json:"recipient"`
	Timestamp float64 `json:"timestamp"` // unix seconds, fractional
	Message   struct {
		Headers struct {
			MessageID string `json:"message-id"`
			From      string `json:"from"`
			Subject   string `json:"subject"`
		} `json:"headers"`
		Attachments []struct {
			Filename string `json:"filename"`
		} `json:"attachments"`
	} `json:"message"`
}

// Client reads the provider's historical delivery-events API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	pageDelay  time.Duration // delay between pages to avoid throttling
}

// NewClient creates an events API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageDelay:  500 * time.Millisecond,
	}
}

// NewClientWithHTTP creates an events client over the given HTTP client.
func NewClientWithHTTP(httpClient *http.Client, baseURL, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// DeliveriesAround lists delivered events within the window centred on at,
// following pagination until the provider runs out or the page cap is hit.
func (c *Client) DeliveriesAround(ctx context.Context, at time.Time, window time.Duration) ([]DeliveryEvent, error) {
	params := url.Values{}
	params.Set("event", "delivered")
	params.Set("begin", strconv.FormatInt(at.Add(-window).Unix(), 10))
	params.Set("end", strconv.FormatInt(at.Add(window).Unix(), 10))
	params.Set("limit", strconv.Itoa(eventsPageSize))

	listURL := fmt.Sprintf("%s/events?%s", c.baseURL, params.Encode())

	var out []DeliveryEvent
	pageCount := 0
	for nextURL := listURL; nextURL != "" && pageCount < maxEventPages; {
		// Rate limit between pages
		if pageCount > 0 && c.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(c.pageDelay):
			}
		}

		page, err := c.fetchPage(ctx, nextURL)
		if err != nil {
			return nil, fmt.Errorf("fetch events page %d: %w", pageCount, err)
		}
		pageCount++

		slog.Debug("events page fetched", "page", pageCount, "events", len(page.Items))

		for _, item := range page.Items {
			if item.Event != "delivered" && item.Event != "" {
				continue
			}
			out = append(out, toDeliveryEvent(item))
		}

		// The provider returns a next link even for the final page; an
		// empty page ends the walk.
		if len(page.Items) == 0 {
			break
		}
		nextURL = page.Paging.Next
	}

	return out, nil
}

// fetchPage retrieves a single page of the events list.
func (c *Client) fetchPage(ctx context.Context, pageURL string) (*eventsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth("api", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch events page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("events list error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("events list returned HTTP %d", resp.StatusCode)
	}

	var page eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}

	return &page, nil
}

func toDeliveryEvent(item eventItem) DeliveryEvent {
	ev := DeliveryEvent{
		MessageID:   item.Message.Headers.MessageID,
		Recipient:   item.Recipient,
		Sender:      item.Message.Headers.From,
		Subject:     item.Message.Headers.Subject,
		DeliveredAt: time.Unix(int64(item.Timestamp), 0).UTC(),
	}
	for _, att := range item.Message.Attachments {
		if att.Filename != "" {
			ev.Attachments = append(ev.Attachments, att.Filename)
		}
	}
	return ev
}
