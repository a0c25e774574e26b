// Package remote implements the side adapter contract over HTTP JSON.
//
// The remote system-of-record exposes four endpoints mirroring the adapter
// operations; authentication is the transport's concern and is injected via
// the http.Client (a custom RoundTripper or a base URL behind a proxy).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
	syncpkg "github.com/driftlock/driftsync/internal/sync"
)

// Client is the HTTP implementation of the engine's Store contract.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a remote adapter for the given base URL.
//
// A malformed base URL is a configuration error and therefore fatal, unlike
// the network failures the engine classifies at runtime. A nil client uses
// http.DefaultClient; per-call deadlines come from the caller's context.
func New(baseURL string, client *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &syncpkg.FatalError{Err: fmt.Errorf("malformed remote url %q", baseURL)}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: client}, nil
}

// Probe performs a cheap reachability read against /healthz.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// fetchResponse is the wire shape of a delta page.
type fetchResponse struct {
	Records []wireRecord `json:"records"`
}

type wireRecord struct {
	ExternalID string         `json:"external_id"`
	Payload    map[string]any `json:"payload"`
}

// FetchSince pulls records after the (since, afterID) cursor in
// (updated-at, external-id) order, capped at limit. The remote applies the
// same cursor rule as the local store: after_id only breaks ties at exactly
// the since timestamp.
func (c *Client) FetchSince(ctx context.Context, mapping *schema.EntityMapping, since time.Time, afterID string, limit int) ([]schema.ChangeRecord, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	if afterID != "" {
		q.Set("after_id", afterID)
	}
	q.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/entities/%s/records?%s", c.baseURL, url.PathEscape(mapping.Name), q.Encode())
	var out fetchResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch %s since %s: %w", mapping.Name, since.Format(time.RFC3339), err)
	}

	recs := make([]schema.ChangeRecord, 0, len(out.Records))
	now := time.Now().UTC()
	for _, wr := range out.Records {
		recs = append(recs, schema.ChangeRecord{
			Entity:     mapping.Name,
			ExternalID: wr.ExternalID,
			Payload:    wr.Payload,
			Source:     schema.SideRemote,
			ObservedAt: now,
		})
	}
	return recs, nil
}

// pushRequest is the wire shape of a batch push.
type pushRequest struct {
	Records []wireRecord `json:"records"`
}

type pushResponse struct {
	Applied        int `json:"applied"`
	ConflictLosses int `json:"conflict_losses"`
}

// PushBatch sends the batch for transactional application on the remote
// side. The remote applies last-writer-wins and reports the ack; a non-2xx
// status means the whole batch was rolled back there.
func (c *Client) PushBatch(ctx context.Context, mapping *schema.EntityMapping, records []schema.ChangeRecord) (syncpkg.BatchAck, error) {
	var ack syncpkg.BatchAck
	if len(records) == 0 {
		return ack, nil
	}

	body := pushRequest{Records: make([]wireRecord, 0, len(records))}
	for i := range records {
		body.Records = append(body.Records, wireRecord{
			ExternalID: records[i].ExternalID,
			Payload:    records[i].Payload,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ack, fmt.Errorf("failed to marshal batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/entities/%s/records:batch", c.baseURL, url.PathEscape(mapping.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return ack, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ack, fmt.Errorf("push failed: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ack, fmt.Errorf("push returned status %d (batch rolled back)", resp.StatusCode)
	}

	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ack, fmt.Errorf("failed to decode push response: %w", err)
	}
	return syncpkg.BatchAck{Applied: out.Applied, ConflictLosses: out.ConflictLosses}, nil
}

// Summary fetches the remote collection fingerprint.
func (c *Client) Summary(ctx context.Context, mapping *schema.EntityMapping, hashThreshold int) (schema.Checksum, error) {
	endpoint := fmt.Sprintf("%s/entities/%s/summary?hash_threshold=%d",
		c.baseURL, url.PathEscape(mapping.Name), hashThreshold)

	var cs schema.Checksum
	if err := c.getJSON(ctx, endpoint, &cs); err != nil {
		return cs, fmt.Errorf("failed to summarize %s: %w", mapping.Name, err)
	}
	return cs, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// drain discards the remainder of a response body so the connection can be
// reused, then closes it.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
