// Copyright 2025 The atomik Authors
// This file is part of the atomik settlement processor.
//
// The atomik settlement processor is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// The atomik settlement processor is distributed in the hope that it will be
// useful, but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the atomik settlement processor. If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrNotFound is returned when the engine does not know the settlement id.
	ErrNotFound = errors.New("settlement not found")
	// ErrUnauthorized is returned when the engine rejects the API key.
	ErrUnauthorized = errors.New("engine rejected api key")
)

// VersionConflictError is the engine's 409 response to a status update whose
// expected_version lost the compare-and-set race.
type VersionConflictError struct {
	Current  uint64 `json:"current_version"`
	Expected uint64 `json:"expected_version"`
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current %d, expected %d", e.Current, e.Expected)
}

// IsVersionConflict unwraps err into a VersionConflictError if it is one.
func IsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}

const (
	requestTimeout = 10 * time.Second

	// terminalBackoffStart/Cap bound the retry schedule of terminal status
	// updates. Funds have already moved on chain at that point, so the update
	// loops until it lands or the process is told to stop.
	terminalBackoffStart = 1 * time.Second
	terminalBackoffCap   = 60 * time.Second
)

// listBackoff is the retry schedule for idempotent reads.
var listBackoff = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

// Client is a typed adapter over the gaming engine's settlement REST API.
// All calls carry the shared secret in the X-API-Key header.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a client for the engine at baseURL. A trailing slash on
// baseURL is tolerated.
func NewClient(baseURL, apiKey string) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// listResponse is the wire shape of the pending and stuck listings.
type listResponse struct {
	Games      []Settlement `json:"games"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// updateResponse is the wire shape of a successful status update.
type updateResponse struct {
	Success    bool   `json:"success"`
	NewVersion uint64 `json:"new_version"`
}

// ListPending fetches one page of settlements awaiting (re)submission. The
// engine filters to PendingSettlement plus retryable SettlementFailed whose
// next_retry_after has passed. The result is a snapshot; the claim step is
// what makes acting on it safe.
func (c *Client) ListPending(ctx context.Context, cursor string, limit int) ([]Settlement, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out listResponse
	if err := c.getRetry(ctx, "/api/settlement/pending?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.Games, out.NextCursor, nil
}

// ListStuck fetches settlements sitting in SubmittedToSolana with no update
// for at least minAge. Reconciliation input.
func (c *Client) ListStuck(ctx context.Context, minAge time.Duration, limit int) ([]Settlement, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("min_age", strconv.FormatInt(int64(minAge.Seconds()), 10))
	var out listResponse
	if err := c.getRetry(ctx, "/api/settlement/stuck?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Games, nil
}

// Get fetches a single settlement by transaction id.
func (c *Client) Get(ctx context.Context, id uint64) (*Settlement, error) {
	var out Settlement
	if err := c.getRetry(ctx, "/api/settlement/games/"+strconv.FormatUint(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOpts carries the optional fields of a status update.
type UpdateOpts struct {
	SolanaTxID   string
	ErrorMessage string
	RetryCount   *uint32
	NextRetryAt  *int64
}

// updateRequest is the wire shape of a status update.
type updateRequest struct {
	Status          Status  `json:"status"`
	ExpectedVersion uint64  `json:"expected_version"`
	SolanaTxID      string  `json:"solana_tx_id,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	RetryCount      *uint32 `json:"retry_count,omitempty"`
	NextRetryAt     *int64  `json:"next_retry_after,omitempty"`
}

// UpdateStatus performs one compare-and-set transition and returns the new
// version. A lost race surfaces as *VersionConflictError and is never retried
// here; the caller decides whether losing matters.
func (c *Client) UpdateStatus(ctx context.Context, id uint64, status Status, expectedVersion uint64, opts UpdateOpts) (uint64, error) {
	body := updateRequest{
		Status:          status,
		ExpectedVersion: expectedVersion,
		SolanaTxID:      opts.SolanaTxID,
		ErrorMessage:    opts.ErrorMessage,
		RetryCount:      opts.RetryCount,
		NextRetryAt:     opts.NextRetryAt,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/settlement/games/"+strconv.FormatUint(id, 10), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("engine update: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out updateResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("engine update: decoding response: %w", err)
		}
		return out.NewVersion, nil
	case http.StatusConflict:
		vc := new(VersionConflictError)
		if err := json.NewDecoder(resp.Body).Decode(vc); err != nil {
			return 0, fmt.Errorf("engine update: decoding conflict: %w", err)
		}
		return 0, vc
	case http.StatusNotFound:
		return 0, ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, ErrUnauthorized
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("engine update: unexpected status %d: %s", resp.StatusCode, snippet)
	}
}

// UpdateStatusTerminal drives a settlement to a terminal status and keeps
// retrying until ctx is done: the chain already moved funds, so the only
// acceptable outcomes are "updated" or "someone else already updated it". A
// version conflict here means reconciliation or another worker won, which
// counts as success. ErrNotFound is returned at once without a retry.
func (c *Client) UpdateStatusTerminal(ctx context.Context, id uint64, status Status, expectedVersion uint64, opts UpdateOpts) (uint64, error) {
	backoff := terminalBackoffStart
	for {
		newVersion, err := c.UpdateStatus(ctx, id, status, expectedVersion, opts)
		if err == nil {
			return newVersion, nil
		}
		if vc, ok := IsVersionConflict(err); ok {
			log.Info("Terminal update already applied by another actor", "id", id, "status", status, "current", vc.Current)
			return vc.Current, nil
		}
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		log.Warn("Terminal status update failed, retrying", "id", id, "status", status, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > terminalBackoffCap {
			backoff = terminalBackoffCap
		}
	}
}

// getRetry issues a GET with one retry per backoff step, backing off on
// transport errors and 5xx. Client errors are surfaced immediately.
func (c *Client) getRetry(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= len(listBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(listBackoff[attempt-1]):
			}
		}
		lastErr = c.get(ctx, path, out)
		if lastErr == nil {
			return nil
		}
		var retryable *retryableError
		if !errors.As(lastErr, &retryable) {
			return lastErr
		}
		log.Debug("Engine read failed, retrying", "path", path, "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

// retryableError marks transport and server-side failures of reads.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &retryableError{fmt.Errorf("engine get: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("engine get: decoding response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return &retryableError{fmt.Errorf("engine get: server status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("engine get: unexpected status %d", resp.StatusCode)
	}
}
