// Package transport implements the sync protocol over HTTP. All
// partial-failure handling lives here: callers only ever see typed faults.
package transport

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

	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
)

// principalHeader identifies the calling principal; the backend checks it
// against the ownerId of every record touched.
const principalHeader = "X-Principal-ID"

// DefaultTimeout bounds every transport call. A timeout is treated as a
// transient network fault.
const DefaultTimeout = 20 * time.Second

// HTTPTransport is the production Transport implementation.
type HTTPTransport struct {
	baseURL   string
	principal string
	client    *http.Client
}

var _ syncpkg.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport bound to one backend and principal.
// A zero timeout falls back to DefaultTimeout.
func NewHTTPTransport(baseURL, principal string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPTransport{
		baseURL:   baseURL,
		principal: principal,
		client:    &http.Client{Timeout: timeout},
	}
}

// ===== Content Operations =====

// PullVersion returns the backend's current global content version.
func (t *HTTPTransport) PullVersion(ctx context.Context) (int64, error) {
	var out struct {
		Version   int64 `json:"version"`
		UpdatedAt int64 `json:"updatedAt"`
	}
	if err := t.get(ctx, "/content/version", nil, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// PullTables returns the tables changed after the given version.
func (t *HTTPTransport) PullTables(ctx context.Context, changedSince int64) ([]syncpkg.TableSnapshot, error) {
	query := url.Values{"since": {strconv.FormatInt(changedSince, 10)}}
	var out []syncpkg.TableSnapshot
	if err := t.get(ctx, "/content/tables", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ===== Record Operations =====

// PushBatch sends one collection's batch and returns per-record verdicts.
func (t *HTTPTransport) PushBatch(ctx context.Context, collection string, records []syncpkg.PushRecord) ([]syncpkg.PushResult, error) {
	body := struct {
		Collection string               `json:"collection"`
		Records    []syncpkg.PushRecord `json:"records"`
	}{Collection: collection, Records: records}

	var out struct {
		Results []syncpkg.PushResult `json:"results"`
	}
	if err := t.post(ctx, "/records/push", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// PullOwnedRecords returns the principal's records updated strictly after
// the given timestamp.
func (t *HTTPTransport) PullOwnedRecords(ctx context.Context, collection string, since int64) ([]syncpkg.RemoteRecord, error) {
	query := url.Values{
		"collection": {collection},
		"ownerId":    {t.principal},
		"since":      {strconv.FormatInt(since, 10)},
	}
	var out []syncpkg.RemoteRecord
	if err := t.get(ctx, "/records/pull", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ===== HTTP plumbing =====

func (t *HTTPTransport) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return faults.Wrap(faults.CodeInternal, "failed to build request", err)
	}
	return t.do(req, out)
}

func (t *HTTPTransport) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return faults.Wrap(faults.CodeInternal, "failed to encode request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return faults.Wrap(faults.CodeInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, out)
}

func (t *HTTPTransport) do(req *http.Request, out interface{}) error {
	req.Header.Set(principalHeader, t.principal)

	resp, err := t.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all retryable.
		if errors.Is(err, context.Canceled) {
			return faults.Wrap(faults.CodeInternal, "request cancelled", err)
		}
		logging.Debug("Transport call failed", map[string]interface{}{
			"url":   req.URL.String(),
			"error": err.Error(),
		})
		return faults.Wrap(faults.CodeTransientNetwork, "network request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.New(faults.CodeAuth,
			fmt.Sprintf("backend refused credentials (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return faults.New(faults.CodeTransientNetwork,
			fmt.Sprintf("backend unavailable (status %d)", resp.StatusCode))
	default:
		return faults.New(faults.CodeInternal,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, req.URL.Path))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Wrap(faults.CodeTransientNetwork, "failed to read response", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return faults.Wrap(faults.CodeInternal, "failed to decode response", err)
	}
	return nil
}
