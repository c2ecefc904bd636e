// Package remote talks to the authoritative band-management document
// store: CRUD over HTTP plus live collection snapshots over a
// websocket. The store is schemaless and JSON-document oriented; every
// document carries the owning group's id for scoped queries.
package remote

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
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// Document is one record in a remote collection.
type Document struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"groupId"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

// Subscription is a live query. Stop is idempotent and safe to call on
// a subscription that never started.
type Subscription interface {
	Stop()
}

// DocumentClient is the full remote surface the core depends on.
// Fakes in tests implement it in-memory.
type DocumentClient interface {
	QueryDocuments(ctx context.Context, collection, groupID string) ([]Document, error)
	CreateDocument(ctx context.Context, collection string, doc Document) (Document, error)
	UpdateDocument(ctx context.Context, collection, id string, doc Document) (Document, error)
	DeleteDocument(ctx context.Context, collection, id string) error
	Subscribe(collection, groupID string, onSnapshot func([]Document), onError func(error)) (Subscription, error)
}

// WriteOp tags one operation inside a transactional batch.
type WriteOp string

const (
	WriteOpPut    WriteOp = "put"
	WriteOpDelete WriteOp = "delete"
)

type Write struct {
	Op         WriteOp  `json:"op"`
	Collection string   `json:"collection"`
	Document   Document `json:"document"`
}

// TransactionalWriter commits a batch atomically. Any backend offering
// multi-document atomicity can implement it; the HTTP client maps it to
// the store's batch endpoint.
type TransactionalWriter interface {
	Commit(ctx context.Context, writes []Write) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrPermissionDenied:
		return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Transient reports whether err is worth retrying or falling back to
// cache for: network failures, timeouts, throttling, server errors.
// Denials and malformed requests are permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return true
}

type Options struct {
	BaseURL    string
	Tokens     *TokenSource
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	tokens     *TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) QueryDocuments(ctx context.Context, collection, groupID string) ([]Document, error) {
	q := url.Values{}
	q.Set("groupId", groupID)
	var out struct {
		Documents []Document `json:"documents"`
	}
	path := fmt.Sprintf("/v1/collections/%s/documents?%s", url.PathEscape(collection), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) CreateDocument(ctx context.Context, collection string, doc Document) (Document, error) {
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = uuid.NewString()
	}
	var out Document
	path := fmt.Sprintf("/v1/collections/%s/documents", url.PathEscape(collection))
	if err := c.doJSON(ctx, http.MethodPost, path, doc, &out); err != nil {
		return Document{}, err
	}
	return out, nil
}

func (c *Client) UpdateDocument(ctx context.Context, collection, id string, doc Document) (Document, error) {
	var out Document
	path := fmt.Sprintf("/v1/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPut, path, doc, &out); err != nil {
		return Document{}, err
	}
	return out, nil
}

func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf("/v1/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(id))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) Commit(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	body := struct {
		Writes []Write `json:"writes"`
	}{Writes: writes}
	return c.doJSON(ctx, http.MethodPost, "/v1/batch", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.tokens != nil {
			token, tokenErr := c.tokens.Token()
			if tokenErr != nil {
				return tokenErr
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", "sync_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
