// Package apiclient is the reference HTTP implementation of the remote
// boundary the synchronization core consumes. The core never imports it; it
// only receives the opaque RemoteCall/BatchRemote/FetchFunc closures built
// here. Retry policy and circuit breaking live on this side of the boundary
// by design: the core treats every remote failure, timeouts included, the
// same way.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/marginalia-hq/marginalia"
)

// Client talks to the document-library API.
type Client struct {
	cfg     marginalia.RemoteConfig
	httpc   *http.Client
	breaker *CircuitBreaker
	token   func(ctx context.Context) (string, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithToken supplies the bearer-token source attached to every request.
func WithToken(fn func(ctx context.Context) (string, error)) Option {
	return func(c *Client) { c.token = fn }
}

// New creates a client for cfg.BaseURL.
func New(cfg marginalia.RemoteConfig, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerOpenFor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the error body shape the server answers with.
type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.breaker.IsOpen() {
		return &marginalia.SyncError{
			Type:    marginalia.ErrorTypeNetwork,
			Code:    marginalia.ErrCodeBreakerOpen,
			Message: "remote API circuit is open",
		}
	}

	call := func() error {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		se := marginalia.AsSyncError(err)
		// 4xx (including 404) is a definitive answer; retrying cannot help.
		if se.Type == marginalia.ErrorTypeRejected || se.Type == marginalia.ErrorTypeNotFound {
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if c.cfg.RetryEnabled {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = c.cfg.RetryInitialWait
		policy.MaxInterval = c.cfg.RetryMaxWait
		policy.MaxElapsedTime = c.cfg.RetryMaxElapsed
		err = backoff.Retry(call, backoff.WithContext(policy, ctx))
	} else {
		err = call()
	}
	if err != nil {
		se := marginalia.AsSyncError(err)
		if se.Type == marginalia.ErrorTypeNetwork || se.Type == marginalia.ErrorTypeServer {
			c.breaker.RecordFailure()
		}
		return se
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return marginalia.NewValidationError(fmt.Sprintf("failed to encode request body: %v", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return marginalia.NewValidationError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		tok, terr := c.token(ctx)
		if terr != nil {
			return marginalia.NewNetworkError("failed to obtain auth token").WithCause(terr)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return marginalia.NewNetworkError(err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		msg := resp.Status
		if derr := json.NewDecoder(resp.Body).Decode(&ae); derr == nil && ae.Message != "" {
			msg = ae.Message
		}
		zap.S().Debugw("remote call failed", "method", method, "path", path,
			"status", resp.StatusCode, "message", msg)
		return marginalia.ErrorFromStatus(resp.StatusCode, msg)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return marginalia.NewServerError("failed to decode response body").WithCause(err)
	}
	return nil
}

// CreateResource returns the remote call confirming an optimistic resource
// creation. The server response carries the authoritative identifier that
// replaces the client temporary one.
func (c *Client) CreateResource(r *marginalia.Resource) marginalia.RemoteCall {
	payload := r.CloneEntity().(*marginalia.Resource)
	payload.ID = ""
	payload.Pending = false
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		var created marginalia.Resource
		if err := c.do(ctx, http.MethodPost, "/api/v1/resources", payload, &created); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{Entities: []marginalia.Entity{&created}}, nil
	}
}

// UpdateResource returns the remote call for a field update.
func (c *Client) UpdateResource(id string, fields map[string]any) marginalia.RemoteCall {
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		var updated marginalia.Resource
		if err := c.do(ctx, http.MethodPatch, "/api/v1/resources/"+url.PathEscape(id), fields, &updated); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{Entities: []marginalia.Entity{&updated}}, nil
	}
}

// DeleteResource returns the per-item remote call for resource deletion.
func (c *Client) DeleteResource() marginalia.DeleteRemote {
	return func(ctx context.Context, id string) (*marginalia.RemotePayload, error) {
		if err := c.do(ctx, http.MethodDelete, "/api/v1/resources/"+url.PathEscape(id), nil, nil); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{
			Deleted: []marginalia.TargetRef{{Family: marginalia.FamilyResource, ID: id}},
		}, nil
	}
}

// CreateCollection returns the remote call confirming an optimistic
// collection creation.
func (c *Client) CreateCollection(col *marginalia.Collection) marginalia.RemoteCall {
	payload := col.CloneEntity().(*marginalia.Collection)
	payload.ID = ""
	payload.Pending = false
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		var created marginalia.Collection
		if err := c.do(ctx, http.MethodPost, "/api/v1/collections", payload, &created); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{Entities: []marginalia.Entity{&created}}, nil
	}
}

// UpdateCollection returns the remote call for a collection field update.
func (c *Client) UpdateCollection(id string, fields map[string]any) marginalia.RemoteCall {
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		var updated marginalia.Collection
		if err := c.do(ctx, http.MethodPatch, "/api/v1/collections/"+url.PathEscape(id), fields, &updated); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{Entities: []marginalia.Entity{&updated}}, nil
	}
}

// DeleteCollection returns the remote call deleting a collection.
func (c *Client) DeleteCollection(id string) marginalia.RemoteCall {
	return func(ctx context.Context) (*marginalia.RemotePayload, error) {
		if err := c.do(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(id), nil, nil); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{
			Deleted: []marginalia.TargetRef{{Family: marginalia.FamilyCollection, ID: id}},
		}, nil
	}
}

// AddToCollection returns the per-item remote call for batch adds. The
// server answers with the updated collection post-image.
func (c *Client) AddToCollection() marginalia.BatchRemote {
	return func(ctx context.Context, collectionID, resourceID string) (*marginalia.RemotePayload, error) {
		path := "/api/v1/collections/" + url.PathEscape(collectionID) + "/resources/" + url.PathEscape(resourceID)
		var updated marginalia.Collection
		if err := c.do(ctx, http.MethodPut, path, nil, &updated); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{Entities: []marginalia.Entity{&updated}}, nil
	}
}

// RemoveFromCollection returns the per-item remote call for batch removes.
func (c *Client) RemoveFromCollection() marginalia.BatchRemote {
	return func(ctx context.Context, collectionID, resourceID string) (*marginalia.RemotePayload, error) {
		path := "/api/v1/collections/" + url.PathEscape(collectionID) + "/resources/" + url.PathEscape(resourceID)
		var updated marginalia.Collection
		if err := c.do(ctx, http.MethodDelete, path, nil, &updated); err != nil {
			return nil, err
		}
		return &marginalia.RemotePayload{Entities: []marginalia.Entity{&updated}}, nil
	}
}

// ListResources returns a cacheable fetcher for a resource list view.
// params should already be canonical (see marginalia.CanonicalParams).
func (c *Client) ListResources(params string) marginalia.FetchFunc {
	path := "/api/v1/resources"
	if params != "" {
		path += "?" + params
	}
	return func(ctx context.Context) (any, error) {
		var out []*marginalia.Resource
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// ListCollections returns a cacheable fetcher for the collection list view.
func (c *Client) ListCollections(params string) marginalia.FetchFunc {
	path := "/api/v1/collections"
	if params != "" {
		path += "?" + params
	}
	return func(ctx context.Context) (any, error) {
		var out []*marginalia.Collection
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Suggestions returns a cacheable fetcher for the ranked related-resource
// list of one resource. Callers cache it under ViewSuggestions, whose
// staleness window is longer than list/detail reads.
func (c *Client) Suggestions(resourceID string) marginalia.FetchFunc {
	path := "/api/v1/resources/" + url.PathEscape(resourceID) + "/suggestions"
	return func(ctx context.Context) (any, error) {
		var out []*marginalia.Resource
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
