// Package apiclient implements the HTTP client for the authoritative
// roster server.
//
// The transport contract is small: submit one mutation, pull changes
// since a timestamp. Every submission carries the queue item's id in the
// Idempotency-Key header; the server guarantees that re-delivery of the
// same key never creates a duplicate record and instead returns the
// previously committed canonical entity.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/schema"
)

// CanonicalEntity is the server-authoritative representation of a record,
// returned after a successful submission or a reconciliation pull.
type CanonicalEntity struct {
	ID      string            `json:"id"`
	Kind    schema.EntityKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
	Version int64             `json:"version"`
	// Deleted marks a tombstone: the entity was removed server-side and
	// must be evicted from the local cache.
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenFunc supplies the bearer credential for a call. Returning an
// error is treated as "credential unavailable" - an auth-class failure.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds client configuration.
type Config struct {
	// BaseURL is the server root, e.g. "https://roster.example.org".
	BaseURL string

	// Token supplies the bearer credential attached to every call.
	Token TokenFunc

	// DeviceID identifies this client to the server.
	DeviceID string

	// Timeout bounds every remote call. Expiry classifies as a network
	// error, which is retryable.
	Timeout time.Duration
}

// Client talks to the roster server over HTTP/JSON.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a client. A zero Timeout defaults to ten seconds.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// mutationRequest is the wire shape of a submitted mutation.
type mutationRequest struct {
	Op         schema.OpKind     `json:"op"`
	EntityKind schema.EntityKind `json:"entity_kind"`
	EntityID   string            `json:"entity_id"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
}

// errorResponse is the wire shape of a structured server error.
type errorResponse struct {
	Message string `json:"message"`
}

// SubmitMutation submits one queue item, using its id as the idempotency
// key. On success the server's canonical entity is returned. Failures
// are always *Error values carrying their retry classification.
func (c *Client) SubmitMutation(ctx context.Context, item *queue.Item) (*CanonicalEntity, error) {
	body, err := json.Marshal(mutationRequest{
		Op:         item.OpKind,
		EntityKind: item.EntityKind,
		EntityID:   item.EntityID,
		Payload:    item.Payload,
		DeviceID:   c.config.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation %s: %w", item.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if apiErr := classifyStatus(resp); apiErr != nil {
		return nil, apiErr
	}

	var entity CanonicalEntity
	if err := json.NewDecoder(resp.Body).Decode(&entity); err != nil {
		return nil, &Error{
			Kind:   KindServerUnavailable,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("failed to decode canonical entity: %w", err),
		}
	}
	return &entity, nil
}

// FetchChangesSince pulls the canonical entities changed since the given
// timestamp, for the reconciliation merge. A zero time fetches all.
func (c *Client) FetchChangesSince(ctx context.Context, since time.Time) ([]CanonicalEntity, error) {
	endpoint := c.config.BaseURL + "/v1/changes"
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if apiErr := classifyStatus(resp); apiErr != nil {
		return nil, apiErr
	}

	var payload struct {
		Entities []CanonicalEntity `json:"entities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{
			Kind:   KindServerUnavailable,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("failed to decode changes: %w", err),
		}
	}
	return payload.Entities, nil
}

// HealthURL returns the endpoint the connectivity monitor should probe.
func (c *Client) HealthURL() string {
	return c.config.BaseURL + "/v1/health"
}

// do attaches the credential and executes the request. Transport-level
// failures, including the per-call timeout, classify as network errors.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.config.Token != nil {
		token, err := c.config.Token(req.Context())
		if err != nil {
			return nil, &Error{
				Kind: KindAuth,
				Err:  fmt.Errorf("credential unavailable: %w", err),
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	return resp, nil
}

// classifyStatus maps a non-success HTTP status to its error class.
func classifyStatus(resp *http.Response) *Error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &Error{Status: resp.StatusCode}

	// Read the structured error body if the server sent one.
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); err == nil {
		var parsed errorResponse
		if json.Unmarshal(body, &parsed) == nil {
			apiErr.Message = parsed.Message
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.Kind = KindAuth
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		apiErr.Kind = KindValidation
	default:
		apiErr.Kind = KindServerUnavailable
	}
	return apiErr
}
