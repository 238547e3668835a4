// Package httpstore is a store.Store backed by the REST document API.
//
// Routes:
//
//	GET    /api/documents/{id}/
//	PUT    /api/documents/{id}/        partial update
//	DELETE /api/documents/{id}/
//	POST   /api/documents/
//	GET    /api/documents/?root=true
//	GET    /api/documents/?parent={id}
package httpstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/collabdoc/docsync/internal/codec"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
)

// APIPrefix is prepended to every document route.
const APIPrefix = "/api"

// Client provides typed access to the document API. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	codec      codec.Codec

	mu        sync.RWMutex
	authToken string
}

var _ store.Store = (*Client)(nil)

// NewClient creates a client for baseURL, e.g. "http://localhost:8000",
// without a trailing slash or API prefix.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
		},
		codec: codec.JSON{},
	}
}

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// doRequest performs an HTTP request with proper headers
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := c.codec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+APIPrefix+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(req)
}

// decodeResponse decodes the JSON response into target. 404 and 403 map to
// the store sentinels.
func (c *Client) decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return constants.ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return constants.ErrForbidden
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: status=%d, body=%s", resp.StatusCode, string(body))
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := c.codec.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func documentPath(id models.DocumentID) string {
	return fmt.Sprintf("/documents/%s/", id)
}

func (c *Client) GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, documentPath(id), nil)
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}

	var doc models.Document
	if err := c.decodeResponse(resp, &doc); err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return &doc, nil
}

func (c *Client) UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error) {
	resp, err := c.doRequest(ctx, http.MethodPut, documentPath(id), update)
	if err != nil {
		return nil, fmt.Errorf("update document %d: %w", id, err)
	}

	var doc models.Document
	if err := c.decodeResponse(resp, &doc); err != nil {
		return nil, fmt.Errorf("update document %d: %w", id, err)
	}
	return &doc, nil
}

func (c *Client) CreateDocument(ctx context.Context, nd models.NewDocument) (*models.Document, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/documents/", nd)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	var doc models.Document
	if err := c.decodeResponse(resp, &doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return &doc, nil
}

func (c *Client) DeleteDocument(ctx context.Context, id models.DocumentID) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, documentPath(id), nil)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	if err := c.decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	return nil
}

func (c *Client) ListRootDocuments(ctx context.Context) ([]*models.Document, error) {
	return c.list(ctx, url.Values{"root": {"true"}})
}

func (c *Client) ListChildDocuments(ctx context.Context, parentID models.DocumentID) ([]*models.Document, error) {
	return c.list(ctx, url.Values{"parent": {parentID.String()}})
}

func (c *Client) list(ctx context.Context, query url.Values) ([]*models.Document, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/documents/?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	var docs []*models.Document
	if err := c.decodeResponse(resp, &docs); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
