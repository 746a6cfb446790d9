// Package opensearch wraps the OpenSearch REST calls used by detection runs.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/sony/gobreaker"

	"github.com/telhawk-systems/telhawk-sigma/internal/config"
)

// ErrWriteBlocked is returned when an update is rejected by an index write block.
var ErrWriteBlocked = errors.New("index write blocked")

// Hit is a matching document and the concrete index that owns it.
type Hit struct {
	ID     string          `json:"_id"`
	Index  string          `json:"_index"`
	Source json.RawMessage `json:"_source"`
}

type Client struct {
	client  *opensearch.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewClient connects and pings the cluster.
func NewClient(ctx context.Context, cfg config.OpenSearchConfig) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	c := &Client{client: client, timeout: cfg.RequestTimeout}
	if cfg.Breaker.Enabled {
		c.breaker = newBreaker(cfg.Breaker)
	}

	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newBreaker(cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "opensearch-search",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.client.Info(c.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// Search runs body against indices and returns at most size hits.
func (c *Client) Search(ctx context.Context, indices []string, body map[string]any, size int) ([]Hit, error) {
	if c.breaker == nil {
		return c.search(ctx, indices, body, size)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.search(ctx, indices, body, size)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Hit), nil
}

func (c *Client) search(ctx context.Context, indices []string, body map[string]any, size int) ([]Hit, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(indices...),
		c.client.Search.WithBody(bytes.NewReader(bodyBytes)),
		c.client.Search.WithSize(size),
		c.client.Search.WithSource("false"),
		c.client.Search.WithIgnoreUnavailable(true),
		c.client.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError("search", res)
	}

	var result struct {
		Hits struct {
			Hits []Hit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return result.Hits.Hits, nil
}

// UpdateField merges field=value into an existing document.
// A rejection caused by a write block is reported as ErrWriteBlocked.
func (c *Client) UpdateField(ctx context.Context, index, id, field string, value any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"doc": map[string]any{field: value},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	res, err := c.client.Update(index, id, bytes.NewReader(body),
		c.client.Update.WithContext(ctx),
		c.client.Update.WithRetryOnConflict(3),
	)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(fmt.Sprintf("update %s/%s", index, id), res)
	}
	return nil
}

// SetWriteBlock sets or clears index.blocks.write on index.
func (c *Client) SetWriteBlock(ctx context.Context, index string, blocked bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"index": map[string]any{
			"blocks": map[string]any{"write": blocked},
		},
	})
	if err != nil {
		return err
	}

	res, err := c.client.Indices.PutSettings(bytes.NewReader(body),
		c.client.Indices.PutSettings.WithContext(ctx),
		c.client.Indices.PutSettings.WithIndex(index),
	)
	if err != nil {
		return fmt.Errorf("failed to set write block on %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("put settings "+index, res)
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func responseError(op string, res *opensearchapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusForbidden && strings.Contains(string(body), "cluster_block_exception") {
		return fmt.Errorf("%s: %w: %s", op, ErrWriteBlocked, string(body))
	}
	return fmt.Errorf("%s: opensearch error: %s - %s", op, res.Status(), string(body))
}
