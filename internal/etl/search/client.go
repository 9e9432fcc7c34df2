// Package search talks to Elasticsearch: cluster health, index lifecycle and
// bulk writes. Every request passes through the retry policy; bulk requests
// are also rate limited.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"golang.org/x/time/rate"

	"github.com/cinemaindex/pgsync/internal/retry"
)

// Config configures the Elasticsearch client.
type Config struct {
	// Addresses of cluster nodes, e.g. http://localhost:9200.
	Addresses []string

	Username string
	Password string

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// BulkRate caps bulk requests per second. Zero disables the limiter.
	BulkRate float64

	// BulkBurst is the limiter burst size (default: 1).
	BulkBurst int

	// SchemaDir overrides the embedded index schemas with
	// <SchemaDir>/<kind>.json when present.
	SchemaDir string

	// Transport is used instead of the default HTTP transport (tests).
	Transport http.RoundTripper
}

// DefaultConfig returns settings for a local single-node cluster.
func DefaultConfig() *Config {
	return &Config{
		Addresses: []string{"http://localhost:9200"},
		Timeout:   30 * time.Second,
		BulkRate:  20,
		BulkBurst: 1,
	}
}

// Client wraps the Elasticsearch API calls pgsync makes.
type Client struct {
	es      *elasticsearch.Client
	config  *Config
	retry   *retry.Policy
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a client. It does not contact the cluster; call WaitForHealth
// before the first write.
func New(config *Config, policy *retry.Policy, logger *log.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[search] ", log.LstdFlags)
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
		Transport: config.Transport,
		// Retries belong to the policy, which logs and backs off.
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.BulkRate > 0 {
		burst := config.BulkBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.BulkRate), burst)
	}

	return &Client{
		es:      es,
		config:  config,
		retry:   policy,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: elasticsearch returned %d: %s", e.Op, e.Status, e.Body)
}

// retryable reports whether the status may succeed on a later attempt.
func (e *StatusError) retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// classify turns a failed response into an error for the retry policy:
// client errors other than 408/429 are permanent.
func classify(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := &StatusError{Op: op, Status: res.StatusCode, Body: string(bytes.TrimSpace(body))}
	if err.retryable() {
		return err
	}
	return retry.Permanent(err)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

// WaitForHealth blocks until the cluster reports at least status ("yellow"
// or "green"), retrying through the policy.
func (c *Client) WaitForHealth(ctx context.Context, status string) error {
	err := c.retry.Do(ctx, "elasticsearch health", func(ctx context.Context) error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		res, err := c.es.Cluster.Health(
			c.es.Cluster.Health.WithContext(ctx),
			c.es.Cluster.Health.WithWaitForStatus(status),
			c.es.Cluster.Health.WithTimeout(time.Second),
		)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.IsError() {
			// A health timeout is reported as 408 and is worth waiting on.
			return classify("cluster health", res)
		}

		var health struct {
			Status   string `json:"status"`
			TimedOut bool   `json:"timed_out"`
		}
		if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
			return fmt.Errorf("failed to decode cluster health: %w", err)
		}
		if health.TimedOut || !statusAtLeast(health.Status, status) {
			return fmt.Errorf("cluster status is %q, waiting for %q", health.Status, status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed waiting for cluster health: %w", err)
	}
	return nil
}

func statusAtLeast(got, want string) bool {
	rank := map[string]int{"red": 0, "yellow": 1, "green": 2}
	g, ok := rank[got]
	if !ok {
		return false
	}
	return g >= rank[want]
}

// IndexExists reports whether the index exists.
func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	return retry.Value(ctx, c.retry, "index exists "+name, func(ctx context.Context) (bool, error) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		res, err := c.es.Indices.Exists([]string{name}, c.es.Indices.Exists.WithContext(ctx))
		if err != nil {
			return false, err
		}
		defer res.Body.Close()

		switch res.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			return false, classify("index exists", res)
		}
	})
}

// EnsureIndex creates index name with the schema of kind unless it already
// exists. It reports whether the index was created.
func (c *Client) EnsureIndex(ctx context.Context, name, kind string) (bool, error) {
	exists, err := c.IndexExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	if exists {
		return false, nil
	}

	body, err := LoadSchema(c.config.SchemaDir, kind)
	if err != nil {
		return false, err
	}

	created, err := retry.Value(ctx, c.retry, "create index "+name, func(ctx context.Context) (bool, error) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		res, err := c.es.Indices.Create(name,
			c.es.Indices.Create.WithContext(ctx),
			c.es.Indices.Create.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return false, err
		}
		defer res.Body.Close()

		if res.IsError() {
			statusErr := classify("create index", res)
			var se *StatusError
			if errors.As(statusErr, &se) && strings.Contains(se.Body, "resource_already_exists_exception") {
				return false, nil
			}
			return false, statusErr
		}
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create index %s: %w", name, err)
	}
	if created {
		c.logger.Printf("Created index %s (%s schema)", name, kind)
	}
	return created, nil
}

// ItemFailure is one rejected item of a bulk request.
type ItemFailure struct {
	ID     string
	Status int
	Type   string
	Reason string
}

func (f ItemFailure) String() string {
	return fmt.Sprintf("%s: %d %s: %s", f.ID, f.Status, f.Type, f.Reason)
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Bulk submits an NDJSON bulk body and returns the items the cluster
// rejected. A nil slice means every item was written. Transport failures and
// retryable statuses go through the retry policy; item-level failures do not.
func (c *Client) Bulk(ctx context.Context, body []byte) ([]ItemFailure, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("bulk rate limiter: %w", err)
	}

	return retry.Value(ctx, c.retry, "elasticsearch bulk", func(ctx context.Context) ([]ItemFailure, error) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		res, err := c.es.Bulk(bytes.NewReader(body),
			c.es.Bulk.WithContext(ctx),
			c.es.Bulk.WithFilterPath("errors", "items.*._id", "items.*.status", "items.*.error"),
		)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		if res.IsError() {
			return nil, classify("bulk", res)
		}

		var parsed bulkResponse
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("failed to decode bulk response: %w", err)
		}
		if !parsed.Errors {
			return nil, nil
		}

		var failures []ItemFailure
		for _, item := range parsed.Items {
			for _, result := range item {
				if result.Error == nil && result.Status < 300 {
					continue
				}
				f := ItemFailure{ID: result.ID, Status: result.Status}
				if result.Error != nil {
					f.Type = result.Error.Type
					f.Reason = result.Error.Reason
				}
				failures = append(failures, f)
			}
		}
		return failures, nil
	})
}
