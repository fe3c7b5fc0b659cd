package heat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for dataset fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts per fetch.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits a dataset document to 50 MB.
	maxResponseBytes = 50 << 20
)

// ErrNotServed is returned by a source that does not carry the requested dataset.
// ChainSource moves on to the next source when it sees it.
var ErrNotServed = errors.New("dataset not served by this source")

// Source fetches the raw document behind a dataset
type Source interface {
	Fetch(ctx context.Context, spec DatasetSpec) ([]byte, error)
}

// SourceFunc adapts a function to the Source interface
type SourceFunc func(ctx context.Context, spec DatasetSpec) ([]byte, error)

// Fetch calls f
func (f SourceFunc) Fetch(ctx context.Context, spec DatasetSpec) ([]byte, error) {
	return f(ctx, spec)
}

// FetchOption configures an HTTPSource.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// HTTPSource fetches <baseURL>/<file> with retries and exponential backoff
type HTTPSource struct {
	baseURL string
	cfg     fetchConfig
	client  *http.Client
}

// NewHTTPSource creates an HTTP source rooted at baseURL
func NewHTTPSource(baseURL string, opts ...FetchOption) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("http source: base URL is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), cfg: cfg, client: client}, nil
}

// URL returns the address a dataset is fetched from
func (s *HTTPSource) URL(spec DatasetSpec) string {
	return s.baseURL + "/" + url.PathEscape(spec.Resolved().File)
}

// Fetch retrieves the dataset document. Transient failures are retried;
// cancellation of ctx aborts the backoff wait.
func (s *HTTPSource) Fetch(ctx context.Context, spec DatasetSpec) ([]byte, error) {
	target := s.URL(spec)

	var lastErr error
	for attempt := range s.cfg.maxRetries {
		if attempt > 0 {
			backoff := s.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch %s: %w", spec.Name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, s.client, target)
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}

	return nil, fmt.Errorf("fetch %s: all %d attempts failed: %w", spec.Name, s.cfg.maxRetries, lastErr)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", target, err)
	}

	return body, nil
}

// DirSource reads dataset documents from a local directory
type DirSource struct {
	Dir string
}

// Fetch reads <Dir>/<file>. A missing file is reported as ErrNotServed.
func (s DirSource) Fetch(ctx context.Context, spec DatasetSpec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, filepath.Base(spec.Resolved().File))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotServed)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// ChainSource tries each source in order until one serves the dataset
type ChainSource []Source

// Fetch returns the first successful result. Errors other than ErrNotServed
// are remembered and returned if no later source succeeds.
func (c ChainSource) Fetch(ctx context.Context, spec DatasetSpec) ([]byte, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("no sources configured: %w", ErrNotServed)
	}
	var errs []error
	for _, src := range c {
		data, err := src.Fetch(ctx, spec)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// NewSourceFromConfig assembles the configured sources in lookup order:
// SQLite (composite datasets only), directory, HTTP.
// The returned close function releases the SQLite handle.
func NewSourceFromConfig(cfg SourcesConfig, opts ...FetchOption) (Source, func() error, error) {
	var chain ChainSource
	closeFn := func() error { return nil }

	if cfg.SQLitePath != "" {
		sq, err := OpenSQLiteSource(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, sq)
		closeFn = sq.Close
	}
	if cfg.DataDir != "" {
		chain = append(chain, DirSource{Dir: cfg.DataDir})
	}
	if cfg.BaseURL != "" {
		all := append([]FetchOption{WithTimeout(cfg.Timeout), WithMaxRetries(cfg.MaxRetries)}, opts...)
		hs, err := NewHTTPSource(cfg.BaseURL, all...)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		chain = append(chain, hs)
	}

	return chain, closeFn, nil
}
