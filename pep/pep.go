// Package pep asks an external categorisation service whether positions are
// held by politically exposed persons, and annotates position entities with
// the service's topics.
//
// The service speaks JSON over HTTP:
//
//	GET  /positions/{id}   returns the categorisation of a position
//	POST /positions/{id}   replaces it, returning the stored categorisation
//
// A categorisation is {"is_pep": true|false|null, "topics": ["gov.national"]}.
package pep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/danielorbach/go-component"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/go-digitaltwin/go-resolution"
)

// A Categorisation tells whether a position makes its holders politically
// exposed. IsPEP is nil while the service has no opinion.
type Categorisation struct {
	IsPEP  *bool    `json:"is_pep"`
	Topics []string `json:"topics"`
}

// A Categoriser categorises positions.
type Categoriser interface {
	// Categorise returns the categorisation of a position, or an error
	// wrapping resolution.ErrNotFound if the position is unknown.
	Categorise(ctx context.Context, id string) (Categorisation, error)
}

// Config describes a Client.
type Config struct {
	// URL is the base URL of the service.
	URL string
	// Timeout bounds every request; zero means 10 seconds.
	Timeout time.Duration
	// RequestsPerSecond limits the request rate; zero means no limit.
	RequestsPerSecond float64
	// CacheTTL is how long categorisations are memoised; zero means 1 hour.
	CacheTTL time.Duration
	// Transport carries the requests; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is a Categoriser backed by the categorisation service. Answers are
// memoised until they expire or are invalidated. It is safe for concurrent
// use.
type Client struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	cache   *gocache.Cache
}

// NewClient returns a client of the service described by cfg.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pep client: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("pep client: unsupported url %q", cfg.URL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		base: base,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(cfg.Transport),
		},
		limiter: rate.NewLimiter(limit, 1),
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}, nil
}

// Categorise returns the memoised categorisation of a position, asking the
// service on a miss.
func (c *Client) Categorise(ctx context.Context, id string) (Categorisation, error) {
	if cached, ok := c.cache.Get(id); ok {
		return cached.(Categorisation), nil
	}
	cat, err := c.do(ctx, http.MethodGet, id, nil)
	if err != nil {
		return Categorisation{}, fmt.Errorf("categorise %s: %w", id, err)
	}
	c.cache.SetDefault(id, cat)
	return cat, nil
}

// Update stores a categorisation of a position in the service, returning the
// categorisation the service stored.
func (c *Client) Update(ctx context.Context, id string, cat Categorisation) (Categorisation, error) {
	body, err := json.Marshal(cat)
	if err != nil {
		return Categorisation{}, fmt.Errorf("update %s: %w", id, err)
	}
	stored, err := c.do(ctx, http.MethodPost, id, body)
	if err != nil {
		c.cache.Delete(id)
		return Categorisation{}, fmt.Errorf("update %s: %w", id, err)
	}
	c.cache.SetDefault(id, stored)
	return stored, nil
}

// Invalidate forgets the memoised categorisations of the given positions, or
// of every position if none are given.
func (c *Client) Invalidate(ids ...string) {
	if len(ids) == 0 {
		c.cache.Flush()
		return
	}
	for _, id := range ids {
		c.cache.Delete(id)
	}
}

func (c *Client) do(ctx context.Context, method, id string, body []byte) (Categorisation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Categorisation{}, err
	}
	endpoint := c.base.JoinPath("positions", url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Categorisation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Categorisation{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Categorisation{}, resolution.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Categorisation{}, &StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	var cat Categorisation
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return Categorisation{}, fmt.Errorf("decode response: %w", err)
	}
	return cat, nil
}

// A StatusError reports an unexpected response of the service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Annotate adds the topics of a position's categorisation to the entity. Only
// positions are categorised; positions unknown to the categoriser or
// categorised as not politically exposed are left alone. It reports whether
// the entity changed.
func Annotate(ctx context.Context, c Categoriser, e *resolution.Entity) (bool, error) {
	if !e.Schema.IsA("Position") {
		return false, nil
	}
	cat, err := c.Categorise(ctx, e.ID)
	if errors.Is(err, resolution.ErrNotFound) {
		component.Logger(ctx).Debug("Position is not categorised", slog.String("position", e.ID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cat.IsPEP != nil && !*cat.IsPEP {
		return false, nil
	}
	before := len(e.Props()["topics"])
	if err := e.Add("topics", cat.Topics...); err != nil {
		return false, fmt.Errorf("annotate %s: %w", e.ID, err)
	}
	return len(e.Props()["topics"]) > before, nil
}
