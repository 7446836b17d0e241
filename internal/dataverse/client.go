// Package dataverse is the HTTP client for the organization service: bulk
// writes, paged scans, associations, and metadata, plus the typed throttle
// and fault errors the rest of the engine dispatches on.
//
// One Client wraps one authenticated connection. The pool clones a seed
// client per pooled slot; clones carry no transport-level retry and no
// affinity cookie, so spreading across servers and retry policy stay in the
// callers' hands.
package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const apiPrefix = "/api/data/v9.2"

// ParallelismHintHeader is the response header the server uses to advertise
// a recommended degree of parallelism for the organization.
const ParallelismHintHeader = "x-ms-dop-hint"

// ErrClientClosed is returned by any call on a closed client.
var ErrClientClosed = errors.New("client is closed")

// TokenProvider supplies bearer tokens. Providers cache and refresh as they
// see fit; the client asks once per request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function to a TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config describes one organization connection.
type Config struct {
	// Name identifies the connection in logs and throttle tracking.
	Name string
	// BaseURL is the organization root, e.g. https://org.crm.dynamics.com.
	BaseURL string
	Token   TokenProvider

	// Timeout bounds a single request including body read.
	Timeout time.Duration
	// TransportRetries is the number of network-level retries. Server
	// faults are never retried at this layer.
	TransportRetries int
	// DefaultParallelism is used until the server advertises a hint.
	DefaultParallelism int
	// EnableAffinityCookie keeps the server's affinity cookie so requests
	// stick to one backend. Off by default; pooled clones force it off.
	EnableAffinityCookie bool
	UserAgent            string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.DefaultParallelism <= 0 {
		c.DefaultParallelism = 4
	}
	if c.UserAgent == "" {
		c.UserAgent = "shuttle"
	}
	return c
}

// Client is one authenticated connection to an organization.
type Client struct {
	cfg  Config
	base *url.URL
	http *retryablehttp.Client

	dop    atomic.Int32
	closed atomic.Bool
}

// New builds a client from cfg. It does not touch the network; the first
// request authenticates via the token provider.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, errors.New("connection name is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("connection %s: token provider is required", cfg.Name)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("connection %s: parsing base url: %w", cfg.Name, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("connection %s: base url %q has no scheme or host", cfg.Name, cfg.BaseURL)
	}

	c := &Client{cfg: cfg, base: base}
	c.dop.Store(int32(cfg.DefaultParallelism))
	c.http = newHTTPClient(cfg)
	return c, nil
}

func newHTTPClient(cfg Config) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = cfg.TransportRetries
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	// Server faults, throttles included, are the executor's business.
	// Only network errors are retried here.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	httpClient := &http.Client{Timeout: cfg.Timeout, Transport: transport}
	if cfg.EnableAffinityCookie {
		if jar, err := cookiejar.New(nil); err == nil {
			httpClient.Jar = jar
		}
	}
	rc.HTTPClient = httpClient
	return rc
}

// Name returns the connection name.
func (c *Client) Name() string { return c.cfg.Name }

// RecommendedParallelism returns the server's most recently advertised
// degree of parallelism, or the configured default before any response has
// carried the hint.
func (c *Client) RecommendedParallelism() int {
	return int(c.dop.Load())
}

// Clone produces an independent connection with the same endpoint and
// credentials. The clone owns a fresh transport, never retries internally,
// and drops the affinity cookie so pooled traffic spreads across backends.
func (c *Client) Clone() (*Client, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection %s: %w", c.cfg.Name, ErrClientClosed)
	}
	cfg := c.cfg
	cfg.TransportRetries = 0
	cfg.EnableAffinityCookie = false
	clone, err := New(cfg)
	if err != nil {
		return nil, err
	}
	clone.dop.Store(c.dop.Load())
	return clone, nil
}

// Close releases the client's idle connections. Closing twice is harmless.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.http.HTTPClient.CloseIdleConnections()
}

// WhoAmI verifies the connection end to end and returns the caller's user
// id.
func (c *Client) WhoAmI(ctx context.Context) (uuid.UUID, error) {
	var out struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "WhoAmI", nil, nil, &out); err != nil {
		return uuid.Nil, err
	}
	return out.UserID, nil
}

// ExecuteBulk submits one bulk write. Per-record failures come back in the
// response; the error return is reserved for request-level faults.
func (c *Client) ExecuteBulk(ctx context.Context, req *BulkRequest, opts CallOptions) (*BulkResponse, error) {
	if len(req.Targets) > BatchLimit {
		return nil, fmt.Errorf("bulk request carries %d targets, server limit is %d", len(req.Targets), BatchLimit)
	}
	var out BulkResponse
	if err := c.do(ctx, http.MethodPost, string(req.Operation), &opts, req, &out); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Operation, req.Entity, err)
	}
	return &out, nil
}

// RetrievePage fetches one page of an entity scan.
func (c *Client) RetrievePage(ctx context.Context, q *PageQuery) (*Page, error) {
	var out Page
	if err := c.do(ctx, http.MethodPost, "RetrievePage", nil, q, &out); err != nil {
		return nil, fmt.Errorf("retrieving %s page: %w", q.Entity, err)
	}
	return &out, nil
}

// Associate links records through a named relationship. Links that already
// exist count as associated.
func (c *Client) Associate(ctx context.Context, req *AssociateRequest, opts CallOptions) (*AssociateResponse, error) {
	var out AssociateResponse
	if err := c.do(ctx, http.MethodPost, "Associate", &opts, req, &out); err != nil {
		return nil, fmt.Errorf("associate %s: %w", req.Relationship, err)
	}
	return &out, nil
}

// RetrieveAssociations lists every link of a many-to-many relationship,
// keyed by the owning record.
func (c *Client) RetrieveAssociations(ctx context.Context, relationship string) ([]AssociationRow, error) {
	var out struct {
		Rows []AssociationRow `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, "associations/"+url.PathEscape(relationship), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("associations for %s: %w", relationship, err)
	}
	return out.Rows, nil
}

// EntityMetadata retrieves the target's definition of an entity. A missing
// entity reports ErrNotFound.
func (c *Client) EntityMetadata(ctx context.Context, entity string) (*EntityMetadata, error) {
	var out EntityMetadata
	if err := c.do(ctx, http.MethodGet, "metadata/"+url.PathEscape(entity), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", entity, err)
	}
	return &out, nil
}

// RecordExists checks whether a record is present on the target.
func (c *Client) RecordExists(ctx context.Context, entity string, id uuid.UUID) (bool, error) {
	path := "record/" + url.PathEscape(entity) + "/" + id.String()
	err := c.do(ctx, http.MethodGet, path, nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s %s: %w", entity, id, err)
	}
	return true, nil
}

// RecordCount returns the server's record count for an entity.
func (c *Client) RecordCount(ctx context.Context, entity string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "count/"+url.PathEscape(entity), nil, nil, &out); err != nil {
		return 0, fmt.Errorf("counting %s: %w", entity, err)
	}
	return out.Count, nil
}

type wireFault struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, opts *CallOptions, body, out any) error {
	if c.closed.Load() {
		return fmt.Errorf("connection %s: %w", c.cfg.Name, ErrClientClosed)
	}
	token, err := c.cfg.Token.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring token for %s: %w", c.cfg.Name, err)
	}

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + apiPrefix + "/" + path
	if opts != nil && opts.Tag != "" {
		q := u.Query()
		q.Set("tag", opts.Tag)
		u.RawQuery = q.Encode()
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts != nil {
		if v := opts.Bypass.headerValue(); v != "" {
			req.Header.Set("MSCRM.BypassBusinessLogicExecution", v)
		}
		if opts.SuppressExpanderJob {
			req.Header.Set("MSCRM.SuppressCallbackRegistrationExpanderJob", "true")
		}
		if opts.SuppressDuplicates {
			req.Header.Set("MSCRM.SuppressDuplicateDetection", "true")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	c.noteParallelismHint(resp.Header)

	if resp.StatusCode >= 400 {
		return c.fault(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) fault(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var wf wireFault
	_ = json.Unmarshal(raw, &wf)

	code, msg := wf.Error.Code, wf.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests || IsThrottleCode(code) {
		if code == "" {
			code = CodeRateLimitExceeded
		}
		return &ThrottleError{
			Source:     c.cfg.Name,
			Code:       code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    msg,
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return &FaultError{Status: resp.StatusCode, Code: code, Message: msg}
}

func (c *Client) noteParallelismHint(h http.Header) {
	v := h.Get(ParallelismHintHeader)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		c.dop.Store(int32(n))
	}
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
// Unparseable or absent values yield zero; the throttle tracker applies its
// own default in that case.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
