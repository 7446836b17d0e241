package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arkfield/shuttle/internal/dataverse"
)

// Source supplies authenticated clients to the pool. Implementations are
// safe for concurrent use and own the lifetime of the clients they hand
// out. Close may be called more than once.
type Source interface {
	Name() string
	MaxPoolSize() int
	// Seed returns the source's authenticated client. The pool calls it
	// at most once per pool instance and clones the result per slot.
	Seed(ctx context.Context) (*dataverse.Client, error)
	Close() error
}

// preAuthSource wraps a client that was authenticated elsewhere.
type preAuthSource struct {
	client *dataverse.Client
	max    int

	mu     sync.Mutex
	closed bool
}

// NewPreAuthenticatedSource builds a source around an existing client. The
// source takes ownership and closes the client on Close.
func NewPreAuthenticatedSource(client *dataverse.Client, maxPoolSize int) (Source, error) {
	if client == nil {
		return nil, errors.New("pre-authenticated source requires a client")
	}
	if maxPoolSize <= 0 {
		return nil, fmt.Errorf("source %s: max pool size must be positive, got %d", client.Name(), maxPoolSize)
	}
	return &preAuthSource{client: client, max: maxPoolSize}, nil
}

func (s *preAuthSource) Name() string     { return s.client.Name() }
func (s *preAuthSource) MaxPoolSize() int { return s.max }

func (s *preAuthSource) Seed(context.Context) (*dataverse.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dataverse.ErrClientClosed
	}
	return s.client, nil
}

func (s *preAuthSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Close()
	return nil
}

// configSource builds its client lazily from connection configuration, so
// constructing the source never touches the network.
type configSource struct {
	cfg dataverse.Config
	max int

	mu     sync.Mutex
	client *dataverse.Client
	closed bool
}

// NewConfigSource builds a source that authenticates on first use.
func NewConfigSource(cfg dataverse.Config, maxPoolSize int) (Source, error) {
	if cfg.Name == "" {
		return nil, errors.New("config source requires a connection name")
	}
	if maxPoolSize <= 0 {
		return nil, fmt.Errorf("source %s: max pool size must be positive, got %d", cfg.Name, maxPoolSize)
	}
	return &configSource{cfg: cfg, max: maxPoolSize}, nil
}

func (s *configSource) Name() string     { return s.cfg.Name }
func (s *configSource) MaxPoolSize() int { return s.max }

func (s *configSource) Seed(ctx context.Context) (*dataverse.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dataverse.ErrClientClosed
	}
	if s.client != nil {
		return s.client, nil
	}
	client, err := dataverse.New(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("building client: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *configSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
