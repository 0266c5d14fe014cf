// Package pool owns the process-shared MongoDB client. Many stateless
// request handlers share one driver client; the pool creates it lazily on
// first use and hands the same instance to every caller afterwards.
//
// The pool is an explicit, injectable registry with a controlled lifecycle
// (Initialize/Client/Close) rather than ambient module state; Default
// exposes one shared instance for frameworks that cannot thread a pool
// reference through their handlers.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/event"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/log"
)

// ErrNotInitialized is returned when the pool has no client yet.
var ErrNotInitialized = errors.New("connection pool not initialized")

type (
	// Options bounds the driver's connection pool and timeouts. All values
	// pass straight through to the underlying client; the pool adds no
	// cancellation mechanism of its own.
	Options struct {
		// MaxPoolSize caps concurrent connections; 0 keeps the default.
		MaxPoolSize uint64
		// MinPoolSize is the number of connections kept open when idle.
		MinPoolSize uint64
		// MaxConnIdleTime closes connections idle longer than this.
		MaxConnIdleTime time.Duration
		// ConnectTimeout bounds dialing a server.
		ConnectTimeout time.Duration
		// ServerSelectionTimeout bounds picking a server for an operation.
		ServerSelectionTimeout time.Duration
		// SocketTimeout bounds individual socket reads and writes. Ignored
		// when WaitQueueTimeout is set, since the driver's client-level
		// timeout subsumes it.
		SocketTimeout time.Duration
		// WaitQueueTimeout bounds an operation end to end, including the
		// wait for a free pooled connection (the driver's client-level
		// timeout).
		WaitQueueTimeout time.Duration
		// AppName tags connections in server logs.
		AppName string
	}

	// Stats is a point-in-time snapshot of pool activity.
	Stats struct {
		Initialized bool
		MaxPoolSize uint64
		MinPoolSize uint64
		// Created counts connections opened since initialization.
		Created int64
		// Closed counts connections torn down.
		Closed int64
		// InUse counts connections currently checked out.
		InUse int64
		// Available counts open connections not checked out.
		Available int64
	}

	// Pool lazily creates and shares exactly one driver client. Safe for
	// concurrent use; the client itself is safe for unsynchronized
	// concurrent use by many repositories once constructed.
	Pool struct {
		mu     sync.RWMutex
		client *mongodriver.Client
		opts   Options

		created    atomic.Int64
		closed     atomic.Int64
		checkedOut atomic.Int64
		checkedIn  atomic.Int64
	}
)

// DefaultOptions returns the pool bounds used when callers pass the zero
// Options value.
func DefaultOptions() Options {
	return Options{
		MaxPoolSize:            100,
		MinPoolSize:            10,
		MaxConnIdleTime:        30 * time.Minute,
		ConnectTimeout:         10 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		WaitQueueTimeout:       10 * time.Second,
	}
}

// New returns an uninitialized pool.
func New() *Pool {
	return &Pool{}
}

var defaultPool = New()

// Default returns the process-wide shared pool.
func Default() *Pool {
	return defaultPool
}

// Initialize connects the pool's client, or returns the existing one.
// Idempotent: concurrent callers block briefly on the same lock and all
// receive the first client created (double-checked locking, so only the
// first caller pays construction cost).
//
// Retry policy is asymmetric on purpose: retried writes can double-apply
// non-idempotent operations such as message appends, so only reads are
// auto-retried by the driver.
func (p *Pool) Initialize(ctx context.Context, uri string, opts Options) (*mongodriver.Client, error) {
	if uri == "" {
		return nil, errors.New("connection uri is required")
	}
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	client, err := mongodriver.Connect(ctx, p.clientOptions(uri, opts))
	if err != nil {
		return nil, err
	}
	p.client = client
	p.opts = opts
	log.Debugf(ctx, "mongo pool initialized (max=%d min=%d)", opts.MaxPoolSize, opts.MinPoolSize)
	return client, nil
}

func (p *Pool) clientOptions(uri string, opts Options) *options.ClientOptions {
	co := options.Client().
		ApplyURI(uri).
		SetRetryWrites(false).
		SetRetryReads(true).
		SetPoolMonitor(p.monitor())
	if opts.MaxPoolSize > 0 {
		co = co.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.MinPoolSize > 0 {
		co = co.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.MaxConnIdleTime > 0 {
		co = co.SetMaxConnIdleTime(opts.MaxConnIdleTime)
	}
	if opts.ConnectTimeout > 0 {
		co = co.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.ServerSelectionTimeout > 0 {
		co = co.SetServerSelectionTimeout(opts.ServerSelectionTimeout)
	}
	if opts.WaitQueueTimeout > 0 {
		co = co.SetTimeout(opts.WaitQueueTimeout)
	} else if opts.SocketTimeout > 0 {
		co = co.SetSocketTimeout(opts.SocketTimeout)
	}
	if opts.AppName != "" {
		co = co.SetAppName(opts.AppName)
	}
	return co
}

// monitor feeds the stats counters from driver pool events. Counters are
// atomics so Stats never contends with Initialize or Close.
func (p *Pool) monitor() *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(e *event.PoolEvent) {
			switch e.Type {
			case event.ConnectionCreated:
				p.created.Add(1)
			case event.ConnectionClosed:
				p.closed.Add(1)
			case event.GetSucceeded:
				p.checkedOut.Add(1)
			case event.ConnectionReturned:
				p.checkedIn.Add(1)
			}
		},
	}
}

// Client returns the shared client, or ErrNotInitialized.
func (p *Pool) Client() (*mongodriver.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, ErrNotInitialized
	}
	return p.client, nil
}

// Initialized reports whether the pool currently holds a client.
func (p *Pool) Initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil
}

// Stats returns a snapshot of pool activity for observability.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	initialized := p.client != nil
	opts := p.opts
	p.mu.RUnlock()

	inUse := p.checkedOut.Load() - p.checkedIn.Load()
	open := p.created.Load() - p.closed.Load()
	available := open - inUse
	if available < 0 {
		available = 0
	}
	return Stats{
		Initialized: initialized,
		MaxPoolSize: opts.MaxPoolSize,
		MinPoolSize: opts.MinPoolSize,
		Created:     p.created.Load(),
		Closed:      p.closed.Load(),
		InUse:       inUse,
		Available:   available,
	}
}

// Ping verifies the shared client can reach a primary.
func (p *Pool) Ping(ctx context.Context) error {
	client, err := p.Client()
	if err != nil {
		return err
	}
	return client.Ping(ctx, readpref.Primary())
}

// Close disconnects the shared client and resets the pool to its
// uninitialized state. Safe to call multiple times; a later Initialize
// starts clean.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Disconnect(ctx)
	p.client = nil
	p.opts = Options{}
	p.created.Store(0)
	p.closed.Store(0)
	p.checkedOut.Store(0)
	p.checkedIn.Store(0)
	if err != nil {
		return err
	}
	log.Debugf(ctx, "mongo pool closed")
	return nil
}
