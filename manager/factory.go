package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/clue/log"

	"goa.design/agent-sessions/hooks"
	"goa.design/agent-sessions/mongo"
	"goa.design/agent-sessions/pool"
)

type (
	// Factory creates Managers that share one pooled client, so
	// per-request manager construction never pays connection setup cost.
	Factory struct {
		pool     *pool.Pool
		defaults FactoryOptions

		// repos caches repositories per database/collection/index-field
		// combination so index bootstrap runs once per collection
		// lifetime, not once per request.
		mu    sync.Mutex
		repos map[string]mongo.Client

		// newRepository builds repositories; overridable in tests.
		newRepository func(mongo.Options) (mongo.Client, error)
	}

	// FactoryOptions holds factory defaults. CreateSessionManager
	// overrides take precedence per call.
	FactoryOptions struct {
		// Pool is the connection registry to use; nil selects the
		// process-wide pool.Default().
		Pool *pool.Pool
		// PoolOptions configures the pool on first initialization.
		PoolOptions pool.Options
		// Database is the default database name (required).
		Database string
		// Collection is the default sessions collection.
		Collection string
		// MetadataFields lists default metadata keys to index.
		MetadataFields []string
		// Timeout bounds each storage operation.
		Timeout time.Duration
		// ApplicationName tags sessions created through this factory.
		ApplicationName string
		// SessionType classifies sessions created through this factory.
		SessionType string
	}

	// Overrides adjusts a single CreateSessionManager call.
	Overrides struct {
		Database       string
		Collection     string
		MetadataFields []string
		MetadataHooks  []hooks.MetadataHook
		FeedbackHooks  []hooks.FeedbackHook
	}
)

// ErrGlobalNotInitialized is returned by Global before InitializeGlobal.
var ErrGlobalNotInitialized = errors.New("global session manager factory not initialized")

// NewFactory initializes (or reuses) the pool's shared client and returns
// a factory bound to it.
func NewFactory(ctx context.Context, uri string, opts FactoryOptions) (*Factory, error) {
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	p := opts.Pool
	if p == nil {
		p = pool.Default()
	}
	if _, err := p.Initialize(ctx, uri, opts.PoolOptions); err != nil {
		return nil, err
	}
	log.Debugf(ctx, "session manager factory ready (database=%s)", opts.Database)
	return &Factory{
		pool:          p,
		defaults:      opts,
		repos:         make(map[string]mongo.Client),
		newRepository: mongo.New,
	}, nil
}

// CreateSessionManager builds a Manager for the given session over the
// shared pooled client. An empty session id gets a generated one.
// Overrides, when non-nil, take precedence over factory defaults; hooks
// apply only to the returned manager.
func (f *Factory) CreateSessionManager(ctx context.Context, sessionID string, ov *Overrides) (*Manager, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	opts := Options{
		Database:        f.defaults.Database,
		Collection:      f.defaults.Collection,
		MetadataFields:  f.defaults.MetadataFields,
		Timeout:         f.defaults.Timeout,
		ApplicationName: f.defaults.ApplicationName,
		SessionType:     f.defaults.SessionType,
	}
	if ov != nil {
		if ov.Database != "" {
			opts.Database = ov.Database
		}
		if ov.Collection != "" {
			opts.Collection = ov.Collection
		}
		if len(ov.MetadataFields) > 0 {
			opts.MetadataFields = ov.MetadataFields
		}
		opts.MetadataHooks = ov.MetadataHooks
		opts.FeedbackHooks = ov.FeedbackHooks
	}
	repo, err := f.repository(opts)
	if err != nil {
		return nil, err
	}
	return NewWithRepository(ctx, repo, sessionID, opts)
}

// repository returns the cached repository for the options' collection,
// constructing it (and its indexes) on first use.
func (f *Factory) repository(opts Options) (mongo.Client, error) {
	client, err := f.pool.Client()
	if err != nil {
		return nil, err
	}
	key := strings.Join(append([]string{opts.Database, opts.Collection}, opts.MetadataFields...), "\x00")
	f.mu.Lock()
	defer f.mu.Unlock()
	if repo, ok := f.repos[key]; ok {
		return repo, nil
	}
	repo, err := f.newRepository(mongo.Options{
		Client:         client,
		Database:       opts.Database,
		Collection:     opts.Collection,
		MetadataFields: opts.MetadataFields,
		Timeout:        opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	f.repos[key] = repo
	return repo, nil
}

// ConnectionStats forwards to the pool.
func (f *Factory) ConnectionStats() pool.Stats {
	return f.pool.Stats()
}

// Ping verifies the shared client can reach storage.
func (f *Factory) Ping(ctx context.Context) error {
	return f.pool.Ping(ctx)
}

// Close releases the pool's shared client and drops the repository cache.
// Managers created by this factory must not be used afterwards.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	f.repos = make(map[string]mongo.Client)
	f.mu.Unlock()
	return f.pool.Close(ctx)
}

var (
	globalMu      sync.Mutex
	globalFactory *Factory
)

// InitializeGlobal sets up the process-wide factory so independently
// initialized subsystems can share it. Idempotent: a second call returns
// the existing factory.
func InitializeGlobal(ctx context.Context, uri string, opts FactoryOptions) (*Factory, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFactory != nil {
		return globalFactory, nil
	}
	f, err := NewFactory(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	globalFactory = f
	return f, nil
}

// Global returns the process-wide factory, or ErrGlobalNotInitialized.
func Global() (*Factory, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFactory == nil {
		return nil, ErrGlobalNotInitialized
	}
	return globalFactory, nil
}

// CloseGlobal releases the global factory's pool and clears the singleton
// so a later InitializeGlobal starts clean. Safe to call multiple times.
func CloseGlobal(ctx context.Context) error {
	globalMu.Lock()
	f := globalFactory
	globalFactory = nil
	globalMu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close(ctx)
}
