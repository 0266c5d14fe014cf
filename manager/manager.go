// Package manager exposes the session store to the external agent runtime.
// A Manager is the single entry point for one session: messages, metadata,
// feedback, and agent-configuration synchronization, with metadata and
// feedback operations routed through caller-supplied hook chains. The
// Factory amortizes connection setup across many managers in stateless
// request environments.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/clue/log"

	"goa.design/agent-sessions/hooks"
	"goa.design/agent-sessions/mongo"
	"goa.design/agent-sessions/session"
)

type (
	// Manager is the per-session façade. It is cheap to construct; create
	// one per inbound request and Close it when done. Close releases only
	// what the manager owns: a manager built over a pooled client never
	// disconnects it.
	Manager struct {
		repo      mongo.Client
		sessionID string

		// conn is non-nil only when this manager created the connection
		// itself. Borrowed clients are never stored here, which makes
		// closing one structurally impossible rather than merely forbidden.
		conn *mongodriver.Client

		metadata *hooks.MetadataChain
		feedback *hooks.FeedbackChain
	}

	// Options configures a Manager.
	Options struct {
		// Database is the database name (required).
		Database string
		// Collection is the sessions collection; defaults to the
		// repository default.
		Collection string
		// MetadataFields lists metadata keys to index.
		MetadataFields []string
		// Timeout bounds each storage operation.
		Timeout time.Duration
		// ApplicationName tags the session at creation; immutable after.
		ApplicationName string
		// SessionType optionally classifies the session at creation.
		SessionType string
		// MetadataHooks intercept metadata operations, in order.
		MetadataHooks []hooks.MetadataHook
		// FeedbackHooks intercept feedback operations, in order.
		FeedbackHooks []hooks.FeedbackHook
	}

	// AgentState is the boundary to the external agent runtime: the
	// runtime's live agent exposes its configuration and, once an event
	// loop has run, its accumulated metrics.
	AgentState interface {
		AgentID() string
		Model() string
		SystemPrompt() string
		State() map[string]any
		ConversationManagerState() map[string]any
		// Metrics reports accumulated event-loop metrics. ok is false
		// until the first event loop completes.
		Metrics() (m session.EventLoopMetrics, ok bool)
	}
)

// New builds a Manager that owns its own connection to the given target.
// The session document is created if absent (idempotent).
func New(ctx context.Context, uri, sessionID string, opts Options) (*Manager, error) {
	if uri == "" {
		return nil, errors.New("connection uri is required")
	}
	conn, err := mongodriver.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetRetryWrites(false).
		SetRetryReads(true))
	if err != nil {
		return nil, err
	}
	mgr, err := newManager(ctx, conn, sessionID, opts)
	if err != nil {
		_ = conn.Disconnect(ctx)
		return nil, err
	}
	mgr.conn = conn
	return mgr, nil
}

// NewWithClient builds a Manager over a borrowed client, typically one
// shared through a pool. Closing the manager leaves the client untouched.
func NewWithClient(ctx context.Context, client *mongodriver.Client, sessionID string, opts Options) (*Manager, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return newManager(ctx, client, sessionID, opts)
}

// NewWithRepository builds a Manager over an existing repository. Used by
// the factory, which caches repositories so index bootstrap runs once per
// collection rather than once per request.
func NewWithRepository(ctx context.Context, repo mongo.Client, sessionID string, opts Options) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	mgr := &Manager{
		repo:      repo,
		sessionID: sessionID,
		metadata:  hooks.NewMetadataChain(opts.MetadataHooks...),
		feedback:  hooks.NewFeedbackChain(opts.FeedbackHooks...),
	}
	if _, err := repo.CreateSession(ctx, session.Session{
		ID:              sessionID,
		Type:            opts.SessionType,
		ApplicationName: opts.ApplicationName,
	}); err != nil {
		return nil, err
	}
	return mgr, nil
}

func newManager(ctx context.Context, client *mongodriver.Client, sessionID string, opts Options) (*Manager, error) {
	repo, err := mongo.New(mongo.Options{
		Client:         client,
		Database:       opts.Database,
		Collection:     opts.Collection,
		MetadataFields: opts.MetadataFields,
		Timeout:        opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewWithRepository(ctx, repo, sessionID, opts)
}

// SessionID returns the id of the session this manager is bound to.
func (m *Manager) SessionID() string { return m.sessionID }

// Session loads the full session state.
func (m *Manager) Session(ctx context.Context) (session.Session, error) {
	return m.repo.LoadSession(ctx, m.sessionID)
}

// Agent loads one agent's persisted state.
func (m *Manager) Agent(ctx context.Context, agentID string) (session.Agent, error) {
	return m.repo.LoadAgent(ctx, m.sessionID, agentID)
}

// AppendMessage appends a message to the agent's history. The caller
// assigns MessageID; ids must be strictly increasing per agent.
func (m *Manager) AppendMessage(ctx context.Context, agentID string, msg session.Message) error {
	return m.repo.AppendMessage(ctx, m.sessionID, agentID, msg)
}

// RedactLatestMessage replaces the content of the agent's most recent
// message, preserving its created_at. Fails with
// session.ErrMessageNotFound when the agent has no messages.
func (m *Manager) RedactLatestMessage(ctx context.Context, agentID string, content []session.ContentBlock) error {
	latest, err := m.repo.LatestMessageID(ctx, m.sessionID, agentID)
	if err != nil {
		return err
	}
	return m.repo.UpdateMessage(ctx, m.sessionID, agentID, latest, content)
}

// ListMessages returns the agent's messages ordered by created_at
// ascending. limit <= 0 means no limit.
func (m *Manager) ListMessages(ctx context.Context, agentID string, limit, offset int) ([]session.Message, error) {
	return m.repo.ListMessages(ctx, m.sessionID, agentID, limit, offset)
}

// SyncAgent persists the runtime agent's current configuration, creating
// the agent sub-document on first use. When the agent reports event-loop
// metrics with positive latency, they are attached to the agent's most
// recently appended message; absent metrics make this a no-op, not an
// error.
func (m *Manager) SyncAgent(ctx context.Context, agent AgentState) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	agentID := agent.AgentID()
	if agentID == "" {
		return errors.New("agent id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	data := session.AgentData{
		AgentID:                  agentID,
		Model:                    agent.Model(),
		SystemPrompt:             agent.SystemPrompt(),
		State:                    agent.State(),
		ConversationManagerState: agent.ConversationManagerState(),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	existing, err := m.repo.CreateAgent(ctx, m.sessionID, data)
	if err != nil {
		return err
	}
	// CreateAgent is idempotent; an existing agent keeps its original
	// agent_data.created_at and gets the new configuration via update.
	data.CreatedAt = existing.Data.CreatedAt
	if err := m.repo.UpdateAgent(ctx, m.sessionID, data); err != nil {
		return err
	}

	metrics, ok := agent.Metrics()
	if !ok || metrics.AccumulatedMetrics.LatencyMs <= 0 {
		return nil
	}
	if err := m.repo.AttachMetrics(ctx, m.sessionID, agentID, metrics); err != nil {
		// No message to attach to yet; the next sync will catch up.
		if errors.Is(err, session.ErrMessageNotFound) {
			log.Debugf(ctx, "sync agent %s: no message for metrics", agentID)
			return nil
		}
		return err
	}
	return nil
}

// UpdateMetadata applies a partial metadata update through the metadata
// hook chain. Keys absent from update are untouched.
func (m *Manager) UpdateMetadata(ctx context.Context, update map[string]any) error {
	_, err := m.metadata.Run(ctx, m.metadataOp, hooks.MetadataUpdate, m.sessionID,
		hooks.MetadataArgs{Update: update})
	return err
}

// DeleteMetadata removes exactly the named keys through the metadata hook
// chain.
func (m *Manager) DeleteMetadata(ctx context.Context, keys ...string) error {
	_, err := m.metadata.Run(ctx, m.metadataOp, hooks.MetadataDelete, m.sessionID,
		hooks.MetadataArgs{Keys: keys})
	return err
}

// Metadata reads the session metadata through the metadata hook chain.
func (m *Manager) Metadata(ctx context.Context) (map[string]any, error) {
	return m.metadata.Run(ctx, m.metadataOp, hooks.MetadataGet, m.sessionID, hooks.MetadataArgs{})
}

// AddFeedback appends a feedback entry through the feedback hook chain.
// Feedback is append-only; the store assigns created_at.
func (m *Manager) AddFeedback(ctx context.Context, fb session.Feedback) error {
	_, err := m.feedback.Run(ctx, m.feedbackOp, hooks.FeedbackAdd, m.sessionID,
		hooks.FeedbackArgs{Feedback: fb})
	return err
}

// Feedbacks reads the feedback trail through the feedback hook chain.
func (m *Manager) Feedbacks(ctx context.Context) ([]session.Feedback, error) {
	return m.feedback.Run(ctx, m.feedbackOp, hooks.FeedbackGet, m.sessionID, hooks.FeedbackArgs{})
}

// ApplicationName reads the immutable application tag set at session
// creation. There is no setter.
func (m *Manager) ApplicationName(ctx context.Context) (string, error) {
	return m.repo.ApplicationName(ctx, m.sessionID)
}

// Ping verifies storage connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	return m.repo.Ping(ctx)
}

// Close releases resources this manager owns. A connection created by New
// is disconnected; a client borrowed from a pool or passed to
// NewWithClient is left open for other managers. Safe to call multiple
// times.
func (m *Manager) Close(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	return conn.Disconnect(ctx)
}

// metadataOp terminates the metadata hook chain at the repository.
func (m *Manager) metadataOp(ctx context.Context, action hooks.MetadataAction, sessionID string, args hooks.MetadataArgs) (map[string]any, error) {
	switch action {
	case hooks.MetadataGet:
		return m.repo.LoadMetadata(ctx, sessionID)
	case hooks.MetadataUpdate:
		return nil, m.repo.UpdateMetadata(ctx, sessionID, args.Update)
	case hooks.MetadataDelete:
		return nil, m.repo.DeleteMetadata(ctx, sessionID, args.Keys)
	}
	return nil, fmt.Errorf("unknown metadata action %q", action)
}

// feedbackOp terminates the feedback hook chain at the repository.
func (m *Manager) feedbackOp(ctx context.Context, action hooks.FeedbackAction, sessionID string, args hooks.FeedbackArgs) ([]session.Feedback, error) {
	switch action {
	case hooks.FeedbackAdd:
		_, err := m.repo.AddFeedback(ctx, sessionID, args.Feedback)
		return nil, err
	case hooks.FeedbackGet:
		return m.repo.ListFeedbacks(ctx, sessionID)
	}
	return nil, fmt.Errorf("unknown feedback action %q", action)
}
