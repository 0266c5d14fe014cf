package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/agent-sessions/session"
)

// mockRepo is an in-memory stand-in for the Mongo repository, recording
// which operations reached storage.
type mockRepo struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	calls    []string
}

func newMockRepo() *mockRepo {
	return &mockRepo{sessions: make(map[string]*session.Session)}
}

func (r *mockRepo) callNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *mockRepo) record(name string) {
	r.calls = append(r.calls, name)
}

func (r *mockRepo) Name() string { return "mock" }

func (r *mockRepo) Ping(ctx context.Context) error { return nil }

func (r *mockRepo) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("CreateSession")
	if existing, ok := r.sessions[sess.ID]; ok {
		return *existing, nil
	}
	now := time.Now().UTC()
	stored := session.Session{
		ID:              sess.ID,
		Type:            sess.Type,
		ApplicationName: sess.ApplicationName,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        map[string]any{},
		Agents:          map[string]session.Agent{},
	}
	r.sessions[sess.ID] = &stored
	return stored, nil
}

func (r *mockRepo) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return *sess, nil
}

func (r *mockRepo) CreateAgent(ctx context.Context, sessionID string, data session.AgentData) (session.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("CreateAgent")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.Agent{}, session.ErrSessionNotFound
	}
	if existing, ok := sess.Agents[data.AgentID]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	agent := session.Agent{Data: data, CreatedAt: now, UpdatedAt: now}
	sess.Agents[data.AgentID] = agent
	return agent, nil
}

func (r *mockRepo) LoadAgent(ctx context.Context, sessionID, agentID string) (session.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.Agent{}, session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[agentID]
	if !ok {
		return session.Agent{}, session.ErrAgentNotFound
	}
	return agent, nil
}

func (r *mockRepo) UpdateAgent(ctx context.Context, sessionID string, data session.AgentData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("UpdateAgent")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[data.AgentID]
	if !ok {
		return session.ErrAgentNotFound
	}
	created := agent.Data.CreatedAt
	agent.Data = data
	agent.Data.CreatedAt = created
	agent.UpdatedAt = time.Now().UTC()
	sess.Agents[data.AgentID] = agent
	return nil
}

func (r *mockRepo) AppendMessage(ctx context.Context, sessionID, agentID string, msg session.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("AppendMessage")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[agentID]
	if !ok {
		return session.ErrAgentNotFound
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	agent.Messages = append(agent.Messages, msg)
	sess.Agents[agentID] = agent
	return nil
}

func (r *mockRepo) UpdateMessage(ctx context.Context, sessionID, agentID string, messageID int, content []session.ContentBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("UpdateMessage")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[agentID]
	if !ok {
		return session.ErrAgentNotFound
	}
	for i := range agent.Messages {
		if agent.Messages[i].MessageID == messageID {
			agent.Messages[i].Content = content
			agent.Messages[i].UpdatedAt = time.Now().UTC()
			sess.Agents[agentID] = agent
			return nil
		}
	}
	return fmt.Errorf("%w: message %d", session.ErrMessageNotFound, messageID)
}

func (r *mockRepo) AttachMetrics(ctx context.Context, sessionID, agentID string, metrics session.EventLoopMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("AttachMetrics")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[agentID]
	if !ok {
		return session.ErrAgentNotFound
	}
	if len(agent.Messages) == 0 {
		return session.ErrMessageNotFound
	}
	m := metrics
	agent.Messages[len(agent.Messages)-1].Metrics = &m
	sess.Agents[agentID] = agent
	return nil
}

func (r *mockRepo) ListMessages(ctx context.Context, sessionID, agentID string, limit, offset int) ([]session.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[agentID]
	if !ok {
		return nil, session.ErrAgentNotFound
	}
	msgs := make([]session.Message, 0, len(agent.Messages))
	for _, m := range agent.Messages {
		m.Metrics = nil
		msgs = append(msgs, m)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []session.Message{}, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (r *mockRepo) LatestMessageID(ctx context.Context, sessionID, agentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return 0, session.ErrSessionNotFound
	}
	agent, ok := sess.Agents[agentID]
	if !ok {
		return 0, session.ErrAgentNotFound
	}
	if len(agent.Messages) == 0 {
		return 0, session.ErrMessageNotFound
	}
	return agent.Messages[len(agent.Messages)-1].MessageID, nil
}

func (r *mockRepo) UpdateMetadata(ctx context.Context, sessionID string, update map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("UpdateMetadata")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	for k, v := range update {
		sess.Metadata[k] = v
	}
	return nil
}

func (r *mockRepo) DeleteMetadata(ctx context.Context, sessionID string, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("DeleteMetadata")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	for _, k := range keys {
		delete(sess.Metadata, k)
	}
	return nil
}

func (r *mockRepo) LoadMetadata(ctx context.Context, sessionID string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("LoadMetadata")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := make(map[string]any, len(sess.Metadata))
	for k, v := range sess.Metadata {
		out[k] = v
	}
	return out, nil
}

func (r *mockRepo) AddFeedback(ctx context.Context, sessionID string, fb session.Feedback) (session.Feedback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("AddFeedback")
	sess, ok := r.sessions[sessionID]
	if !ok {
		return session.Feedback{}, session.ErrSessionNotFound
	}
	fb.CreatedAt = time.Now().UTC()
	sess.Feedbacks = append(sess.Feedbacks, fb)
	return fb, nil
}

func (r *mockRepo) ListFeedbacks(ctx context.Context, sessionID string) ([]session.Feedback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return append([]session.Feedback(nil), sess.Feedbacks...), nil
}

func (r *mockRepo) ApplicationName(ctx context.Context, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return "", session.ErrSessionNotFound
	}
	return sess.ApplicationName, nil
}
