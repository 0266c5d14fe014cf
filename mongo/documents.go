package mongo

import (
	"time"

	"goa.design/agent-sessions/session"
)

// The bson field names below are the external contract: session-viewer
// tooling reads the documents directly, so they must not drift.

type sessionDocument struct {
	ID              string                   `bson:"_id"`
	SessionID       string                   `bson:"session_id"`
	SessionType     string                   `bson:"session_type,omitempty"`
	ApplicationName string                   `bson:"application_name,omitempty"`
	CreatedAt       time.Time                `bson:"created_at"`
	UpdatedAt       time.Time                `bson:"updated_at"`
	Metadata        map[string]any           `bson:"metadata"`
	Feedbacks       []feedbackDocument       `bson:"feedbacks"`
	Agents          map[string]agentDocument `bson:"agents"`
}

type agentDocument struct {
	AgentData agentDataDocument `bson:"agent_data"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Messages  []messageDocument `bson:"messages"`
}

type agentDataDocument struct {
	AgentID                  string         `bson:"agent_id"`
	Model                    string         `bson:"model"`
	SystemPrompt             string         `bson:"system_prompt"`
	State                    map[string]any `bson:"state"`
	ConversationManagerState map[string]any `bson:"conversation_manager_state"`
	CreatedAt                string         `bson:"created_at"`
	UpdatedAt                string         `bson:"updated_at"`
}

type messageDocument struct {
	MessageID int               `bson:"message_id"`
	Role      string            `bson:"role"`
	Content   []contentDocument `bson:"content"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Metrics   *metricsDocument  `bson:"event_loop_metrics,omitempty"`
}

type contentDocument struct {
	Type string         `bson:"type"`
	Text string         `bson:"text,omitempty"`
	Data map[string]any `bson:"data,omitempty"`
}

type metricsDocument struct {
	AccumulatedUsage   usageDocument   `bson:"accumulated_usage"`
	AccumulatedMetrics latencyDocument `bson:"accumulated_metrics"`
}

type usageDocument struct {
	InputTokens  int64 `bson:"inputTokens"`
	OutputTokens int64 `bson:"outputTokens"`
	TotalTokens  int64 `bson:"totalTokens"`
}

type latencyDocument struct {
	LatencyMs int64 `bson:"latencyMs"`
}

type feedbackDocument struct {
	Rating    string    `bson:"rating,omitempty"`
	Comment   string    `bson:"comment,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func newSessionDocument(sess session.Session, createdAt, updatedAt time.Time) sessionDocument {
	return sessionDocument{
		ID:              sess.ID,
		SessionID:       sess.ID,
		SessionType:     sess.Type,
		ApplicationName: sess.ApplicationName,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		Metadata:        ensureMap(sess.Metadata),
		Feedbacks:       []feedbackDocument{},
		Agents:          map[string]agentDocument{},
	}
}

func (doc sessionDocument) toSession() session.Session {
	agents := make(map[string]session.Agent, len(doc.Agents))
	for id, a := range doc.Agents {
		agents[id] = a.toAgent()
	}
	feedbacks := make([]session.Feedback, 0, len(doc.Feedbacks))
	for _, f := range doc.Feedbacks {
		feedbacks = append(feedbacks, f.toFeedback())
	}
	return session.Session{
		ID:              doc.ID,
		Type:            doc.SessionType,
		ApplicationName: doc.ApplicationName,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
		Metadata:        ensureMap(doc.Metadata),
		Feedbacks:       feedbacks,
		Agents:          agents,
	}
}

func fromAgentData(data session.AgentData) agentDataDocument {
	return agentDataDocument{
		AgentID:                  data.AgentID,
		Model:                    data.Model,
		SystemPrompt:             data.SystemPrompt,
		State:                    ensureMap(data.State),
		ConversationManagerState: ensureMap(data.ConversationManagerState),
		CreatedAt:                data.CreatedAt,
		UpdatedAt:                data.UpdatedAt,
	}
}

func (doc agentDataDocument) toAgentData() session.AgentData {
	return session.AgentData{
		AgentID:                  doc.AgentID,
		Model:                    doc.Model,
		SystemPrompt:             doc.SystemPrompt,
		State:                    ensureMap(doc.State),
		ConversationManagerState: ensureMap(doc.ConversationManagerState),
		CreatedAt:                doc.CreatedAt,
		UpdatedAt:                doc.UpdatedAt,
	}
}

func (doc agentDocument) toAgent() session.Agent {
	msgs := make([]session.Message, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		msgs = append(msgs, m.toMessage())
	}
	return session.Agent{
		Data:      doc.AgentData.toAgentData(),
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		Messages:  msgs,
	}
}

func fromMessage(msg session.Message, now time.Time) messageDocument {
	createdAt := msg.CreatedAt.UTC()
	if msg.CreatedAt.IsZero() {
		createdAt = now
	}
	updatedAt := msg.UpdatedAt.UTC()
	if msg.UpdatedAt.IsZero() {
		updatedAt = createdAt
	}
	doc := messageDocument{
		MessageID: msg.MessageID,
		Role:      string(msg.Role),
		Content:   fromContentBlocks(msg.Content),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if msg.Metrics != nil {
		m := fromMetrics(*msg.Metrics)
		doc.Metrics = &m
	}
	return doc
}

func (doc messageDocument) toMessage() session.Message {
	msg := session.Message{
		MessageID: doc.MessageID,
		Role:      session.Role(doc.Role),
		Content:   toContentBlocks(doc.Content),
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	if doc.Metrics != nil {
		msg.Metrics = &session.EventLoopMetrics{
			AccumulatedUsage: session.Usage{
				InputTokens:  doc.Metrics.AccumulatedUsage.InputTokens,
				OutputTokens: doc.Metrics.AccumulatedUsage.OutputTokens,
				TotalTokens:  doc.Metrics.AccumulatedUsage.TotalTokens,
			},
			AccumulatedMetrics: session.Metrics{
				LatencyMs: doc.Metrics.AccumulatedMetrics.LatencyMs,
			},
		}
	}
	return msg
}

func fromContentBlocks(blocks []session.ContentBlock) []contentDocument {
	out := make([]contentDocument, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, contentDocument{
			Type: string(b.Type),
			Text: b.Text,
			Data: b.Data,
		})
	}
	return out
}

func toContentBlocks(docs []contentDocument) []session.ContentBlock {
	out := make([]session.ContentBlock, 0, len(docs))
	for _, d := range docs {
		out = append(out, session.ContentBlock{
			Type: session.ContentType(d.Type),
			Text: d.Text,
			Data: d.Data,
		})
	}
	return out
}

func fromMetrics(m session.EventLoopMetrics) metricsDocument {
	return metricsDocument{
		AccumulatedUsage: usageDocument{
			InputTokens:  m.AccumulatedUsage.InputTokens,
			OutputTokens: m.AccumulatedUsage.OutputTokens,
			TotalTokens:  m.AccumulatedUsage.TotalTokens,
		},
		AccumulatedMetrics: latencyDocument{
			LatencyMs: m.AccumulatedMetrics.LatencyMs,
		},
	}
}

func fromFeedback(fb session.Feedback) feedbackDocument {
	return feedbackDocument{
		Rating:    string(fb.Rating),
		Comment:   fb.Comment,
		CreatedAt: fb.CreatedAt.UTC(),
	}
}

func (doc feedbackDocument) toFeedback() session.Feedback {
	return session.Feedback{
		Rating:    session.Rating(doc.Rating),
		Comment:   doc.Comment,
		CreatedAt: doc.CreatedAt.UTC(),
	}
}
