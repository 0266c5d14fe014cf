// Package session defines the durable multi-agent session model.
//
// A Session is the root persisted unit: one document holding the shared
// metadata, the feedback trail, and every participating agent with its
// message history. Sessions are created once and mutated through partial
// updates; nothing is ever deleted except explicitly named metadata keys.
package session

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Session captures the full durable state of one conversation.
	//
	// Contract:
	// - Session IDs are stable and caller-provided (typically owned by an
	//   application); the store keys the document by this id.
	// - ApplicationName is set at creation and immutable afterwards.
	// - CreatedAt never changes; UpdatedAt is refreshed on every mutation
	//   anywhere in the document.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// Type optionally classifies the session (e.g. "chat").
		Type string
		// ApplicationName tags the session with the owning application.
		ApplicationName string
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records the last mutation anywhere in the document.
		UpdatedAt time.Time
		// Metadata is an open key/value map mutated via partial updates.
		Metadata map[string]any
		// Feedbacks is the append-only feedback trail.
		Feedbacks []Feedback
		// Agents maps agent id to the agent's persisted state.
		Agents map[string]Agent
	}

	// Agent is one named participant within a session. Agent ids are unique
	// per session by construction (map key). The document-level timestamps
	// track storage mutation and are distinct from the timestamps the
	// external runtime keeps inside Data.
	Agent struct {
		// Data is the runtime-owned agent configuration blob.
		Data AgentData
		// CreatedAt records when the agent sub-document was first written.
		CreatedAt time.Time
		// UpdatedAt records the last write touching this agent.
		UpdatedAt time.Time
		// Messages is the agent's ordered conversation history.
		Messages []Message
	}

	// AgentData carries the external runtime's view of an agent: model
	// identifier, system prompt, and two open state maps the runtime owns.
	// Its timestamps use RFC 3339 strings so the blob stays portable across
	// runtimes that do not share Go's time encoding.
	AgentData struct {
		AgentID                  string
		Model                    string
		SystemPrompt             string
		State                    map[string]any
		ConversationManagerState map[string]any
		CreatedAt                string
		UpdatedAt                string
	}

	// Message is a single conversation turn.
	//
	// Contract:
	// - MessageID is assigned by the caller, unique and strictly increasing
	//   per agent (not globally).
	// - CreatedAt is immutable once set; redaction may change only the
	//   content and UpdatedAt.
	// - Metrics is storage-only telemetry attached after an event-loop
	//   synchronization; it is stripped from the portable view returned by
	//   list operations.
	Message struct {
		MessageID int
		Role      Role
		Content   []ContentBlock
		CreatedAt time.Time
		UpdatedAt time.Time
		Metrics   *EventLoopMetrics
	}

	// ContentBlock is one typed element of a message payload. Plain text
	// messages use a single text block; multi-modal payloads use a small
	// ordered list of blocks with runtime-defined Data.
	ContentBlock struct {
		Type ContentType
		Text string
		Data map[string]any
	}

	// EventLoopMetrics aggregates token usage and latency reported by the
	// external runtime for an assistant turn.
	EventLoopMetrics struct {
		AccumulatedUsage   Usage
		AccumulatedMetrics Metrics
	}

	// Usage holds accumulated token counts.
	Usage struct {
		InputTokens  int64
		OutputTokens int64
		TotalTokens  int64
	}

	// Metrics holds accumulated latency.
	Metrics struct {
		LatencyMs int64
	}

	// Feedback is one append-only feedback entry. CreatedAt is assigned by
	// the store, not the caller.
	Feedback struct {
		Rating    Rating
		Comment   string
		CreatedAt time.Time
	}

	// Role identifies the author of a message.
	Role string

	// ContentType identifies the kind of a content block.
	ContentType string

	// Rating is a feedback rating. The empty value means neutral.
	Rating string
)

const (
	// RoleUser marks a message authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by an agent.
	RoleAssistant Role = "assistant"
	// RoleSystem marks a system message.
	RoleSystem Role = "system"

	// ContentText is a plain text block.
	ContentText ContentType = "text"
	// ContentImage is an image block; the payload lives in Data.
	ContentImage ContentType = "image"
	// ContentJSON is a structured block; the payload lives in Data.
	ContentJSON ContentType = "json"

	// RatingUp is positive feedback.
	RatingUp Rating = "up"
	// RatingDown is negative feedback.
	RatingDown Rating = "down"
	// RatingNone is neutral/absent feedback.
	RatingNone Rating = ""
)

var (
	// ErrSessionNotFound indicates the session document does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAgentNotFound indicates the agent does not exist within the session.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrMessageNotFound indicates no message with the given id exists for
	// the agent. Redaction of a missing message fails with this error
	// rather than silently matching nothing.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDocumentTooLarge indicates a write was rejected because the session
	// document would exceed the store's single-document size limit.
	ErrDocumentTooLarge = errors.New("session document exceeds size limit")
)

// ValidationError is returned by hooks that reject an operation before it
// reaches storage. The message is surfaced to callers verbatim so
// validation feedback stays actionable.
type ValidationError struct {
	Reason string
}

// Error returns the rejection reason unchanged.
func (e *ValidationError) Error() string { return e.Reason }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NewRole validates a role literal.
func NewRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// NewRating validates a rating literal.
func NewRating(s string) (Rating, error) {
	switch Rating(s) {
	case RatingUp, RatingDown, RatingNone:
		return Rating(s), nil
	}
	return "", fmt.Errorf("invalid rating %q", s)
}

// Text builds a plain text message content payload.
func Text(s string) []ContentBlock {
	return []ContentBlock{{Type: ContentText, Text: s}}
}

// PlainText flattens a message's text blocks into a single string. Non-text
// blocks are skipped.
func (m Message) PlainText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}
