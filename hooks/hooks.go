// Package hooks provides composable interception for session metadata and
// feedback operations. External integrations (validation, caching, fan-out
// notification) wrap the store's operations without the store knowing what
// kinds of integrations exist.
//
// Hooks form an ordered chain: each hook receives a handle to the rest of
// the chain and decides whether and how to invoke it. The chain terminates
// at the real storage operation. A hook may transform arguments before
// delegating, return an error to abort before storage is touched, or skip
// delegation entirely and produce the result itself (e.g. a cache hit), in
// which case the result must still match the operation's normal shape.
package hooks

import (
	"context"

	"goa.design/agent-sessions/session"
)

type (
	// MetadataAction names a metadata operation being intercepted.
	MetadataAction string

	// FeedbackAction names a feedback operation being intercepted.
	FeedbackAction string

	// MetadataArgs carries the typed payload of a metadata operation.
	// Update is populated for MetadataUpdate, Keys for MetadataDelete;
	// MetadataGet carries neither.
	MetadataArgs struct {
		// Update holds the partial key/value map for update actions.
		Update map[string]any
		// Keys holds the key names for delete actions.
		Keys []string
	}

	// FeedbackArgs carries the typed payload of a feedback operation.
	FeedbackArgs struct {
		// Feedback is the entry being appended for add actions.
		Feedback session.Feedback
	}

	// MetadataOp performs a metadata operation. Get returns the metadata
	// map; update and delete return nil on success.
	MetadataOp func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error)

	// FeedbackOp performs a feedback operation. Get returns the feedback
	// list in insertion order; add returns nil on success.
	FeedbackOp func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error)

	// MetadataHook intercepts metadata operations. next invokes the rest of
	// the chain; implementations are not required to call it.
	MetadataHook interface {
		InterceptMetadata(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error)
	}

	// FeedbackHook intercepts feedback operations.
	FeedbackHook interface {
		InterceptFeedback(ctx context.Context, next FeedbackOp, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error)
	}

	// MetadataHookFunc adapts a function to MetadataHook.
	MetadataHookFunc func(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error)

	// FeedbackHookFunc adapts a function to FeedbackHook.
	FeedbackHookFunc func(ctx context.Context, next FeedbackOp, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error)

	// MetadataChain is an ordered list of metadata hooks. The zero value is
	// usable and runs operations without interception.
	MetadataChain struct {
		hooks []MetadataHook
	}

	// FeedbackChain is an ordered list of feedback hooks. The zero value is
	// usable and runs operations without interception.
	FeedbackChain struct {
		hooks []FeedbackHook
	}
)

const (
	// MetadataGet reads the full metadata map.
	MetadataGet MetadataAction = "get"
	// MetadataUpdate applies a partial key/value update.
	MetadataUpdate MetadataAction = "update"
	// MetadataDelete removes exactly the named keys.
	MetadataDelete MetadataAction = "delete"

	// FeedbackAdd appends one feedback entry.
	FeedbackAdd FeedbackAction = "add"
	// FeedbackGet reads the feedback list.
	FeedbackGet FeedbackAction = "get"
)

// InterceptMetadata calls f.
func (f MetadataHookFunc) InterceptMetadata(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
	return f(ctx, next, action, sessionID, args)
}

// InterceptFeedback calls f.
func (f FeedbackHookFunc) InterceptFeedback(ctx context.Context, next FeedbackOp, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
	return f(ctx, next, action, sessionID, args)
}

// NewMetadataChain builds a chain invoking hooks in the given order. Nil
// hooks are dropped.
func NewMetadataChain(hooks ...MetadataHook) *MetadataChain {
	c := &MetadataChain{}
	for _, h := range hooks {
		if h != nil {
			c.hooks = append(c.hooks, h)
		}
	}
	return c
}

// NewFeedbackChain builds a chain invoking hooks in the given order. Nil
// hooks are dropped.
func NewFeedbackChain(hooks ...FeedbackHook) *FeedbackChain {
	c := &FeedbackChain{}
	for _, h := range hooks {
		if h != nil {
			c.hooks = append(c.hooks, h)
		}
	}
	return c
}

// Run executes op through the chain. The first hook sees the remaining
// hooks (and finally op) as its next handle; with no hooks registered op
// runs directly.
func (c *MetadataChain) Run(ctx context.Context, op MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
	next := op
	if c != nil {
		for i := len(c.hooks) - 1; i >= 0; i-- {
			hook, tail := c.hooks[i], next
			next = func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
				return hook.InterceptMetadata(ctx, tail, action, sessionID, args)
			}
		}
	}
	return next(ctx, action, sessionID, args)
}

// Run executes op through the chain, mirroring MetadataChain.Run.
func (c *FeedbackChain) Run(ctx context.Context, op FeedbackOp, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
	next := op
	if c != nil {
		for i := len(c.hooks) - 1; i >= 0; i-- {
			hook, tail := c.hooks[i], next
			next = func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
				return hook.InterceptFeedback(ctx, tail, action, sessionID, args)
			}
		}
	}
	return next(ctx, action, sessionID, args)
}

// Len reports the number of registered hooks.
func (c *MetadataChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.hooks)
}

// Len reports the number of registered hooks.
func (c *FeedbackChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.hooks)
}
