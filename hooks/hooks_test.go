package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agent-sessions/session"
)

func TestEmptyChainRunsOperation(t *testing.T) {
	var called bool
	op := func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		called = true
		require.Equal(t, MetadataGet, action)
		require.Equal(t, "sess-1", sessionID)
		return map[string]any{"k": "v"}, nil
	}

	out, err := NewMetadataChain().Run(context.Background(), op, MetadataGet, "sess-1", MetadataArgs{})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "v", out["k"])
}

func TestNilChainRunsOperation(t *testing.T) {
	var chain *MetadataChain
	out, err := chain.Run(context.Background(),
		func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}, MetadataGet, "sess-1", MetadataArgs{})
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
	require.Equal(t, 0, chain.Len())
}

func TestHooksRunInOrder(t *testing.T) {
	var trace []string
	mark := func(name string) MetadataHook {
		return MetadataHookFunc(func(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
			trace = append(trace, name+":before")
			out, err := next(ctx, action, sessionID, args)
			trace = append(trace, name+":after")
			return out, err
		})
	}
	chain := NewMetadataChain(mark("audit"), mark("validate"))
	op := func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		trace = append(trace, "op")
		return nil, nil
	}

	_, err := chain.Run(context.Background(), op, MetadataUpdate, "sess-1", MetadataArgs{Update: map[string]any{"a": 1}})
	require.NoError(t, err)
	require.Equal(t, []string{"audit:before", "validate:before", "op", "validate:after", "audit:after"}, trace)
}

func TestHookMayTransformArguments(t *testing.T) {
	chain := NewMetadataChain(MetadataHookFunc(func(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		if action == MetadataUpdate {
			args.Update["stamped"] = true
		}
		return next(ctx, action, sessionID, args)
	}))
	var got map[string]any
	op := func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		got = args.Update
		return nil, nil
	}

	_, err := chain.Run(context.Background(), op, MetadataUpdate, "sess-1", MetadataArgs{Update: map[string]any{"a": 1}})
	require.NoError(t, err)
	require.Equal(t, true, got["stamped"])
	require.Equal(t, 1, got["a"])
}

func TestHookAbortSkipsOperation(t *testing.T) {
	boom := session.Validationf("rejected")
	chain := NewMetadataChain(MetadataHookFunc(func(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		return nil, boom
	}))
	opCalled := false
	op := func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		opCalled = true
		return nil, nil
	}

	_, err := chain.Run(context.Background(), op, MetadataDelete, "sess-1", MetadataArgs{Keys: []string{"a"}})
	require.ErrorContains(t, err, "rejected")
	require.True(t, session.IsValidation(err))
	require.False(t, opCalled)
}

func TestHookMaySkipOperation(t *testing.T) {
	cached := map[string]any{"cached": true}
	chain := NewMetadataChain(MetadataHookFunc(func(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		return cached, nil
	}))
	op := func(ctx context.Context, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		t.Fatal("operation should not run")
		return nil, nil
	}

	out, err := chain.Run(context.Background(), op, MetadataGet, "sess-1", MetadataArgs{})
	require.NoError(t, err)
	require.Equal(t, cached, out)
}

func TestNewChainDropsNilHooks(t *testing.T) {
	chain := NewMetadataChain(nil, MetadataHookFunc(func(ctx context.Context, next MetadataOp, action MetadataAction, sessionID string, args MetadataArgs) (map[string]any, error) {
		return next(ctx, action, sessionID, args)
	}), nil)
	require.Equal(t, 1, chain.Len())

	fchain := NewFeedbackChain(nil)
	require.Equal(t, 0, fchain.Len())
}

func TestFeedbackChainOrderAndResult(t *testing.T) {
	var trace []string
	chain := NewFeedbackChain(FeedbackHookFunc(func(ctx context.Context, next FeedbackOp, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
		trace = append(trace, "hook")
		return next(ctx, action, sessionID, args)
	}))
	op := func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
		trace = append(trace, "op")
		return []session.Feedback{{Rating: session.RatingUp}}, nil
	}

	out, err := chain.Run(context.Background(), op, FeedbackGet, "sess-1", FeedbackArgs{})
	require.NoError(t, err)
	require.Equal(t, []string{"hook", "op"}, trace)
	require.Len(t, out, 1)
}

func TestFeedbackValidatorRejectsNegativeWithoutComment(t *testing.T) {
	chain := NewFeedbackChain(FeedbackValidator{})
	opCalled := false
	op := func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
		opCalled = true
		return nil, nil
	}

	_, err := chain.Run(context.Background(), op, FeedbackAdd, "sess-1",
		FeedbackArgs{Feedback: session.Feedback{Rating: session.RatingDown, Comment: ""}})
	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "negative feedback requires a comment", verr.Error())
	require.False(t, opCalled)
}

func TestFeedbackValidatorRejectsUnknownRating(t *testing.T) {
	chain := NewFeedbackChain(FeedbackValidator{})
	_, err := chain.Run(context.Background(),
		func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
			return nil, nil
		}, FeedbackAdd, "sess-1",
		FeedbackArgs{Feedback: session.Feedback{Rating: "meh"}})
	require.True(t, session.IsValidation(err))
}

func TestFeedbackValidatorPassesValidEntries(t *testing.T) {
	chain := NewFeedbackChain(FeedbackValidator{})
	op := func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
		return nil, nil
	}

	for _, fb := range []session.Feedback{
		{Rating: session.RatingUp},
		{Rating: session.RatingDown, Comment: "too slow"},
		{Rating: session.RatingNone, Comment: "fine"},
	} {
		_, err := chain.Run(context.Background(), op, FeedbackAdd, "sess-1", FeedbackArgs{Feedback: fb})
		require.NoError(t, err)
	}
}

func TestFeedbackValidatorIgnoresReads(t *testing.T) {
	chain := NewFeedbackChain(FeedbackValidator{})
	want := errors.New("storage down")
	_, err := chain.Run(context.Background(),
		func(ctx context.Context, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
			return nil, want
		}, FeedbackGet, "sess-1", FeedbackArgs{})
	require.ErrorIs(t, err, want)
}
