package hooks

import (
	"context"

	"goa.design/agent-sessions/session"
)

// FeedbackValidator rejects malformed feedback before it reaches storage:
// the rating must be one of the allowed literals and negative feedback
// must carry a comment. Rejections surface as *session.ValidationError
// with the reason verbatim.
type FeedbackValidator struct{}

// InterceptFeedback validates add operations and delegates everything
// else unchanged.
func (FeedbackValidator) InterceptFeedback(ctx context.Context, next FeedbackOp, action FeedbackAction, sessionID string, args FeedbackArgs) ([]session.Feedback, error) {
	if action != FeedbackAdd {
		return next(ctx, action, sessionID, args)
	}
	fb := args.Feedback
	if _, err := session.NewRating(string(fb.Rating)); err != nil {
		return nil, session.Validationf("invalid rating %q", fb.Rating)
	}
	if fb.Rating == session.RatingDown && fb.Comment == "" {
		return nil, session.Validationf("negative feedback requires a comment")
	}
	return next(ctx, action, sessionID, args)
}
