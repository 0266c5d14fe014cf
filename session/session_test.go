package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRole(t *testing.T) {
	for _, valid := range []string{"user", "assistant", "system"} {
		role, err := NewRole(valid)
		require.NoError(t, err)
		require.Equal(t, Role(valid), role)
	}
	_, err := NewRole("moderator")
	require.EqualError(t, err, `invalid role "moderator"`)
	_, err = NewRole("")
	require.Error(t, err)
}

func TestNewRating(t *testing.T) {
	for _, valid := range []string{"up", "down", ""} {
		rating, err := NewRating(valid)
		require.NoError(t, err)
		require.Equal(t, Rating(valid), rating)
	}
	_, err := NewRating("five-stars")
	require.EqualError(t, err, `invalid rating "five-stars"`)
}

func TestTextBuildsSingleBlock(t *testing.T) {
	content := Text("hello")
	require.Len(t, content, 1)
	require.Equal(t, ContentText, content[0].Type)
	require.Equal(t, "hello", content[0].Text)
}

func TestPlainTextSkipsNonTextBlocks(t *testing.T) {
	msg := Message{Content: []ContentBlock{
		{Type: ContentText, Text: "see "},
		{Type: ContentImage, Data: map[string]any{"url": "http://example.com/x.png"}},
		{Type: ContentText, Text: "attached"},
	}}
	require.Equal(t, "see attached", msg.PlainText())
	require.Empty(t, Message{}.PlainText())
}

func TestValidationError(t *testing.T) {
	err := Validationf("rating %q not allowed", "sideways")
	require.EqualError(t, err, `rating "sideways" not allowed`)
	require.True(t, IsValidation(err))

	wrapped := fmt.Errorf("add feedback: %w", err)
	require.True(t, IsValidation(wrapped))

	require.False(t, IsValidation(errors.New("plain")))
	require.False(t, IsValidation(nil))
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{ErrSessionNotFound, ErrAgentNotFound, ErrMessageNotFound, ErrDocumentTooLarge}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			require.NotErrorIs(t, a, b)
		}
	}
}
