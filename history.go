package commentsync

import (
	"context"
	"log/slog"
	"net/http"
)

// HistoryFetcher returns the catch-up history for a conversation.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
}

// Publisher sends a locally composed comment and returns the server's copy.
// It knows nothing about local state.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, msg OutgoingMessage) (Message, error)
}

// FetchHistory loads the full comment history for conversationID. Entries
// whose created_at cannot be parsed are kept, stamped with the current time,
// and logged as a warning.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, OpFetch, http.MethodGet, commentsPath(conversationID), nil)
	if err != nil {
		return nil, err
	}
	dtos, err := decodeJSON[[]CommentDTO](OpFetch, data)
	if err != nil {
		return nil, err
	}

	now := c.now()
	msgs := make([]Message, 0, len(*dtos))
	for _, dto := range *dtos {
		msg, ok := dto.Message(now)
		if !ok {
			c.log.Log(ctx, slog.LevelWarn, "unparseable comment timestamp",
				"conversation_id", conversationID,
				"comment_id", dto.CommentID,
				"created_at", dto.CreatedAt,
			)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Publish posts msg to the conversation and decodes the canonical message
// from the response body.
func (c *Client) Publish(ctx context.Context, conversationID string, msg OutgoingMessage) (Message, error) {
	data, err := c.doRequest(ctx, OpPublish, http.MethodPost, commentsPath(conversationID), msg)
	if err != nil {
		return Message{}, err
	}
	posted, err := decodeJSON[Message](OpPublish, data)
	if err != nil {
		return Message{}, err
	}
	return *posted, nil
}
