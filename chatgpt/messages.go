package chatgpt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/chat-relay-go/storage"
)

// Message is one stored turn of a conversation. Messages link to their
// predecessor through ParentMessageID.
type Message struct {
	ID              string `json:"id"`
	Role            string `json:"role"`
	Text            string `json:"text"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
}

// messageStore persists messages in a user's storage namespace.
type messageStore struct {
	s   storage.Storage
	ttl time.Duration
}

func messageKey(id string) string { return "message:" + id }

func (m *messageStore) get(ctx context.Context, userID, id string) (*Message, error) {
	item, err := m.s.Get(ctx, messageKey(id), storage.WithUser(userID))
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	if item == nil {
		return nil, nil
	}
	var msg Message
	if err := json.Unmarshal(item.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

func (m *messageStore) put(ctx context.Context, userID string, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	opts := []storage.Option{storage.WithUser(userID)}
	if m.ttl > 0 {
		opts = append(opts, storage.WithTTL(m.ttl))
	}
	if err := m.s.Set(ctx, messageKey(msg.ID), b, opts...); err != nil {
		return fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	return nil
}
