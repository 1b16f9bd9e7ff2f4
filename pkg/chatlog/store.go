package chatlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common errors for storage operations.
var (
	// ErrMessageNotFound is returned when updating a message that doesn't exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrInvalidKind is returned when creating a message with an unknown kind.
	ErrInvalidKind = errors.New("invalid message kind")
	// ErrMessageFinal is returned when changing the content of a completed message.
	ErrMessageFinal = errors.New("message is no longer in-flight")
)

// SubscribeFunc receives the full ordered log after every change.
// Calls for one subscription never overlap.
type SubscribeFunc func(messages []*Message)

// StorageBackend abstracts chat log persistence.
// Implementations must be safe for concurrent use, and every write must be
// durable before the call returns.
type StorageBackend interface {
	// Create appends a message to a session and returns its ID.
	Create(ctx context.Context, sessionID string, msg NewMessage) (string, error)

	// Update applies a patch to an existing message.
	// Returns ErrMessageNotFound if the message doesn't exist.
	Update(ctx context.Context, sessionID, messageID string, patch Patch) error

	// List returns all messages for a session ordered by SortKey.
	List(ctx context.Context, sessionID string) ([]*Message, error)

	// Subscribe calls fn with the current log and again after every change,
	// until the returned function is called.
	Subscribe(ctx context.Context, sessionID string, fn SubscribeFunc) (func(), error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

func validateNew(msg NewMessage) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, msg.Kind)
	}
	if msg.Incremental && msg.Kind != KindAI {
		return fmt.Errorf("%w: only %s messages can be incremental", ErrInvalidKind, KindAI)
	}
	return nil
}

// newStoredMessage materializes a NewMessage with backend-assigned identity.
func newStoredMessage(id string, seq int64, msg NewMessage, now time.Time) *Message {
	m := &Message{
		ID:        id,
		Kind:      msg.Kind,
		Content:   msg.Content,
		URL:       msg.URL,
		CreatedAt: now,
		SortKey:   seq,
	}
	m.Data = cloneData(msg.Data)
	if !msg.Incremental {
		t := now
		m.CompletedAt = &t
	}
	return m
}

// applyPatch mutates m in place. Re-completing a completed message is a no-op
// so a duplicated end-of-stream write stays harmless.
func applyPatch(m *Message, patch Patch, now time.Time) error {
	if patch.Content != nil {
		if !m.InFlight() && *patch.Content != m.Content {
			return ErrMessageFinal
		}
		m.Content = *patch.Content
	}
	if patch.Complete && m.CompletedAt == nil {
		t := now
		m.CompletedAt = &t
	}
	return nil
}

// sortMessages orders by SortKey; the stable sort keeps insertion order on ties.
func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SortKey < msgs[j].SortKey
	})
}

func cloneAll(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
