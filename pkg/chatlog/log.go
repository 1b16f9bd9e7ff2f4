package chatlog

import (
	"context"
	"errors"
	"fmt"
)

// Log is a chat log bound to one session identity.
// It adds the incremental write protocol on top of a StorageBackend:
// OpenIncremental creates an in-flight ai message, AppendIncremental replaces
// its content with the cumulative text, and CloseIncremental marks it final.
type Log struct {
	backend   StorageBackend
	sessionID string
}

// NewLog binds backend to sessionID.
func NewLog(backend StorageBackend, sessionID string) (*Log, error) {
	if backend == nil {
		return nil, errors.New("chatlog: backend is required")
	}
	if sessionID == "" {
		return nil, errors.New("chatlog: session id is required")
	}
	return &Log{backend: backend, sessionID: sessionID}, nil
}

// SessionID returns the session this log writes to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Backend returns the underlying storage backend.
func (l *Log) Backend() StorageBackend {
	return l.backend
}

// Append creates a complete message and returns its ID.
func (l *Log) Append(ctx context.Context, msg NewMessage) (string, error) {
	msg.Incremental = false
	id, err := l.backend.Create(ctx, l.sessionID, msg)
	if err != nil {
		return "", &StoreError{Op: "create", SessionID: l.sessionID, Err: err}
	}
	return id, nil
}

// OpenIncremental creates an in-flight ai message holding content.
func (l *Log) OpenIncremental(ctx context.Context, content string) (string, error) {
	id, err := l.backend.Create(ctx, l.sessionID, NewMessage{
		Kind:        KindAI,
		Content:     content,
		Incremental: true,
	})
	if err != nil {
		return "", &StoreError{Op: "open", SessionID: l.sessionID, Err: err}
	}
	return id, nil
}

// AppendIncremental overwrites the in-flight message with the full text
// accumulated so far. Readers therefore always see a prefix of the final answer.
func (l *Log) AppendIncremental(ctx context.Context, messageID, cumulative string) error {
	if err := l.backend.Update(ctx, l.sessionID, messageID, Patch{Content: &cumulative}); err != nil {
		return &StoreError{Op: "append", SessionID: l.sessionID, MessageID: messageID, Err: err}
	}
	return nil
}

// CloseIncremental stamps the completion time on an in-flight message.
// Closing an already closed message is a no-op write.
func (l *Log) CloseIncremental(ctx context.Context, messageID string) error {
	if err := l.backend.Update(ctx, l.sessionID, messageID, Patch{Complete: true}); err != nil {
		return &StoreError{Op: "close", SessionID: l.sessionID, MessageID: messageID, Err: err}
	}
	return nil
}

// Messages returns the current ordered log.
func (l *Log) Messages(ctx context.Context) ([]*Message, error) {
	msgs, err := l.backend.List(ctx, l.sessionID)
	if err != nil {
		return nil, &StoreError{Op: "list", SessionID: l.sessionID, Err: err}
	}
	return msgs, nil
}

// Subscribe delivers the full ordered log on every change.
func (l *Log) Subscribe(ctx context.Context, fn SubscribeFunc) (func(), error) {
	unsub, err := l.backend.Subscribe(ctx, l.sessionID, fn)
	if err != nil {
		return nil, &StoreError{Op: "subscribe", SessionID: l.sessionID, Err: err}
	}
	return unsub, nil
}

// StoreError reports a write or read rejected by the storage backend.
type StoreError struct {
	Op        string // "create", "open", "append", "close", "list", "subscribe"
	SessionID string
	MessageID string
	Err       error
}

func (e *StoreError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("store error: %s %s/%s: %v", e.Op, e.SessionID, e.MessageID, e.Err)
	}
	return fmt.Sprintf("store error: %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
