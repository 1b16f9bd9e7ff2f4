package chatlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend implements StorageBackend in process memory.
// It is the default for the CLI and for tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string][]*Message
	seq      map[string]int64
	subs     *broadcaster
	closed   bool
	now      func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string][]*Message),
		seq:      make(map[string]int64),
		subs:     newBroadcaster(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create appends a message to a session.
func (b *MemoryBackend) Create(ctx context.Context, sessionID string, msg NewMessage) (string, error) {
	if err := validateNew(msg); err != nil {
		return "", err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrStorageClosed
	}
	b.seq[sessionID]++
	m := newStoredMessage(uuid.New().String(), b.seq[sessionID], msg, b.now())
	b.sessions[sessionID] = append(b.sessions[sessionID], m)
	b.publishLocked(sessionID)
	b.mu.Unlock()

	return m.ID, nil
}

// Update applies a patch to an existing message.
func (b *MemoryBackend) Update(ctx context.Context, sessionID, messageID string, patch Patch) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrStorageClosed
	}

	var target *Message
	for _, m := range b.sessions[sessionID] {
		if m.ID == messageID {
			target = m
			break
		}
	}
	if target == nil {
		b.mu.Unlock()
		return ErrMessageNotFound
	}
	if err := applyPatch(target, patch, b.now()); err != nil {
		b.mu.Unlock()
		return err
	}
	b.publishLocked(sessionID)
	b.mu.Unlock()

	return nil
}

// publishLocked must run under b.mu so snapshots reach subscribers in write order.
func (b *MemoryBackend) publishLocked(sessionID string) {
	if b.subs.hasSubscribers(sessionID) {
		b.subs.publish(sessionID, b.sessions[sessionID])
	}
}

// List returns all messages for a session ordered by SortKey.
func (b *MemoryBackend) List(ctx context.Context, sessionID string) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}
	return cloneAll(b.sessions[sessionID]), nil
}

// Subscribe registers fn for every change to sessionID.
func (b *MemoryBackend) Subscribe(ctx context.Context, sessionID string, fn SubscribeFunc) (func(), error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}
	return b.subs.add(sessionID, fn, cloneAll(b.sessions[sessionID])), nil
}

// Ping reports whether the backend is still open.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close drops all subscribers. Data is kept so late readers get ErrStorageClosed
// rather than an empty log.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.subs.closeAll()
	return nil
}
