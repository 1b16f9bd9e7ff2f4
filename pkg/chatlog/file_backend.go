package chatlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend as one append-only JSONL operation
// log per session. Creates and updates are both appended; the current log is
// the replay of all operations.
//
//	~/.quantchat/chats/
//	  └── <session-id>.jsonl
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	cache   map[string][]*Message
	subs    *broadcaster
	closed  bool
	now     func() time.Time
}

type fileOp struct {
	Op      string    `json:"op"` // "create" or "update"
	Message *Message  `json:"message,omitempty"`
	ID      string    `json:"id,omitempty"`
	Content *string   `json:"content,omitempty"`
	Done    bool      `json:"complete,omitempty"`
	At      time.Time `json:"at"`
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.quantchat/chats.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".quantchat", "chats")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
		cache:   make(map[string][]*Message),
		subs:    newBroadcaster(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (f *FileBackend) logPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".jsonl")
}

// Create appends a message to a session.
func (f *FileBackend) Create(ctx context.Context, sessionID string, msg NewMessage) (string, error) {
	if err := validateNew(msg); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", ErrStorageClosed
	}
	msgs, err := f.loadLocked(sessionID)
	if err != nil {
		return "", err
	}

	var seq int64 = 1
	if n := len(msgs); n > 0 {
		seq = msgs[n-1].SortKey + 1
	}
	now := f.now()
	m := newStoredMessage(uuid.New().String(), seq, msg, now)

	if err := f.appendOp(sessionID, fileOp{Op: "create", Message: m, At: now}); err != nil {
		return "", err
	}

	f.cache[sessionID] = append(msgs, m)
	f.publishLocked(sessionID)
	return m.ID, nil
}

// Update applies a patch to an existing message.
func (f *FileBackend) Update(ctx context.Context, sessionID, messageID string, patch Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	msgs, err := f.loadLocked(sessionID)
	if err != nil {
		return err
	}

	var target *Message
	for _, m := range msgs {
		if m.ID == messageID {
			target = m
			break
		}
	}
	if target == nil {
		return ErrMessageNotFound
	}

	now := f.now()
	next := target.Clone()
	if err := applyPatch(next, patch, now); err != nil {
		return err
	}

	op := fileOp{Op: "update", ID: messageID, Content: patch.Content, Done: patch.Complete, At: now}
	if err := f.appendOp(sessionID, op); err != nil {
		return err
	}

	*target = *next
	f.publishLocked(sessionID)
	return nil
}

// List returns all messages for a session ordered by SortKey.
func (f *FileBackend) List(ctx context.Context, sessionID string) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	msgs, err := f.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	return cloneAll(msgs), nil
}

// Subscribe registers fn for every change made through this backend.
// Writes by other processes to the same files are not observed.
func (f *FileBackend) Subscribe(ctx context.Context, sessionID string, fn SubscribeFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	msgs, err := f.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	return f.subs.add(sessionID, fn, cloneAll(msgs)), nil
}

// Ping checks the base directory is still accessible.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	return nil
}

// Close marks the backend as closed and drops subscribers.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.cache = make(map[string][]*Message)
	f.mu.Unlock()

	f.subs.closeAll()
	return nil
}

func (f *FileBackend) publishLocked(sessionID string) {
	if f.subs.hasSubscribers(sessionID) {
		f.subs.publish(sessionID, f.cache[sessionID])
	}
}

// loadLocked returns the cached log, replaying the file on first access.
func (f *FileBackend) loadLocked(sessionID string) ([]*Message, error) {
	if msgs, ok := f.cache[sessionID]; ok {
		return msgs, nil
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	msgs, err := replayFile(f.logPath(sessionID))
	if err != nil {
		return nil, err
	}
	f.cache[sessionID] = msgs
	return msgs, nil
}

func (f *FileBackend) appendOp(sessionID string, op fileOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}

	file, err := os.OpenFile(f.logPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session ID validated in loadLocked
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write op: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync session log: %w", err)
	}
	return nil
}

func replayFile(path string) ([]*Message, error) {
	file, err := os.Open(path) // #nosec G304 - session ID validated by caller
	if err != nil {
		if os.IsNotExist(err) {
			return []*Message{}, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer file.Close()

	msgs := make([]*Message, 0)
	index := make(map[string]*Message)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var op fileOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		switch op.Op {
		case "create":
			if op.Message == nil {
				return nil, fmt.Errorf("parse %s line %d: create without message", path, line)
			}
			msgs = append(msgs, op.Message)
			index[op.Message.ID] = op.Message
		case "update":
			m, ok := index[op.ID]
			if !ok {
				return nil, fmt.Errorf("parse %s line %d: update of unknown message %s", path, line, op.ID)
			}
			if err := applyPatch(m, Patch{Content: op.Content, Complete: op.Done}, op.At); err != nil {
				return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
			}
		default:
			return nil, fmt.Errorf("parse %s line %d: unknown op %q", path, line, op.Op)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}

	sortMessages(msgs)
	return msgs, nil
}
