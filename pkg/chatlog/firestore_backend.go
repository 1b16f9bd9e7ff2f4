package chatlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultAppID namespaces chat logs when no app ID is configured.
const DefaultAppID = "default-app-id"

// FirestoreBackend implements StorageBackend on Google Cloud Firestore.
//
// Layout:
//
//	artifacts/<app-id>/users/<session-id>            { chatSeq }
//	artifacts/<app-id>/users/<session-id>/chats/<id> { type, content, data, url, createdAt, timestamp, sortKey }
//
// The per-user document holds the sort key counter, which is bumped in the
// same transaction that creates the message. The "timestamp" field is the
// server-stamped completion time and is null while a message is in-flight.
type FirestoreBackend struct {
	client *firestore.Client
	appID  string
	mu     sync.RWMutex
	closed bool
}

// FirestoreConfig contains configuration for the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	AppID           string `yaml:"app_id"`
}

// NewFirestoreBackend creates a Firestore client for cfg.ProjectID.
// Without a credentials file, Application Default Credentials are used.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreBackendFromClient(client, cfg.AppID), nil
}

// NewFirestoreBackendFromClient wraps an existing client, e.g. one pointed at
// the emulator.
func NewFirestoreBackendFromClient(client *firestore.Client, appID string) *FirestoreBackend {
	if appID == "" {
		appID = DefaultAppID
	}
	return &FirestoreBackend{client: client, appID: appID}
}

// firestoreMessage is the stored document shape.
type firestoreMessage struct {
	Type      string     `firestore:"type"`
	Content   string     `firestore:"content"`
	Data      any        `firestore:"data,omitempty"`
	URL       string     `firestore:"url,omitempty"`
	CreatedAt time.Time  `firestore:"createdAt"`
	Timestamp *time.Time `firestore:"timestamp"`
	SortKey   int64      `firestore:"sortKey"`
}

func userDocPath(appID, sessionID string) string {
	return fmt.Sprintf("artifacts/%s/users/%s", appID, sessionID)
}

func chatsPath(appID, sessionID string) string {
	return userDocPath(appID, sessionID) + "/chats"
}

// newFirestoreFields builds the create payload. Timestamps are server-assigned.
func newFirestoreFields(msg NewMessage, seq int64) map[string]any {
	fields := map[string]any{
		"type":      string(msg.Kind),
		"content":   msg.Content,
		"createdAt": firestore.ServerTimestamp,
		"sortKey":   seq,
	}
	if msg.Data != nil {
		fields["data"] = msg.Data
	}
	if msg.URL != "" {
		fields["url"] = msg.URL
	}
	if msg.Incremental {
		fields["timestamp"] = nil
	} else {
		fields["timestamp"] = firestore.ServerTimestamp
	}
	return fields
}

func (fm *firestoreMessage) toMessage(id string) *Message {
	m := &Message{
		ID:        id,
		Kind:      Kind(fm.Type),
		Content:   fm.Content,
		Data:      fm.Data,
		URL:       fm.URL,
		CreatedAt: fm.CreatedAt,
		SortKey:   fm.SortKey,
	}
	if fm.Timestamp != nil {
		t := *fm.Timestamp
		m.CompletedAt = &t
	}
	return m
}

// patchUpdates translates a Patch against the current document state.
func patchUpdates(current *firestoreMessage, patch Patch) ([]firestore.Update, error) {
	var updates []firestore.Update
	if patch.Content != nil {
		if current.Timestamp != nil && *patch.Content != current.Content {
			return nil, ErrMessageFinal
		}
		updates = append(updates, firestore.Update{Path: "content", Value: *patch.Content})
	}
	if patch.Complete && current.Timestamp == nil {
		updates = append(updates, firestore.Update{Path: "timestamp", Value: firestore.ServerTimestamp})
	}
	return updates, nil
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Create appends a message to a session.
func (b *FirestoreBackend) Create(ctx context.Context, sessionID string, msg NewMessage) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	if err := validateNew(msg); err != nil {
		return "", err
	}

	userDoc := b.client.Doc(userDocPath(b.appID, sessionID))
	docRef := b.client.Collection(chatsPath(b.appID, sessionID)).NewDoc()

	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var seq int64
		snap, err := tx.Get(userDoc)
		switch {
		case err == nil:
			if v, derr := snap.DataAt("chatSeq"); derr == nil {
				if n, ok := v.(int64); ok {
					seq = n
				}
			}
		case status.Code(err) == codes.NotFound:
		default:
			return fmt.Errorf("read sort key: %w", err)
		}
		seq++

		if err := tx.Set(userDoc, map[string]any{"chatSeq": seq}, firestore.MergeAll); err != nil {
			return err
		}
		return tx.Create(docRef, newFirestoreFields(msg, seq))
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	return docRef.ID, nil
}

// Update applies a patch to an existing message.
func (b *FirestoreBackend) Update(ctx context.Context, sessionID, messageID string, patch Patch) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	docRef := b.client.Collection(chatsPath(b.appID, sessionID)).Doc(messageID)
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrMessageNotFound
			}
			return err
		}
		var current firestoreMessage
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		updates, err := patchUpdates(&current, patch)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(docRef, updates)
	})
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrMessageFinal) {
			return err
		}
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (b *FirestoreBackend) orderedQuery(sessionID string) firestore.Query {
	return b.client.Collection(chatsPath(b.appID, sessionID)).OrderBy("sortKey", firestore.Asc)
}

// List returns all messages for a session ordered by SortKey.
func (b *FirestoreBackend) List(ctx context.Context, sessionID string) ([]*Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	iter := b.orderedQuery(sessionID).Documents(ctx)
	defer iter.Stop()
	return collect(iter)
}

func collect(iter *firestore.DocumentIterator) ([]*Message, error) {
	msgs := make([]*Message, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}
		var fm firestoreMessage
		if err := doc.DataTo(&fm); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", doc.Ref.ID, err)
		}
		msgs = append(msgs, fm.toMessage(doc.Ref.ID))
	}
	sortMessages(msgs)
	return msgs, nil
}

// Subscribe attaches a snapshot listener to the session's chats collection.
// Firestore delivers the first snapshot immediately and one per change after.
func (b *FirestoreBackend) Subscribe(ctx context.Context, sessionID string, fn SubscribeFunc) (func(), error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	snaps := b.orderedQuery(sessionID).Snapshots(subCtx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			qs, err := snaps.Next()
			if err != nil {
				if subCtx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Printf("[Store] firestore: listen session %s: %v", sessionID, err)
				}
				return
			}
			msgs, err := collect(qs.Documents)
			if err != nil {
				log.Printf("[Store] firestore: decode snapshot for session %s: %v", sessionID, err)
				continue
			}
			fn(msgs)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			snaps.Stop()
			<-done
		})
	}, nil
}

// Ping reads the session-independent app document to verify connectivity.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	_, err := b.client.Doc("artifacts/" + b.appID).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close closes the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
