package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"lecture-chat/internal/domain"
)

var bucketConversations = []byte("conversations")

type boltRecord struct {
	ConversationID string         `json:"conversationId"`
	Messages       domain.History `json:"messages"`
	LastActivity   string         `json:"lastActivity"`
}

// BoltStore keeps conversation histories in a local BoltDB file, one key per
// conversation. Used for local development in place of DynamoDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the BoltDB file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: bolt path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("repository: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConversations)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load reads the conversation's history. A missing key is an empty history.
func (s *BoltStore) Load(ctx context.Context, conversationID string) (domain.History, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConversations).Get([]byte(conversationID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Load: %w", err)
	}
	if rec.Messages == nil {
		return domain.History{}, nil
	}
	return rec.Messages, nil
}

// Append adds msg at position prevLen inside a single write transaction.
func (s *BoltStore) Append(ctx context.Context, conversationID string, msg domain.Message, prevLen int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		key := []byte(conversationID)

		rec := boltRecord{ConversationID: conversationID}
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
		}
		if len(rec.Messages) != prevLen {
			return ErrConflict
		}

		rec.Messages = append(rec.Messages, msg)
		rec.LastActivity = s.now().UTC().Format(time.RFC3339)
		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return b.Put(key, buf)
	})
	if err != nil {
		return fmt.Errorf("repository: Append at %d: %w", prevLen, err)
	}
	return nil
}
