// Package conversation owns per-conversation message histories. Every
// operation for one conversation id runs on that id's actor, one at a time
// and in admission order; different ids never contend beyond the registry
// lookup.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lecture-chat/internal/domain"
)

const defaultInboxSize = 64

// Persister is the durable storage behind the store. Append must write msg
// at position prevLen and fail if the durable history does not have exactly
// prevLen messages.
type Persister interface {
	Load(ctx context.Context, conversationID string) (domain.History, error)
	Append(ctx context.Context, conversationID string, msg domain.Message, prevLen int) error
}

// Config tunes a Store.
type Config struct {
	// MaxContentLength bounds message content in bytes. Zero means unbounded.
	MaxContentLength int
	// MaxHistoryBytes bounds the total content of one conversation. An
	// append that would exceed it fails with ErrInvalidMessage. Zero means
	// unbounded.
	MaxHistoryBytes int
	// IdleTimeout retires an actor that has had no work for this long. Zero
	// keeps actors for the life of the process.
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// Now is the clock used for message timestamps.
	Now func() time.Time
}

// Store routes each conversation id to a dedicated actor.
type Store struct {
	persister   Persister
	maxContent  int
	maxHistory  int
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
}

// New creates a Store backed by p.
func New(p Persister, cfg Config) (*Store, error) {
	if p == nil {
		return nil, errors.New("conversation: persister must not be nil")
	}
	if cfg.MaxContentLength < 0 || cfg.MaxHistoryBytes < 0 {
		return nil, errors.New("conversation: size limits must not be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		persister:   p,
		maxContent:  cfg.MaxContentLength,
		maxHistory:  cfg.MaxHistoryBytes,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		now:         cfg.Now,
		actors:      make(map[string]*actor),
	}, nil
}

// AppendMessage stores a new message at the tail of the conversation's
// history, creating the history if it does not exist, and returns the
// stored message with its assigned timestamp.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string) (domain.Message, error) {
	if err := s.validate(conversationID, role, content); err != nil {
		return domain.Message{}, err
	}
	res, err := s.dispatch(ctx, conversationID, request{
		kind:    opAppend,
		role:    role,
		content: content,
	})
	if err != nil {
		return domain.Message{}, err
	}
	return res.msg, res.err
}

// GetHistory returns the conversation's messages in append order. An id
// that has never been appended to yields an empty history, not an error.
func (s *Store) GetHistory(ctx context.Context, conversationID string) (domain.History, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	res, err := s.dispatch(ctx, conversationID, request{kind: opRead})
	if err != nil {
		return nil, err
	}
	return res.history, res.err
}

func (s *Store) validate(conversationID string, role domain.Role, content string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, role)
	}
	if s.maxContent > 0 && len(content) > s.maxContent {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, s.maxContent)
	}
	return nil
}

// dispatch admits req to the conversation's actor and waits for its result.
// If ctx ends before admission the request is dropped; after admission the
// actor completes it whether or not the caller is still waiting.
func (s *Store) dispatch(ctx context.Context, conversationID string, req request) (result, error) {
	req.ctx = ctx
	req.reply = make(chan result, 1)

	a := s.acquire(conversationID)
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		s.release(a)
		return result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// acquire returns the live actor for id, starting one if needed, and
// reserves a slot so the actor cannot retire before the request arrives.
func (s *Store) acquire(conversationID string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actors[conversationID]
	if !ok {
		a = newActor(conversationID, s.persister, s.maxHistory, s.now, s.logger)
		s.actors[conversationID] = a
		go s.run(a)
	}
	a.pending++
	return a
}

func (s *Store) release(a *actor) {
	s.mu.Lock()
	a.pending--
	s.mu.Unlock()
}

// retire removes a from the registry if nothing is pending for it.
func (s *Store) retire(a *actor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.pending > 0 {
		return false
	}
	delete(s.actors, a.id)
	return true
}

func (s *Store) run(a *actor) {
	var idle <-chan time.Time
	var timer *time.Timer
	if s.idleTimeout > 0 {
		timer = time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case req := <-a.inbox:
			res := a.handle(req)
			req.reply <- res
			s.release(a)
			// Reads of unknown ids must not leave actors behind.
			if req.kind == opRead && res.err == nil && len(res.history) == 0 && s.retire(a) {
				return
			}
		case <-idle:
			if s.retire(a) {
				a.logger.Debug("conversation actor retired")
				return
			}
		}
		if timer != nil {
			timer.Reset(s.idleTimeout)
		}
	}
}

// activeActors reports the number of registered actors.
func (s *Store) activeActors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}
