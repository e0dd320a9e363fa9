package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lecture-chat/internal/domain"
)

type opKind int

const (
	opAppend opKind = iota
	opRead
)

type request struct {
	ctx     context.Context
	kind    opKind
	role    domain.Role
	content string
	reply   chan result
}

type result struct {
	msg     domain.Message
	history domain.History
	err     error
}

// actor serializes the operations of one conversation. Other processes may
// write the same conversation, so every operation starts from a fresh load
// and nothing is cached between requests. pending is guarded by Store.mu.
type actor struct {
	id        string
	inbox     chan request
	persister Persister
	maxBytes  int
	now       func() time.Time
	logger    *slog.Logger

	pending int
}

func newActor(id string, p Persister, maxBytes int, now func() time.Time, logger *slog.Logger) *actor {
	return &actor{
		id:        id,
		inbox:     make(chan request, defaultInboxSize),
		persister: p,
		maxBytes:  maxBytes,
		now:       now,
		logger:    logger.With("conversationId", id),
	}
}

func (a *actor) handle(req request) result {
	// Admitted work finishes even if the caller has gone away.
	ctx := context.WithoutCancel(req.ctx)

	switch req.kind {
	case opAppend:
		msg, err := a.append(ctx, req.role, req.content)
		return result{msg: msg, err: err}
	case opRead:
		h, err := a.read(ctx)
		return result{history: h, err: err}
	}
	return result{err: fmt.Errorf("conversation: unknown operation %d", req.kind)}
}

func (a *actor) load(ctx context.Context) (domain.History, error) {
	h, err := a.persister.Load(ctx, a.id)
	if err != nil {
		a.logger.Error("conversation load failed", "err", err)
		return nil, fmt.Errorf("%w: load: %w", ErrStorageUnavailable, err)
	}
	if h == nil {
		h = domain.History{}
	}
	return h, nil
}

func (a *actor) read(ctx context.Context) (domain.History, error) {
	return a.load(ctx)
}

func (a *actor) append(ctx context.Context, role domain.Role, content string) (domain.Message, error) {
	history, err := a.load(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	if a.maxBytes > 0 && historyBytes(history)+len(content) > a.maxBytes {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, domain.ErrHistoryFull)
	}

	msg := domain.Message{
		Role:      role,
		Content:   content,
		Timestamp: a.now().UnixMilli(),
	}
	prevLen := len(history)
	if prevLen > 0 && msg.Timestamp < history[prevLen-1].Timestamp {
		msg.Timestamp = history[prevLen-1].Timestamp
	}

	if err := a.persister.Append(ctx, a.id, msg, prevLen); err != nil {
		if errors.Is(err, domain.ErrHistoryFull) {
			a.logger.Warn("conversation rejected by storage size limit", "position", prevLen)
			return domain.Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		a.logger.Error("conversation append failed", "role", role, "position", prevLen, "err", err)
		return domain.Message{}, fmt.Errorf("%w: append: %w", ErrStorageUnavailable, err)
	}

	a.logger.Debug("conversation message appended", "role", role, "position", prevLen, "contentBytes", len(content))
	return msg, nil
}

// historyBytes is the content size of h, the part of a record that grows.
func historyBytes(h domain.History) int {
	n := 0
	for _, m := range h {
		n += len(m.Content)
	}
	return n
}
