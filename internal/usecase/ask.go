package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lecture-chat/internal/domain"
)

const (
	defaultMaxContext  = 20
	defaultMaxQuestion = 2000
	defaultMaxLecture  = 200000
)

// ParamGetter reads runtime parameters by full name.
type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// LLMClient generates answers and screens questions.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// HistoryStore is the conversation store as seen by the service.
type HistoryStore interface {
	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string) (domain.Message, error)
	GetHistory(ctx context.Context, conversationID string) (domain.History, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Limits bounds request sizes and prompt context. Zero values take defaults.
type Limits struct {
	MaxContextItems int
	MaxQuestionLen  int
	MaxLectureLen   int
}

// LectureService mints conversations for uploaded lectures and answers
// questions about them, recording every turn in the conversation store.
type LectureService struct {
	params      ParamGetter
	llm         LLMClient
	store       HistoryStore
	paramPrefix string
	limits      Limits
	logger      *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
	openaiModel  string
}

type AskInput struct {
	Question       string
	ConversationID string
}

type AskOutput struct {
	Answer         string
	ConversationID string
	Timestamp      int64
}

func NewLectureService(p ParamGetter, llm LLMClient, s HistoryStore, paramPrefix string, limits Limits, logger *slog.Logger) (*LectureService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if limits.MaxContextItems <= 0 {
		limits.MaxContextItems = defaultMaxContext
	}
	if limits.MaxQuestionLen <= 0 {
		limits.MaxQuestionLen = defaultMaxQuestion
	}
	if limits.MaxLectureLen <= 0 {
		limits.MaxLectureLen = defaultMaxLecture
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LectureService{
		params:      p,
		llm:         llm,
		store:       s,
		paramPrefix: paramPrefix,
		limits:      limits,
		logger:      logger,
	}, nil
}

func (s *LectureService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if len(question) > s.limits.MaxQuestionLen {
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return AskOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	history, err := s.store.GetHistory(ctx, convID)
	if err != nil {
		return AskOutput{}, storeError("history_read_error", err)
	}
	if len(history) == 0 {
		return AskOutput{}, newError(ErrorInvalidInput, "unknown_conversation", nil)
	}

	flagged, err := s.llm.Moderate(ctx, question)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return AskOutput{}, newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return AskOutput{}, newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return AskOutput{}, newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}

	if _, err := s.store.AppendMessage(ctx, convID, domain.RoleUser, question); err != nil {
		return AskOutput{}, storeError("user_message_write_error", err)
	}

	answer, err := s.llm.Chat(ctx, s.openaiModel, buildPromptMessages(s.pinnedPrompt, history, question, s.limits.MaxContextItems))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return AskOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return AskOutput{}, newError(ErrorUpstream, "openai_error", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return AskOutput{}, newError(ErrorUpstream, "openai_empty_answer", nil)
	}

	reply, err := s.store.AppendMessage(ctx, convID, domain.RoleAssistant, answer)
	if err != nil {
		return AskOutput{}, storeError("assistant_message_write_error", err)
	}

	s.logger.InfoContext(ctx, "question answered",
		"conversationId", convID,
		"historyLen", len(history)+2,
		"answerBytes", len(answer),
	)
	return AskOutput{
		Answer:         answer,
		ConversationID: convID,
		Timestamp:      reply.Timestamp,
	}, nil
}

func (s *LectureService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	pinnedPrompt, openaiModel, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.pinnedPrompt = pinnedPrompt
	s.openaiModel = openaiModel
	s.cacheLoaded = true
	return nil
}

func (s *LectureService) loadSSMParams(ctx context.Context) (pinnedPrompt, openaiModel string, err error) {
	promptName := s.paramPrefix + "/pinned_prompt"
	modelName := s.paramPrefix + "/config/openai_model"

	vals, err := s.params.GetParameters(ctx, promptName, modelName)
	if err != nil {
		return "", "", fmt.Errorf("usecase: load parameters: %w", err)
	}
	pinnedPrompt, ok := vals[promptName]
	if !ok {
		return "", "", errors.New("usecase: pinned prompt parameter missing")
	}
	openaiModel, ok = vals[modelName]
	if !ok || strings.TrimSpace(openaiModel) == "" {
		return "", "", errors.New("usecase: openai model parameter missing")
	}
	return pinnedPrompt, strings.TrimSpace(openaiModel), nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
