package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"lecture-chat/internal/conversation"
	"lecture-chat/internal/domain"
	"lecture-chat/internal/integrations/openai"
	"lecture-chat/internal/repository"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := m.vals[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

type transientParams struct {
	*mockParams
	failOnce bool
}

func (p *transientParams) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if p.failOnce {
		p.failOnce = false
		return nil, errors.New("temporary ssm failure")
	}
	return p.mockParams.GetParameters(ctx, names...)
}

type chatResponse struct {
	answer string
	err    error
}

type mockLLM struct {
	responses []chatResponse
	callCount int
	flagged   bool
	err       error
	captured  []domain.ChatMessage
	model     string
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	m.model = model
	m.captured = msgs
	if len(m.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].answer, m.responses[idx].err
}

func (m *mockLLM) Moderate(_ context.Context, _ string) (bool, error) {
	return m.flagged, m.err
}

type appendCall struct {
	conversationID string
	role           domain.Role
	content        string
}

type mockStore struct {
	history    domain.History
	historyErr error
	appendErrs []error // consumed in order; nil entries succeed
	appends    []appendCall
}

func (m *mockStore) AppendMessage(_ context.Context, conversationID string, role domain.Role, content string) (domain.Message, error) {
	var err error
	if len(m.appendErrs) > 0 {
		err, m.appendErrs = m.appendErrs[0], m.appendErrs[1:]
	}
	if err != nil {
		return domain.Message{}, err
	}
	m.appends = append(m.appends, appendCall{conversationID: conversationID, role: role, content: content})
	return domain.Message{Role: role, Content: content, Timestamp: int64(len(m.appends))}, nil
}

func (m *mockStore) GetHistory(_ context.Context, _ string) (domain.History, error) {
	return m.history, m.historyErr
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/prefix/pinned_prompt":       "Answer like a patient tutor.",
			"/prefix/config/openai_model": "gpt-4o-mini",
		},
	}
}

func lectureHistory() domain.History {
	return domain.History{{Role: domain.RoleSystem, Content: "Lecture: Thermodynamics\n\nEntropy is a measure of disorder.", Timestamp: 1}}
}

func answering(answer string) *mockLLM {
	return &mockLLM{responses: []chatResponse{{answer: answer}}}
}

func newTestService(t *testing.T, p ParamGetter, llm LLMClient, s HistoryStore) *LectureService {
	t.Helper()
	svc, err := NewLectureService(p, llm, s, "/prefix", Limits{MaxContextItems: 4, MaxQuestionLen: 300, MaxLectureLen: 1000}, nil)
	require.NoError(t, err)
	return svc
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewLectureService_ValidatesDependencies(t *testing.T) {
	_, err := NewLectureService(nil, answering("x"), &mockStore{}, "/prefix", Limits{}, nil)
	require.Error(t, err)

	_, err = NewLectureService(defaultParams(), nil, &mockStore{}, "/prefix", Limits{}, nil)
	require.Error(t, err)

	_, err = NewLectureService(defaultParams(), answering("x"), nil, "/prefix", Limits{}, nil)
	require.Error(t, err)

	_, err = NewLectureService(defaultParams(), answering("x"), &mockStore{}, " ", Limits{}, nil)
	require.Error(t, err)
}

func TestNewLectureService_DefaultLimits(t *testing.T) {
	svc, err := NewLectureService(defaultParams(), answering("x"), &mockStore{}, "/prefix/", Limits{}, nil)
	require.NoError(t, err)
	require.Equal(t, Limits{MaxContextItems: defaultMaxContext, MaxQuestionLen: defaultMaxQuestion, MaxLectureLen: defaultMaxLecture}, svc.limits)
	require.Equal(t, "/prefix", svc.paramPrefix)
}

func TestAsk_HappyPath(t *testing.T) {
	store := &mockStore{history: lectureHistory()}
	llm := answering("Entropy measures disorder.")
	svc := newTestService(t, defaultParams(), llm, store)

	out, err := svc.Ask(context.Background(), AskInput{Question: "  What is entropy?  ", ConversationID: "lec-1"})
	require.NoError(t, err)
	require.Equal(t, "Entropy measures disorder.", out.Answer)
	require.Equal(t, "lec-1", out.ConversationID)
	require.Equal(t, int64(2), out.Timestamp)
	require.Equal(t, "gpt-4o-mini", llm.model)

	require.Equal(t, []appendCall{
		{conversationID: "lec-1", role: domain.RoleUser, content: "What is entropy?"},
		{conversationID: "lec-1", role: domain.RoleAssistant, content: "Entropy measures disorder."},
	}, store.appends)
}

func TestAsk_ValidationErrors(t *testing.T) {
	store := &mockStore{history: lectureHistory()}
	svc := newTestService(t, defaultParams(), answering("x"), store)

	_, err := svc.Ask(context.Background(), AskInput{Question: " ", ConversationID: "lec-1"})
	expectError(t, err, ErrorInvalidInput, "empty_question")

	_, err = svc.Ask(context.Background(), AskInput{Question: strings.Repeat("a", 301), ConversationID: "lec-1"})
	expectError(t, err, ErrorInvalidInput, "question_too_long")

	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?"})
	expectError(t, err, ErrorInvalidInput, "missing_conversation_id")

	require.Empty(t, store.appends)
}

func TestAsk_UnknownConversation(t *testing.T) {
	store := &mockStore{}
	llm := answering("x")
	svc := newTestService(t, defaultParams(), llm, store)

	_, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-2"})
	expectError(t, err, ErrorInvalidInput, "unknown_conversation")
	require.Empty(t, store.appends)
	require.Zero(t, llm.callCount)
}

func TestAsk_ModerationErrors(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockLLM{flagged: true}, &mockStore{history: lectureHistory()})
	_, err := svc.Ask(context.Background(), AskInput{Question: "unsafe", ConversationID: "lec-1"})
	expectError(t, err, ErrorInvalidQuestion, "moderation_flagged")

	svc = newTestService(t, defaultParams(), &mockLLM{err: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}, &mockStore{history: lectureHistory()})
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorUpstream, "moderation_error")

	svc = newTestService(t, defaultParams(), &mockLLM{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}, &mockStore{history: lectureHistory()})
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorRateLimited, "moderation_rate_limited")
}

func TestAsk_SSMLoadErrors(t *testing.T) {
	svc := newTestService(t, &mockParams{err: errors.New("ssm unavailable")}, answering("x"), &mockStore{history: lectureHistory()})
	_, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorInternal, "ssm_load_error")

	p := defaultParams()
	delete(p.vals, "/prefix/config/openai_model")
	svc = newTestService(t, p, answering("x"), &mockStore{history: lectureHistory()})
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorInternal, "ssm_load_error")
}

func TestAsk_SSMLoadError_IsRetriedOnNextRequest(t *testing.T) {
	p := &transientParams{mockParams: defaultParams(), failOnce: true}
	svc := newTestService(t, p, answering("ok"), &mockStore{history: lectureHistory()})

	_, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorInternal, "ssm_load_error")

	out, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Answer)
}

func TestAsk_ParamsLoadedOnce(t *testing.T) {
	p := defaultParams()
	svc := newTestService(t, p, answering("ok"), &mockStore{history: lectureHistory()})

	for i := 0; i < 3; i++ {
		_, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, p.calls)
}

func TestAsk_StoreErrors(t *testing.T) {
	unavailable := fmt.Errorf("%w: load: boom", conversation.ErrStorageUnavailable)

	svc := newTestService(t, defaultParams(), answering("ok"), &mockStore{historyErr: unavailable})
	_, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorStorage, "history_read_error")

	store := &mockStore{history: lectureHistory(), appendErrs: []error{unavailable}}
	llm := answering("ok")
	svc = newTestService(t, defaultParams(), llm, store)
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorStorage, "user_message_write_error")
	require.Zero(t, llm.callCount)

	store = &mockStore{history: lectureHistory(), appendErrs: []error{nil, unavailable}}
	svc = newTestService(t, defaultParams(), answering("ok"), store)
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorStorage, "assistant_message_write_error")
	require.Len(t, store.appends, 1)

	invalid := fmt.Errorf("%w: content exceeds 10 bytes", conversation.ErrInvalidMessage)
	store = &mockStore{history: lectureHistory(), appendErrs: []error{invalid}}
	svc = newTestService(t, defaultParams(), answering("ok"), store)
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorInvalidInput, "user_message_write_error")

	store = &mockStore{history: lectureHistory(), appendErrs: []error{context.DeadlineExceeded}}
	svc = newTestService(t, defaultParams(), answering("ok"), store)
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorInternal, "user_message_write_error")
}

func TestAsk_OpenAIErrors(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockLLM{responses: []chatResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}}}, &mockStore{history: lectureHistory()})
	_, err := svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorRateLimited, "openai_rate_limited")

	store := &mockStore{history: lectureHistory()}
	svc = newTestService(t, defaultParams(), &mockLLM{responses: []chatResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}}}, store)
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorUpstream, "openai_error")
	require.Len(t, store.appends, 1)
	require.Equal(t, domain.RoleUser, store.appends[0].role)

	svc = newTestService(t, defaultParams(), answering("   "), &mockStore{history: lectureHistory()})
	_, err = svc.Ask(context.Background(), AskInput{Question: "What is entropy?", ConversationID: "lec-1"})
	expectError(t, err, ErrorUpstream, "openai_empty_answer")
}

func TestAsk_PromptIncludesLectureAndRecentTurns(t *testing.T) {
	history := lectureHistory()
	for i := 0; i < 6; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		history = append(history, domain.Message{Role: role, Content: fmt.Sprintf("turn-%d", i)})
	}
	llm := answering("ok")
	svc := newTestService(t, defaultParams(), llm, &mockStore{history: history})

	_, err := svc.Ask(context.Background(), AskInput{Question: "And enthalpy?", ConversationID: "lec-1"})
	require.NoError(t, err)

	got := llm.captured
	require.Len(t, got, 8)
	require.Equal(t, "system", got[0].Role)
	require.Contains(t, got[0].Content, "study assistant")
	require.Equal(t, "Answer like a patient tutor.", got[1].Content)
	require.Contains(t, got[2].Content, "Entropy is a measure of disorder.")
	require.Equal(t, "turn-2", got[3].Content)
	require.Equal(t, "user", got[3].Role)
	require.Equal(t, "turn-5", got[6].Content)
	require.Equal(t, "assistant", got[6].Role)
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "And enthalpy?"}, got[7])
}

func TestBuildPromptMessages_SkipsEmptyTurnsAndBlankPinnedPrompt(t *testing.T) {
	history := domain.History{
		{Role: domain.RoleSystem, Content: "Lecture: A\n\ntext"},
		{Role: domain.RoleUser, Content: " "},
		{Role: domain.RoleAssistant, Content: "kept"},
	}
	got := buildPromptMessages("  ", history, "q", 10)
	require.Len(t, got, 4)
	require.Equal(t, "kept", got[2].Content)
	require.Equal(t, "q", got[3].Content)
}

func TestBuildPolicyPrompt_IncludesRules(t *testing.T) {
	content := buildPolicyPrompt()
	require.Contains(t, content, "Role:")
	require.Contains(t, content, "Approved Sources:")
	require.Contains(t, content, "Behavior Rules:")
	require.Contains(t, content, "Answer only the current user question")
}

func TestLectureService_EndToEndWithBoltStore(t *testing.T) {
	db, err := repository.OpenBolt(filepath.Join(t.TempDir(), "conv.bolt"))
	require.NoError(t, err)
	defer db.Close()
	store, err := conversation.New(db, conversation.Config{})
	require.NoError(t, err)

	llm := &mockLLM{responses: []chatResponse{{answer: "Entropy measures disorder."}, {answer: "Enthalpy is heat content."}}}
	svc := newTestService(t, defaultParams(), llm, store)
	ctx := context.Background()

	lec, err := svc.CreateLecture(ctx, LectureInput{Title: "Thermodynamics", Text: "Entropy is a measure of disorder."})
	require.NoError(t, err)

	_, err = svc.Ask(ctx, AskInput{Question: "What is entropy?", ConversationID: lec.ConversationID})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, AskInput{Question: "And enthalpy?", ConversationID: lec.ConversationID})
	require.NoError(t, err)

	out, err := svc.History(ctx, lec.ConversationID)
	require.NoError(t, err)
	var roles []domain.Role
	for _, m := range out.Messages {
		roles = append(roles, m.Role)
	}
	require.Equal(t, []domain.Role{domain.RoleSystem, domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant}, roles)
	require.Equal(t, "Enthalpy is heat content.", out.Messages[4].Content)

	// The second question's prompt carried the first exchange.
	require.Contains(t, llm.captured[2].Content, "Entropy is a measure of disorder.")
	require.Equal(t, "What is entropy?", llm.captured[3].Content)
	require.Equal(t, "Entropy measures disorder.", llm.captured[4].Content)
}
