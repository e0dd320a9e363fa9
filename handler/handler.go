package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"lecture-chat/internal/domain"
	"lecture-chat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// UseCase is the lecture chat service as seen by the HTTP surface.
type UseCase interface {
	CreateLecture(ctx context.Context, in usecase.LectureInput) (usecase.LectureOutput, error)
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	History(ctx context.Context, conversationID string) (usecase.HistoryOutput, error)
}

type lectureRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type lectureResponse struct {
	ConversationID string `json:"conversationId"`
}

type askRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type askResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp"`
}

type historyResponse struct {
	ConversationID string           `json:"conversationId"`
	Messages       []domain.Message `json:"messages"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

// Handle routes an API Gateway proxy event. Failures are always expressed
// as an HTTP response; the returned error is reserved for the runtime.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(event.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.logger.With("correlationId", corrID, "method", event.HTTPMethod, "path", event.Path)

	method := strings.ToUpper(event.HTTPMethod)
	path := strings.TrimRight(event.Path, "/")

	switch {
	case method == http.MethodPost && path == "/lectures":
		return h.createLecture(ctx, log, corrID, event.Body), nil
	case method == http.MethodPost && path == "/chat":
		return h.ask(ctx, log, corrID, event.Body), nil
	case method == http.MethodGet:
		if id, ok := messagesRouteID(path, event.PathParameters); ok {
			return h.history(ctx, log, corrID, id), nil
		}
	}

	log.WarnContext(ctx, "route not found")
	return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: "NOT_FOUND", CorrelationID: corrID}), nil
}

func (h *Handler) createLecture(ctx context.Context, log *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	var req lectureRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return invalidBody(ctx, log, corrID, err)
	}
	out, err := h.uc.CreateLecture(ctx, usecase.LectureInput{Title: req.Title, Text: req.Text})
	if err != nil {
		return errorResult(ctx, log, corrID, err)
	}
	log.InfoContext(ctx, "lecture created", "conversationId", out.ConversationID)
	return jsonResponse(http.StatusCreated, corrID, lectureResponse{ConversationID: out.ConversationID})
}

func (h *Handler) ask(ctx context.Context, log *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	var req askRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return invalidBody(ctx, log, corrID, err)
	}
	out, err := h.uc.Ask(ctx, usecase.AskInput{Question: req.Message, ConversationID: req.ConversationID})
	if err != nil {
		return errorResult(ctx, log, corrID, err)
	}
	log.InfoContext(ctx, "chat answered", "conversationId", out.ConversationID)
	return jsonResponse(http.StatusOK, corrID, askResponse{
		Answer:         out.Answer,
		ConversationID: out.ConversationID,
		Timestamp:      out.Timestamp,
	})
}

func (h *Handler) history(ctx context.Context, log *slog.Logger, corrID, conversationID string) events.APIGatewayProxyResponse {
	out, err := h.uc.History(ctx, conversationID)
	if err != nil {
		return errorResult(ctx, log, corrID, err)
	}
	msgs := out.Messages
	if msgs == nil {
		msgs = domain.History{}
	}
	return jsonResponse(http.StatusOK, corrID, historyResponse{ConversationID: out.ConversationID, Messages: msgs})
}

func invalidBody(ctx context.Context, log *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	log.WarnContext(ctx, "invalid request body", "err", err)
	return jsonResponse(http.StatusBadRequest, corrID, errorResponse{
		Error:         string(usecase.ErrorInvalidInput),
		Reason:        "invalid_json",
		CorrelationID: corrID,
	})
}

func errorResult(ctx context.Context, log *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	code := usecase.ErrorInternal
	reason := ""
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		code = ucErr.Code
		reason = ucErr.Reason
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "request failed", "code", code, "reason", reason, "err", err)
	} else {
		log.WarnContext(ctx, "request rejected", "code", code, "reason", reason)
	}
	return jsonResponse(status, corrID, errorResponse{Error: string(code), Reason: reason, CorrelationID: corrID})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messagesRouteID matches /conversations/{id}/messages.
func messagesRouteID(path string, params map[string]string) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "conversations" || parts[2] != "messages" {
		return "", false
	}
	if id := strings.TrimSpace(params["id"]); id != "" {
		return id, true
	}
	return parts[1], parts[1] != ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}
