package usecase

import (
	"context"
	"strings"

	"lecture-chat/internal/domain"
)

const (
	untitledLecture = "Untitled lecture"
	maxTitleLen     = 200
)

type LectureInput struct {
	Title string
	Text  string
}

type LectureOutput struct {
	ConversationID string
}

type HistoryOutput struct {
	ConversationID string
	Messages       domain.History
}

// CreateLecture starts a conversation for an uploaded lecture. The lecture
// becomes the conversation's first message, with the system role.
func (s *LectureService) CreateLecture(ctx context.Context, in LectureInput) (LectureOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return LectureOutput{}, newError(ErrorInvalidInput, "empty_lecture", nil)
	}
	if len(text) > s.limits.MaxLectureLen {
		return LectureOutput{}, newError(ErrorInvalidInput, "lecture_too_long", nil)
	}
	if len(strings.TrimSpace(in.Title)) > maxTitleLen {
		return LectureOutput{}, newError(ErrorInvalidInput, "title_too_long", nil)
	}

	convID := newUUID()
	if _, err := s.store.AppendMessage(ctx, convID, domain.RoleSystem, formatLecture(in.Title, text)); err != nil {
		return LectureOutput{}, storeError("lecture_write_error", err)
	}

	s.logger.InfoContext(ctx, "lecture uploaded", "conversationId", convID, "lectureBytes", len(text))
	return LectureOutput{ConversationID: convID}, nil
}

// History returns the full conversation in append order. An unknown id
// yields an empty message list.
func (s *LectureService) History(ctx context.Context, conversationID string) (HistoryOutput, error) {
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return HistoryOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	h, err := s.store.GetHistory(ctx, convID)
	if err != nil {
		return HistoryOutput{}, storeError("history_read_error", err)
	}
	return HistoryOutput{ConversationID: convID, Messages: h}, nil
}

func formatLecture(title, text string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = untitledLecture
	}
	return "Lecture: " + title + "\n\n" + text
}
