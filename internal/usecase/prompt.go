package usecase

import (
	"strings"

	"lecture-chat/internal/domain"
)

// buildPromptMessages assembles the chat request: policy, pinned prompt,
// every lecture (system) message, the most recent maxTurns user/assistant
// messages, and finally the new question.
func buildPromptMessages(pinnedPrompt string, history domain.History, question string, maxTurns int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: string(domain.RoleSystem), Content: buildPolicyPrompt()},
	}
	if p := strings.TrimSpace(pinnedPrompt); p != "" {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: p})
	}

	var turns []domain.Message
	for _, m := range history {
		if m.Role == domain.RoleSystem {
			messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: m.Content})
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, m)
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	for _, m := range turns {
		messages = append(messages, domain.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	return append(messages, domain.ChatMessage{
		Role:    string(domain.RoleUser),
		Content: question,
	})
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a study assistant helping a student understand an uploaded lecture.",
		"",
		"Approved Sources:",
		"- Lecture material provided in this request",
		"- Prior turns of this conversation",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user question.",
		"2) Ground every answer in the lecture material; quote it when helpful.",
		"3) Keep answers clear and concise.",
		"4) If the lecture does not cover the question, say so before offering general background.",
	}, "\n")
}
