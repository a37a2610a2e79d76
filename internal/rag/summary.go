package rag

import (
	"fmt"
	"strings"

	"github.com/ayureze/companion-backend/internal/models"
)

// healthTopics maps summary topics to the keywords that indicate them.
var healthTopics = map[string][]string{
	"diet":     {"eat", "food", "diet", "breakfast", "lunch", "dinner"},
	"medicine": {"medicine", "tablet", "dose", "medication"},
	"symptoms": {"pain", "symptom", "feeling", "sick", "hurt"},
	"sleep":    {"sleep", "rest", "tired", "fatigue"},
	"exercise": {"exercise", "walk", "yoga", "activity"},
}

// Summarize produces a short keyword-topic summary of a conversation's
// history, used when the full history is too long to inject as context.
func Summarize(turns []models.Turn) string {
	if len(turns) == 0 {
		return "No conversation history."
	}

	var all strings.Builder
	for _, t := range turns {
		all.WriteString(strings.ToLower(t.Text))
		all.WriteByte(' ')
	}
	text := all.String()

	mentioned := make([]string, 0, len(healthTopics))
	// Stable topic order for deterministic output.
	for _, topic := range []string{"diet", "medicine", "symptoms", "sleep", "exercise"} {
		for _, kw := range healthTopics[topic] {
			if strings.Contains(text, kw) {
				mentioned = append(mentioned, topic)
				break
			}
		}
	}

	topics := "general health"
	if len(mentioned) > 0 {
		topics = strings.Join(mentioned, ", ")
	}

	return fmt.Sprintf("Conversation summary: %d messages; topics discussed: %s.", len(turns), topics)
}
