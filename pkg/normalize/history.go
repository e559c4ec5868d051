package normalize

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// History sanitizes raw conversation history. It accepts an array or a
// JSON-encoded array string; anything else yields no history. Elements
// without a user/assistant role and string content are dropped, content is
// trimmed, and only the most recent maxTurns are kept when maxTurns > 0.
func History(raw any, maxTurns int) []models.HistoryTurn {
	if s, ok := raw.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil
		}
		raw = decoded
	}

	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	turns := make([]models.HistoryTurn, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		role, _ := obj["role"].(string)
		content, ok := obj["content"].(string)
		if !ok {
			continue
		}
		turns = append(turns, models.HistoryTurn{Role: role, Content: content})
	}
	return SanitizeTurns(turns, maxTurns)
}

// SanitizeTurns applies the history rules to typed turns. It is idempotent.
func SanitizeTurns(turns []models.HistoryTurn, maxTurns int) []models.HistoryTurn {
	out := make([]models.HistoryTurn, 0, len(turns))
	for _, t := range turns {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		if role != models.RoleUser && role != models.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		out = append(out, models.HistoryTurn{Role: role, Content: content})
	}
	if maxTurns > 0 && len(out) > maxTurns {
		out = out[len(out)-maxTurns:]
	}
	return out
}
