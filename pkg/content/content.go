// Package content builds the multimodal message list sent upstream.
package content

import (
	"encoding/base64"
	"strings"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// Placeholder is the single text block sent when a turn would otherwise be
// empty. The upstream rejects turns without content.
const Placeholder = " "

// Assemble builds the content blocks of the current user turn: the message
// first when non-blank, then one block per attachment in input order. The
// result is never empty.
func Assemble(message string, attachments []models.Attachment) []models.ContentBlock {
	blocks := make([]models.ContentBlock, 0, len(attachments)+1)

	if strings.TrimSpace(message) != "" {
		blocks = append(blocks, models.TextBlock(message))
	}

	for _, a := range attachments {
		switch a.Kind {
		case models.KindImage:
			blocks = append(blocks, models.ImageBlock(a.MimeType, base64.StdEncoding.EncodeToString(a.Data)))
		case models.KindDocument:
			blocks = append(blocks, models.TextBlock(DocumentHeader(a.Name)+a.Text))
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, models.TextBlock(Placeholder))
	}
	return blocks
}

// DocumentHeader labels an attached document's text.
func DocumentHeader(name string) string {
	return "[Attached file: " + name + "]\n"
}

// Messages builds the upstream message list from prior turns and the
// current turn's blocks. Leading assistant turns are skipped since the
// conversation must open with the user.
func Messages(history []models.HistoryTurn, current []models.ContentBlock) []models.AnthropicMessage {
	msgs := make([]models.AnthropicMessage, 0, len(history)+1)

	started := false
	for _, h := range history {
		if !started && h.Role != models.RoleUser {
			continue
		}
		started = true
		msgs = append(msgs, models.AnthropicMessage{
			Role:    h.Role,
			Content: []models.ContentBlock{models.TextBlock(h.Content)},
		})
	}

	return append(msgs, models.AnthropicMessage{Role: models.RoleUser, Content: current})
}
