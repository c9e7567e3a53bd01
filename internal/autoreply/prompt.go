package autoreply

import (
	"fmt"
	"strings"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ai"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
)

var mediaPlaceholders = map[store.MediaType]string{
	store.MediaImage:    "[Sent an image]",
	store.MediaVideo:    "[Sent a video]",
	store.MediaDocument: "[Sent a document]",
	store.MediaSticker:  "[Sent a sticker]",
	store.MediaAudio:    "[Sent an audio message - not transcribed]",
}

// SystemPrompt composes the persona with the contact block. {name} in the
// persona is replaced by the contact's name.
func SystemPrompt(persona, name string) string {
	persona = strings.ReplaceAll(persona, "{name}", name)
	return fmt.Sprintf(`%s

=== CURRENT CONTACT ===
- Name: %s

=== FINAL INSTRUCTIONS ===
1. Reply naturally, like a person would.
2. Keep replies short, in the style of a chat message.
3. Never mention that you are an AI or a bot.`, persona, name)
}

// History maps stored messages to conversation turns, oldest first. Media
// without text is described by a placeholder; empty turns are dropped.
func History(msgs []store.Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := ai.RoleUser
		if m.FromMe {
			role = ai.RoleAssistant
		}
		content := turnContent(m)
		if strings.TrimSpace(content) == "" {
			continue
		}
		turns = append(turns, ai.Turn{Role: role, Content: content})
	}
	return turns
}

func turnContent(m store.Message) string {
	if m.MediaType == store.MediaAudio && m.AudioTranscription != "" {
		return "[Transcribed audio]: " + m.AudioTranscription
	}
	if m.HasMedia && strings.TrimSpace(m.Text) == "" {
		if p, ok := mediaPlaceholders[m.MediaType]; ok {
			return p
		}
		return "[Sent a media file]"
	}
	return m.Text
}
