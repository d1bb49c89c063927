// Package translate converts non-English objectives to English before
// they reach the vision model, which follows English instructions far
// more reliably.
package translate

import (
	"context"
	"strings"

	"github.com/ChamsBouzaiene/visor/internal/providers"
)

const systemPrompt = `You translate user commands into English for a desktop automation agent.
Rules:
- If the input is already English, return it unchanged.
- Otherwise return ONLY the English translation, nothing else.
- Preserve URLs, file names, and quoted strings exactly as written.`

// ToEnglish translates the objective, best effort: any failure or an
// empty reply falls back to the original text so a translation outage
// never blocks a run.
func ToEnglish(ctx context.Context, client providers.ChatClient, objective string) string {
	if client == nil {
		return objective
	}
	out, err := client.Chat(ctx, systemPrompt, objective)
	if err != nil {
		return objective
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return objective
	}
	return out
}
