// Package providers holds thin chat clients over the LLM vendor SDKs.
// These serve the text-only surfaces (planning, translation); the vision
// backends talk to their endpoints directly.
package providers

import "context"

// ChatClient is a single-turn chat completion.
type ChatClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
}
