// Package model hosts the vision-language backends that propose the next
// desktop action from a screenshot and the recent history.
package model

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// Backend proposes one action per turn. Implementations keep whatever
// session state their protocol needs; Reset clears it between objectives.
type Backend interface {
	AskNextAction(ctx context.Context, objective string, screenshot []byte, history []action.Action) (action.Action, error)
	Reset()
}

// QueryError wraps a backend failure with the raw model output, so the
// turn loop can log what the model actually said before retrying.
type QueryError struct {
	Raw string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("model query failed: %v (raw: %s)", e.Err, clip(e.Raw, 200))
}

func (e *QueryError) Unwrap() error { return e.Err }

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// pngDataURI wraps raw PNG bytes for an image_url content part.
func pngDataURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
