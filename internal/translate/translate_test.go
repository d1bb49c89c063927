package translate

import (
	"context"
	"errors"
	"testing"
)

type fakeChat struct {
	reply string
	err   error
}

func (f *fakeChat) Chat(_ context.Context, _, _ string) (string, error) {
	return f.reply, f.err
}

func TestToEnglish(t *testing.T) {
	ctx := context.Background()

	if got := ToEnglish(ctx, &fakeChat{reply: "Open YouTube"}, "YouTube'u aç"); got != "Open YouTube" {
		t.Errorf("got %q", got)
	}

	// Failure and empty replies fall back to the original objective.
	if got := ToEnglish(ctx, &fakeChat{err: errors.New("down")}, "YouTube'u aç"); got != "YouTube'u aç" {
		t.Errorf("error fallback got %q", got)
	}
	if got := ToEnglish(ctx, &fakeChat{reply: "  "}, "YouTube'u aç"); got != "YouTube'u aç" {
		t.Errorf("empty fallback got %q", got)
	}
	if got := ToEnglish(ctx, nil, "hello"); got != "hello" {
		t.Errorf("nil client got %q", got)
	}
}
