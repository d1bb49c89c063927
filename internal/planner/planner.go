// Package planner turns a high-level objective into a list of short,
// executable plan steps using a text-only LLM.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/visor/internal/providers"
)

const systemPrompt = `You are a Computer Use Agent task planner. The user gives you a simple, high-level command about what they want to do on a Linux desktop (XFCE). Your job is to break it down into a detailed, step-by-step action plan that another AI agent will execute.

RULES:
1. Output ONLY comma-separated action steps. No extra explanation.
2. Each step MUST use one of these verbs:
   - click [target]
   - double_click [target]
   - right_click [target]
   - type [text]
   - press [key]
   - hotkey [key1+key2]
   - scroll [up/down]
   - wait [1 Step]
3. [target] should describe a visible UI element (e.g. "browser icon on taskbar", "address bar", "search button").
4. [text] is the literal text to type.
5. [key] is a key name (enter, tab, esc, backspace, etc.).
6. Keep the plan concise: only essential steps to accomplish the task.
7. Add "wait" after actions that trigger loading (opening apps, navigating to URLs).
8. Do NOT add numbering, bullets, or newlines between steps. Use commas only.

EXAMPLE INPUT: "Open YouTube"
EXAMPLE OUTPUT: click browser icon on taskbar, wait, click address bar, type youtube.com, press enter, wait

EXAMPLE INPUT: "Open terminal and create a folder called projects"
EXAMPLE OUTPUT: click terminal icon on taskbar, wait, type mkdir projects, press enter

EXAMPLE INPUT: "Search Wikipedia for artificial intelligence"
EXAMPLE OUTPUT: click browser icon on taskbar, wait, click address bar, type wikipedia.org, press enter, wait, click search input field, type artificial intelligence, press enter, wait`

// Step is one parsed plan entry, used for display and sub-run prompts.
type Step struct {
	Verb   string
	Target string
}

func (s Step) String() string {
	if s.Target == "" {
		return s.Verb
	}
	return s.Verb + " " + s.Target
}

// stepVerbs in prefix-match order: compound verbs before their
// substrings so "double_click x" never parses as "click".
var stepVerbs = []string{
	"double_click", "right_click", "click", "type", "press", "hotkey", "scroll", "wait",
}

// ParseStep splits a raw plan step into verb and target. Steps that
// match no known verb come back with verb "custom".
func ParseStep(raw string) Step {
	step := strings.ToLower(strings.TrimSpace(raw))
	for _, verb := range stepVerbs {
		if strings.HasPrefix(step, verb) {
			return Step{Verb: verb, Target: strings.TrimSpace(step[len(verb):])}
		}
	}
	return Step{Verb: "custom", Target: step}
}

// GeneratePlan asks the planning model to decompose the objective and
// returns the comma-separated steps, trimmed and non-empty.
func GeneratePlan(ctx context.Context, client providers.ChatClient, objective string) ([]string, error) {
	raw, err := client.Chat(ctx, systemPrompt, objective)
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}

	var steps []string
	for _, s := range strings.Split(strings.TrimSpace(raw), ",") {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner returned no steps: %q", raw)
	}
	return steps, nil
}
