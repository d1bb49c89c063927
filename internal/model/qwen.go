package model

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// maxDim is the longer-side cap applied to screenshots before they are
// sent to the model; pixel coordinates the model leaks despite the
// prompt are normalized against it.
const maxDim = 1280

const qwenSystemPrompt = `You are a reactive GUI agent controlling a Linux desktop.
Given OBJECTIVE, HISTORY, and a SCREENSHOT, decide the NEXT single action.

Return EXACTLY one JSON object. No extra text.
Schema:
{
  "action": "CLICK|DOUBLE_CLICK|RIGHT_CLICK|TYPE|PRESS|HOTKEY|SCROLL|WAIT|NOOP|DONE",
  "x": 0.5,
  "y": 0.5,
  "text": "",
  "key": "",
  "keys": [""],
  "scroll": 0,
  "seconds": 0.0,
  "target": "short description",
  "why_short": "<=12 words"
}

CRITICAL RULES:
- Output ONLY valid JSON.
- For CLICK/DOUBLE_CLICK/RIGHT_CLICK: set x,y (normalized 0.0 to 1.0).
- For TYPE: set text.
- For PRESS: set key.
- For HOTKEY: set keys list.
- For SCROLL: set scroll (positive=up, negative=down).
- For WAIT: set seconds.
- If objective is complete, action MUST be DONE.
- NEVER repeat a failed action. If an action had no effect (marked ❌), do something DIFFERENT.
- If clicking is not working, switch to keyboard: HOTKEY keys=['ctrl','l'] to focus address bar, then TYPE.
- Pay close attention to ⚠️ WARNING messages in your history.
- Safety: Never output x or y within 0.005 of edges.`

// qwenActionSchema validates the decoded object before it is trusted.
const qwenActionSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {
      "type": "string",
      "enum": ["CLICK", "DOUBLE_CLICK", "RIGHT_CLICK", "TYPE", "PRESS", "HOTKEY",
               "SCROLL", "WAIT", "NOOP", "DONE", "BITTI"]
    },
    "x": {"type": "number"},
    "y": {"type": "number"},
    "text": {"type": "string"},
    "key": {"type": "string"},
    "keys": {"type": "array", "items": {"type": "string"}},
    "scroll": {"type": "number"},
    "seconds": {"type": "number"},
    "target": {"type": "string"},
    "confidence": {"type": "number"},
    "why_short": {"type": "string"}
  }
}`

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

	// Repairs the model's habit of writing "x": 42, 129, for "x": 42, "y": 129,
	splitXYRe       = regexp.MustCompile(`"x"\s*:\s*(\d+(?:\.\d+)?)\s*,\s*(\d+(?:\.\d+)?)\s*,`)
	trailingCommaRe = regexp.MustCompile(`,\s*}`)

	qwenSchema = gojsonschema.NewStringLoader(qwenActionSchema)
)

func fixMalformedJSON(raw string) string {
	raw = splitXYRe.ReplaceAllString(raw, `"x": $1, "y": $2,`)
	return trailingCommaRe.ReplaceAllString(raw, "}")
}

// parseQwenOutput extracts and validates the JSON action object.
func parseQwenOutput(text string) (action.Action, error) {
	raw := jsonObjectRe.FindString(strings.TrimSpace(text))
	if raw == "" {
		return action.Action{}, fmt.Errorf("model output is not JSON")
	}

	doc := gojsonschema.NewStringLoader(raw)
	result, err := gojsonschema.Validate(qwenSchema, doc)
	if err != nil {
		fixed := fixMalformedJSON(raw)
		doc = gojsonschema.NewStringLoader(fixed)
		if result, err = gojsonschema.Validate(qwenSchema, doc); err != nil {
			return action.Action{}, fmt.Errorf("decoding action JSON: %w", err)
		}
		raw = fixed
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return action.Action{}, fmt.Errorf("action JSON failed validation: %s", strings.Join(reasons, "; "))
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return action.Action{}, fmt.Errorf("decoding action JSON: %w", err)
	}

	normalizeCoords(obj)
	return qwenObjToAction(obj), nil
}

// normalizeCoords converts stray pixel coordinates (values above 1.0)
// into the normalized space, and resolves position/bbox shorthands
// into plain x,y.
func normalizeCoords(obj map[string]any) {
	// x or y emitted as a single-element list.
	for _, key := range []string{"x", "y"} {
		if arr, ok := obj[key].([]any); ok && len(arr) > 0 {
			obj[key] = arr[0]
		}
	}

	// position: [x,y], a 4-float bbox, or a pair of corner points.
	if pos, ok := obj["position"].([]any); ok {
		switch len(pos) {
		case 2:
			if p0, ok0 := pos[0].([]any); ok0 && len(p0) >= 2 {
				// Pair of points: take the center.
				if p1, ok1 := pos[1].([]any); ok1 && len(p1) >= 2 {
					x0, _ := toFloat(p0[0])
					y0, _ := toFloat(p0[1])
					x1, _ := toFloat(p1[0])
					y1, _ := toFloat(p1[1])
					obj["x"], obj["y"] = (x0+x1)/2, (y0+y1)/2
				}
			} else {
				obj["x"], obj["y"] = pos[0], pos[1]
			}
		case 4:
			x0, _ := toFloat(pos[0])
			y0, _ := toFloat(pos[1])
			x1, _ := toFloat(pos[2])
			y1, _ := toFloat(pos[3])
			obj["x"], obj["y"] = (x0+x1)/2, (y0+y1)/2
		}
	}

	for _, key := range []string{"x", "y"} {
		if v, ok := toFloat(obj[key]); ok && v > 1.0 {
			obj[key] = v / maxDim
		}
	}
}

func qwenObjToAction(obj map[string]any) action.Action {
	kind, _ := obj["action"].(string)
	if kind == "BITTI" {
		kind = string(action.Done)
	}

	a := action.Action{Kind: action.Kind(kind)}
	a.X, _ = toFloat(obj["x"])
	a.Y, _ = toFloat(obj["y"])
	a.Text, _ = obj["text"].(string)
	a.Key, _ = obj["key"].(string)
	a.Keys = stringSlice(obj["keys"])
	if s, ok := toFloat(obj["scroll"]); ok {
		a.Scroll = int(s)
	}
	a.Seconds, _ = toFloat(obj["seconds"])
	a.Target, _ = obj["target"].(string)
	a.WhyShort, _ = obj["why_short"].(string)
	return a
}

// formatQwenHistory renders the run history the way the prompt promises
// it: numbered steps, failures marked, guard feedback called out.
func formatQwenHistory(history []action.Action) string {
	if len(history) == 0 {
		return ""
	}
	var lines []string
	for i, h := range history {
		if h.Kind == action.SystemFeedback {
			lines = append(lines, fmt.Sprintf("Step %d: ⚠️ WARNING: %s", i+1, h.Target))
			continue
		}

		parts := []string{h.Describe()}
		if target := h.Target; target != "" {
			if len(target) > 60 {
				target = target[:57] + "..."
			}
			parts = append(parts, "— "+target)
		}
		switch {
		case h.ScreenChanged != nil && !*h.ScreenChanged:
			parts = append(parts, "❌ NO EFFECT")
		case h.ScreenChanged != nil && *h.ScreenChanged:
			parts = append(parts, "✓")
		}
		lines = append(lines, fmt.Sprintf("Step %d: %s", i+1, strings.Join(parts, " ")))
	}
	return strings.Join(lines, "\n")
}

// buildQwenInstruction assembles the user prompt with loud warnings
// when the previous turn failed or the guard intervened.
func buildQwenInstruction(objective string, history []action.Action) string {
	parts := []string{"OBJECTIVE: " + objective}

	if len(history) > 0 {
		last := history[len(history)-1]
		switch {
		case last.Kind == action.SystemFeedback:
			parts = append(parts,
				"\n⚠️ CRITICAL WARNING: "+last.Target+"\n"+
					"You MUST try a COMPLETELY DIFFERENT approach. Do NOT click the same area. Use keyboard instead:\n"+
					`- HOTKEY keys=["ctrl","l"] to focus address bar, then TYPE to enter URL`+"\n"+
					`- HOTKEY keys=["ctrl","t"] to open new tab`+"\n"+
					"- SCROLL to find different elements\n"+
					"- Click a DIFFERENT part of the screen")
		case last.ScreenChanged != nil && !*last.ScreenChanged:
			parts = append(parts,
				"\n⚠️ WARNING: Your last action had NO visible effect on the screen. "+
					"That click/action did NOT work. Try something DIFFERENT.")
		}
	}

	if text := formatQwenHistory(history); text != "" {
		parts = append(parts, "\nHISTORY:\n"+text)
	} else {
		parts = append(parts, "\nHISTORY: (none)")
	}
	parts = append(parts, "\nDecide the NEXT action from the CURRENT screenshot. Output ONLY JSON.")
	return strings.Join(parts, "\n")
}

// QwenBackend drives a Qwen3-VL checkpoint in JSON-output mode over an
// OpenAI-compatible endpoint. Stateless: each turn carries the history
// as text, so Reset has nothing to clear.
type QwenBackend struct {
	client *openai.Client
	model  string
}

func NewQwenBackend(baseURL, apiKey, modelName string) *QwenBackend {
	if apiKey == "" {
		apiKey = "local"
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &QwenBackend{
		client: openai.NewClientWithConfig(config),
		model:  modelName,
	}
}

func (q *QwenBackend) Reset() {}

func (q *QwenBackend) AskNextAction(ctx context.Context, objective string, screenshot []byte, history []action.Action) (action.Action, error) {
	temperature := float32(0.1)
	resp, err := q.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: q.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: qwenSystemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: pngDataURI(screenshot)},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: buildQwenInstruction(objective, history),
					},
				},
			},
		},
		Temperature: &temperature,
		MaxTokens:   220,
	})
	if err != nil {
		return action.Action{}, &QueryError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return action.Action{}, &QueryError{Err: fmt.Errorf("empty response from %s", q.model)}
	}
	raw := resp.Choices[0].Message.Content

	out, err := parseQwenOutput(raw)
	if err != nil {
		return action.Action{}, &QueryError{Raw: raw, Err: err}
	}
	out.Raw = raw
	return out, nil
}
