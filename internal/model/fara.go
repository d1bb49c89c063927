package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"math"
	"strings"
	"sync"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/visor/internal/action"
)

// Fara-7B emits tool calls in the Qwen2.5-VL coordinate space, so we
// must reproduce the vision tower's smart-resize exactly to map its
// pixel coordinates back to the real screen.
const (
	faraFactor    = 28
	faraMinTokens = 1024
	faraMaxTokens = 4096

	// keepImages is how many recent screenshots stay in the session;
	// older turns keep their text but lose the image payload.
	keepImages = 3
)

// smartResize computes the dimensions the vision encoder scales an
// image to: both sides rounded to multiples of the patch factor, total
// pixels forced into [min,max] token budget.
func smartResize(height, width int) (int, int) {
	minPixels := float64(faraMinTokens * faraFactor * faraFactor)
	maxPixels := float64(faraMaxTokens * faraFactor * faraFactor)

	hBar := math.Max(faraFactor, math.Round(float64(height)/faraFactor)*faraFactor)
	wBar := math.Max(faraFactor, math.Round(float64(width)/faraFactor)*faraFactor)

	if hBar*wBar > maxPixels {
		beta := math.Sqrt(float64(height*width) / maxPixels)
		hBar = math.Floor(float64(height)/beta/faraFactor) * faraFactor
		wBar = math.Floor(float64(width)/beta/faraFactor) * faraFactor
	} else if hBar*wBar < minPixels {
		beta := math.Sqrt(minPixels / float64(height*width))
		hBar = math.Ceil(float64(height)*beta/faraFactor) * faraFactor
		wBar = math.Ceil(float64(width)*beta/faraFactor) * faraFactor
	}
	return int(hBar), int(wBar)
}

var faraKeyMap = map[string]string{
	"Enter":      "enter",
	"Return":     "enter",
	"ArrowUp":    "up",
	"ArrowDown":  "down",
	"ArrowLeft":  "left",
	"ArrowRight": "right",
	"Control":    "ctrl",
	"Shift":      "shift",
	"Alt":        "alt",
	"Escape":     "esc",
	"Backspace":  "backspace",
	"Delete":     "delete",
	"Space":      "space",
	"Tab":        "tab",
	"Home":       "home",
	"End":        "end",
	"PageUp":     "pageup",
	"PageDown":   "pagedown",
	"Meta":       "super",
}

// faraMapKey translates a browser-style key name to the automation
// API's vocabulary.
func faraMapKey(k string) string {
	if mapped, ok := faraKeyMap[k]; ok {
		return mapped
	}
	return strings.ToLower(k)
}

// faraActions is the tool's closed action vocabulary, in prompt order.
var faraActions = []string{
	"key", "type", "mouse_move", "left_click", "scroll", "wait",
	"terminate", "visit_url", "web_search", "history_back",
	"pause_and_memorize_fact",
}

// buildFaraSystemPrompt renders the computer_use tool definition the
// way the model was trained to see it, with coordinates expressed in
// the smart-resized resolution.
func buildFaraSystemPrompt(smartW, smartH int) string {
	tool := map[string]any{
		"name":        "computer_use",
		"description": "Use a mouse and keyboard to interact with a computer, and take screenshots.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        faraActions,
					"description": "The action to perform on the computer.",
				},
				"coordinate": map[string]any{
					"type":        "array",
					"description": "The [x, y] pixel coordinate for mouse actions.",
				},
				"text":                 map[string]any{"type": "string"},
				"keys":                 map[string]any{"type": "array"},
				"pixels":               map[string]any{"type": "number"},
				"time":                 map[string]any{"type": "number"},
				"url":                  map[string]any{"type": "string"},
				"query":                map[string]any{"type": "string"},
				"status":               map[string]any{"type": "string"},
				"fact":                 map[string]any{"type": "string"},
				"press_enter":          map[string]any{"type": "boolean"},
				"delete_existing_text": map[string]any{"type": "boolean"},
			},
			"required": []string{"action"},
		},
	}
	toolJSON, _ := json.Marshal(tool)

	var b strings.Builder
	b.WriteString("You are a GUI agent operating a Linux desktop through a virtual mouse and keyboard.\n\n")
	b.WriteString("# Tools\n\nYou may call one function per turn to interact with the computer.\n\n")
	b.WriteString("You are provided with function signatures within <tools></tools> XML tags:\n")
	b.WriteString("<tools>\n")
	b.Write(toolJSON)
	b.WriteString("\n</tools>\n\n")
	fmt.Fprintf(&b, "The screen resolution is %dx%d.\n\n", smartW, smartH)
	b.WriteString("For each function call, return a json object with function name and arguments within <tool_call></tool_call> XML tags:\n")
	b.WriteString("<tool_call>\n")
	b.WriteString(`{"name": "computer_use", "arguments": {"action": "left_click", "coordinate": [x, y]}}`)
	b.WriteString("\n</tool_call>\n\n")
	b.WriteString("State your reasoning briefly before the tool call. When the task is finished, call terminate with a status.")
	return b.String()
}

// parseFaraOutput converts the model's <tool_call> block into an
// internal action. Unparseable output degrades to NOOP so the turn
// loop's retry logic can handle it.
func parseFaraOutput(text string, imgW, imgH int) action.Action {
	thought, callJSON, found := cutToolCall(text)
	if !found {
		return action.Action{Kind: action.Noop, WhyShort: "no tool call in output", Raw: clip(text, 200)}
	}

	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(callJSON), &call); err != nil || call.Arguments == nil {
		return action.Action{Kind: action.Noop, WhyShort: "malformed tool call JSON", Raw: clip(callJSON, 200)}
	}
	args := call.Arguments

	smartH, smartW := smartResize(imgH, imgW)
	coord := func() (float64, float64, bool) {
		arr, ok := args["coordinate"].([]any)
		if !ok || len(arr) < 2 {
			return 0, 0, false
		}
		x, okX := toFloat(arr[0])
		y, okY := toFloat(arr[1])
		if !okX || !okY {
			return 0, 0, false
		}
		return x / float64(smartW), y / float64(smartH), true
	}

	kind, _ := args["action"].(string)
	switch kind {
	case "left_click":
		x, y, ok := coord()
		if !ok {
			return action.Action{Kind: action.Noop, WhyShort: "click without coordinate", Raw: clip(callJSON, 200)}
		}
		return action.Action{Kind: action.Click, X: x, Y: y, Target: thought, WhyShort: thought}

	case "mouse_move":
		x, y, ok := coord()
		if !ok {
			return action.Action{Kind: action.Noop, WhyShort: "move without coordinate", Raw: clip(callJSON, 200)}
		}
		return action.Action{Kind: action.Move, X: x, Y: y, Target: thought, WhyShort: thought}

	case "type":
		text, _ := args["text"].(string)
		a := action.Action{
			Kind:       action.Type,
			Text:       text,
			Target:     thought,
			WhyShort:   thought,
			PressEnter: boolArg(args, "press_enter", true),
		}
		a.DeleteExisting = boolArg(args, "delete_existing_text", false)
		if x, y, ok := coord(); ok {
			a.ClickX, a.ClickY = &x, &y
		}
		return a

	case "key":
		keys := stringSlice(args["keys"])
		for i, k := range keys {
			keys[i] = faraMapKey(k)
		}
		if len(keys) == 1 {
			return action.Action{Kind: action.Press, Key: keys[0], Target: thought, WhyShort: thought}
		}
		if len(keys) > 1 {
			return action.Action{Kind: action.Hotkey, Keys: keys, Target: thought, WhyShort: thought}
		}
		return action.Action{Kind: action.Noop, WhyShort: "key without keys", Raw: clip(callJSON, 200)}

	case "scroll":
		pixels, _ := toFloat(args["pixels"])
		return action.Action{Kind: action.Scroll, Scroll: int(pixels / 100), Target: thought, WhyShort: thought}

	case "wait":
		seconds, ok := toFloat(args["time"])
		if !ok {
			seconds = 1
		}
		return action.Action{Kind: action.Wait, Seconds: seconds, Target: thought, WhyShort: thought}

	case "terminate":
		status, _ := args["status"].(string)
		target := thought
		if status != "" {
			target = fmt.Sprintf("%s (status: %s)", thought, status)
		}
		return action.Action{Kind: action.Done, Target: target, WhyShort: thought}

	case "visit_url":
		url, _ := args["url"].(string)
		return action.Action{Kind: action.VisitURL, URL: url, Target: thought, WhyShort: thought}

	case "web_search":
		query, _ := args["query"].(string)
		return action.Action{Kind: action.WebSearch, Query: query, Target: thought, WhyShort: thought}

	case "history_back":
		return action.Action{Kind: action.Hotkey, Keys: []string{"alt", "left"}, Target: thought, WhyShort: thought}

	case "pause_and_memorize_fact":
		fact, _ := args["fact"].(string)
		return action.Action{Kind: action.Noop, Target: "memorized: " + fact, WhyShort: thought}
	}

	return action.Action{Kind: action.Noop, WhyShort: "unknown tool action: " + kind, Raw: clip(callJSON, 200)}
}

// cutToolCall splits the output into the thought text and the JSON
// inside the <tool_call> tag. A missing closing tag (truncated output)
// is tolerated.
func cutToolCall(text string) (thought, callJSON string, found bool) {
	before, after, ok := strings.Cut(text, "<tool_call>")
	if !ok {
		return "", "", false
	}
	thought = strings.TrimSpace(before)
	callJSON = after
	if body, _, closed := strings.Cut(callJSON, "</tool_call>"); closed {
		callJSON = body
	}
	return thought, strings.TrimSpace(callJSON), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func boolArg(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stripOldImages drops image parts from all but the last keepLast
// image-bearing user messages. Their text stays, so the model keeps the
// narrative without the token cost of stale screenshots.
func stripOldImages(messages []openai.ChatCompletionMessage, keepLast int) []openai.ChatCompletionMessage {
	withImage := 0
	for _, m := range messages {
		if hasImagePart(m) {
			withImage++
		}
	}
	toStrip := withImage - keepLast
	if toStrip <= 0 {
		return messages
	}

	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		if toStrip > 0 && hasImagePart(m) {
			stripped := m
			var parts []openai.ChatMessagePart
			for _, p := range m.MultiContent {
				if p.Type != openai.ChatMessagePartTypeImageURL {
					parts = append(parts, p)
				}
			}
			stripped.MultiContent = parts
			out[i] = stripped
			toStrip--
			continue
		}
		out[i] = m
	}
	return out
}

func hasImagePart(m openai.ChatCompletionMessage) bool {
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeImageURL {
			return true
		}
	}
	return false
}

// FaraBackend drives a Fara-7B checkpoint served over an
// OpenAI-compatible endpoint (llama-server). The backend owns the chat
// session; the turn loop only feeds screenshots and reads actions.
type FaraBackend struct {
	client *openai.Client
	model  string

	mu      sync.Mutex
	session []openai.ChatCompletionMessage
}

// NewFaraBackend connects to an OpenAI-compatible server at baseURL.
func NewFaraBackend(baseURL, apiKey, modelName string) *FaraBackend {
	if apiKey == "" {
		apiKey = "local"
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &FaraBackend{
		client: openai.NewClientWithConfig(config),
		model:  modelName,
	}
}

func (f *FaraBackend) Reset() {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
}

func (f *FaraBackend) AskNextAction(ctx context.Context, objective string, screenshot []byte, history []action.Action) (action.Action, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(screenshot))
	if err != nil {
		return action.Action{}, &QueryError{Err: fmt.Errorf("reading screenshot dimensions: %w", err)}
	}
	imgW, imgH := cfg.Width, cfg.Height
	smartH, smartW := smartResize(imgH, imgW)

	f.mu.Lock()
	if len(f.session) == 0 {
		f.session = append(f.session, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: buildFaraSystemPrompt(smartW, smartH),
		})
	}
	f.session = append(f.session, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: pngDataURI(screenshot)},
			},
			{
				Type: openai.ChatMessagePartTypeText,
				Text: faraTurnText(objective, history),
			},
		},
	})
	f.session = stripOldImages(f.session, keepImages)
	messages := make([]openai.ChatCompletionMessage, len(f.session))
	copy(messages, f.session)
	f.mu.Unlock()

	temperature := float32(0.1)
	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       f.model,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   600,
	})
	if err != nil {
		return action.Action{}, &QueryError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return action.Action{}, &QueryError{Err: fmt.Errorf("empty response from %s", f.model)}
	}
	raw := resp.Choices[0].Message.Content

	f.mu.Lock()
	f.session = append(f.session, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: raw,
	})
	f.mu.Unlock()

	out := parseFaraOutput(raw, imgW, imgH)
	out.Raw = raw
	return out, nil
}

// faraTurnText is the text part of each user turn: the objective on the
// first turn, then short per-turn nudges echoing guard feedback.
func faraTurnText(objective string, history []action.Action) string {
	if len(history) == 0 {
		return objective
	}
	last := history[len(history)-1]
	switch {
	case last.Kind == action.SystemFeedback:
		return fmt.Sprintf("⚠️ CRITICAL WARNING: %s\nYou MUST try a fundamentally different approach. Do NOT repeat the previous action.", last.Target)
	case last.ScreenChanged != nil && !*last.ScreenChanged:
		return "⚠️ WARNING: Your last action had NO visible effect on the screen. Try a different element or approach."
	}
	return "Continue with the task. Decide the next action from the current screenshot."
}
