package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client talks to the automation API inside the desktop container. All
// pointer coordinates are normalized [0,1]; the client converts them to
// pixels using the (cached) screen size.
type Client struct {
	baseURL string
	http    *http.Client

	cacheTTL time.Duration

	mu       sync.Mutex
	cachedW  int
	cachedH  int
	cachedAt time.Time
}

// NewClient builds a client for the automation API at baseURL.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		cacheTTL: cfg.ScreenCacheTTL,
	}
}

// post sends one command envelope to /cmd and returns the decoded
// response object.
func (c *Client) post(ctx context.Context, command string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"command": command,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", command, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cmd", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", command, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", command, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d: %s", command, resp.StatusCode, truncate(string(body), 200))
	}

	obj, err := parseSSEOrJSON(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s response: %w", command, err)
	}
	if errMsg, ok := obj["error"].(string); ok && errMsg != "" {
		return nil, fmt.Errorf("%s failed: %s", command, errMsg)
	}
	return obj, nil
}

// parseSSEOrJSON tolerates the API's mixed response framing: a plain
// JSON object, an SSE stream whose last data: line carries the object,
// or an object embedded in surrounding noise.
func parseSSEOrJSON(body string) (map[string]any, error) {
	trimmed := strings.TrimSpace(body)

	var obj map[string]any
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj, nil
		}
	}

	// SSE framing: keep the last data: line that decodes.
	var last map[string]any
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var o map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &o); err == nil {
			last = o
		}
	}
	if last != nil {
		return last, nil
	}

	// Last resort: the outermost {...} substring.
	if i, j := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(trimmed[i:j+1]), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("no JSON object in response: %s", truncate(trimmed, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Screenshot captures the desktop and returns raw PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	obj, err := c.post(ctx, "screenshot", nil)
	if err != nil {
		return nil, err
	}
	encoded, ok := obj["image_data"].(string)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("screenshot response missing image_data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	return data, nil
}

// ScreenSize returns the desktop resolution in pixels. Results are
// cached briefly; the resolution only changes when the container does.
func (c *Client) ScreenSize(ctx context.Context) (int, int, error) {
	c.mu.Lock()
	if c.cachedW > 0 && time.Since(c.cachedAt) < c.cacheTTL {
		w, h := c.cachedW, c.cachedH
		c.mu.Unlock()
		return w, h, nil
	}
	c.mu.Unlock()

	obj, err := c.post(ctx, "get_screen_size", nil)
	if err != nil {
		return 0, 0, err
	}

	// Two observed shapes: {"size": {"width": W, "height": H}} and the
	// flat {"width": W, "height": H}.
	src := obj
	if size, ok := obj["size"].(map[string]any); ok {
		src = size
	}
	w := intField(src, "width")
	h := intField(src, "height")
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("get_screen_size returned invalid size: %v", obj)
	}

	c.mu.Lock()
	c.cachedW, c.cachedH, c.cachedAt = w, h, time.Now()
	c.mu.Unlock()
	return w, h, nil
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

// normToPx maps normalized coordinates to pixels, clamping into [0,1]
// so a slightly out-of-range value still lands on the screen.
func normToPx(x, y float64, w, h int) (int, int) {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return int(clamp(x) * float64(w-1)), int(clamp(y) * float64(h-1))
}

func (c *Client) pointer(ctx context.Context, command string, x, y float64) error {
	w, h, err := c.ScreenSize(ctx)
	if err != nil {
		return err
	}
	px, py := normToPx(x, y, w, h)
	_, err = c.post(ctx, command, map[string]any{"x": px, "y": py})
	return err
}

func (c *Client) LeftClick(ctx context.Context, x, y float64) error {
	return c.pointer(ctx, "left_click", x, y)
}

func (c *Client) RightClick(ctx context.Context, x, y float64) error {
	return c.pointer(ctx, "right_click", x, y)
}

func (c *Client) DoubleClick(ctx context.Context, x, y float64) error {
	return c.pointer(ctx, "double_click", x, y)
}

func (c *Client) MoveCursor(ctx context.Context, x, y float64) error {
	return c.pointer(ctx, "move_cursor", x, y)
}

func (c *Client) DragTo(ctx context.Context, x, y float64) error {
	return c.pointer(ctx, "drag_to", x, y)
}

func (c *Client) MouseDown(ctx context.Context, button string) error {
	_, err := c.post(ctx, "mouse_down", map[string]any{"button": button})
	return err
}

func (c *Client) MouseUp(ctx context.Context, button string) error {
	_, err := c.post(ctx, "mouse_up", map[string]any{"button": button})
	return err
}

func (c *Client) TypeText(ctx context.Context, text string) error {
	_, err := c.post(ctx, "type_text", map[string]any{"text": text})
	return err
}

func (c *Client) PressKey(ctx context.Context, key string) error {
	_, err := c.post(ctx, "press_key", map[string]any{"key": key})
	return err
}

func (c *Client) Hotkey(ctx context.Context, keys []string) error {
	_, err := c.post(ctx, "hotkey", map[string]any{"keys": keys})
	return err
}

// Scroll scrolls by the given step count; positive is up.
func (c *Client) Scroll(ctx context.Context, amount int) error {
	_, err := c.post(ctx, "scroll", map[string]any{"amount": amount})
	return err
}

// WaitReady polls until the automation API answers, or the configured
// readiness timeout elapses. A 200 from /status counts, and so does a
// successful get_screen_size for API builds without a status endpoint.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if ok := c.probeStatus(ctx); ok {
			return nil
		}
		if _, _, err := c.ScreenSize(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("automation API at %s not ready after %s", c.baseURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) probeStatus(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
