// Package vision is the client for the vision-capable LLM endpoint. It
// speaks the OpenAI chat completions shape, which local inference
// servers (ollama, llama.cpp, LM Studio) also expose.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/tidwall/gjson"
)

// existingTagsIntro precedes the catalog hint so the model treats the
// following JSON array as a pick list, not as content to describe.
const existingTagsIntro = "The following input is a JSON array of available tags. " +
	"Choose from this list only if they clearly apply to THIS image. Do not guess or infer."

// Client calls {BaseURL}/chat/completions.
type Client struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int

	// Trace logs the text-only prompt parts (never image bytes)
	// before each call.
	Trace bool

	// HTTPClient bounds the round trip via its Timeout; nil falls
	// back to http.DefaultClient.
	HTTPClient *http.Client
}

// StatusError is a non-2xx reply from the endpoint.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.Status, e.URL, e.Body)
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Tags sends the image to the model and returns the raw reply text.
// existing, when non-empty, is offered to the model as a pick list but
// not enforced.
func (c *Client) Tags(ctx context.Context, prompt string, image []byte, mime string, existing []string) (string, error) {
	msgs, err := buildMessages(prompt, image, mime, existing)
	if err != nil {
		return "", err
	}
	if c.Trace {
		log.Debugf("prompt (text only):\n%s", textOnly(msgs))
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.Model,
		Messages:    msgs,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	url := c.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{URL: url, Status: resp.StatusCode, Body: truncate(raw, 500)}
	}

	content := messageContent(raw)
	if content == "" {
		return "", fmt.Errorf("unexpected response from %s: %s", url, truncate(raw, 500))
	}
	return content, nil
}

// buildMessages assembles the chat payload: the tagging instruction,
// the optional existing-tag hint, and finally the image as a base64
// data URI.
func buildMessages(prompt string, image []byte, mime string, existing []string) ([]message, error) {
	msgs := []message{{Role: "system", Content: prompt}}

	if len(existing) > 0 {
		hint, err := json.Marshal(existing)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs,
			message{Role: "user", Content: []any{textPart{Type: "text", Text: existingTagsIntro}}},
			message{Role: "user", Content: []any{textPart{Type: "text", Text: string(hint)}}},
		)
	}

	uri := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))
	msgs = append(msgs, message{Role: "user", Content: []any{
		imagePart{Type: "image_url", ImageURL: imageURL{URL: uri}},
	}})
	return msgs, nil
}

// textOnly flattens the text-bearing parts of the payload for trace
// logging, skipping image parts so binary data never reaches the logs.
func textOnly(msgs []message) string {
	var lines []string
	for _, m := range msgs {
		switch content := m.Content.(type) {
		case string:
			lines = append(lines, m.Role+": "+content)
		case []any:
			for _, part := range content {
				if tp, ok := part.(textPart); ok {
					lines = append(lines, m.Role+": "+tp.Text)
				}
			}
		}
	}
	return strings.Join(lines, "\n")
}

// messageContent extracts choices[0].message.content, which servers
// return either as a plain string or as a list of typed parts.
func messageContent(body []byte) string {
	content := gjson.GetBytes(body, "choices.0.message.content")
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var parts []string
		for _, p := range content.Array() {
			switch {
			case p.Type == gjson.String:
				parts = append(parts, p.Str)
			case p.Get("text").Exists():
				parts = append(parts, p.Get("text").String())
			case p.Get("content").Exists():
				parts = append(parts, p.Get("content").String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
