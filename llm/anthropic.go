package llm

import (
	"context"
	"encoding/base64"
	"strings"
)

const anthropicVersion = "2023-06-01"

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func userMessage(prompt string, image []byte) []anthropicMessage {
	content := []anthropicContent{}
	if image != nil {
		content = append(content, anthropicContent{
			Type: "image",
			Source: &anthropicSource{
				Type:      "base64",
				MediaType: "image/png",
				Data:      base64.StdEncoding.EncodeToString(image),
			},
		})
	}
	content = append(content, anthropicContent{Type: "text", Text: prompt})
	return []anthropicMessage{{Role: "user", Content: content}}
}

// text concatenates the text blocks of a messages response.
func (r anthropicResponse) text() (string, error) {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	out := b.String()
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicClient struct {
	cfg Config
}

func (c *anthropicClient) Chat(ctx context.Context, prompt string) (string, error) {
	return c.send(ctx, prompt, nil, c.cfg.MaxTokens)
}

func (c *anthropicClient) VisionChat(ctx context.Context, prompt string, image []byte) (string, error) {
	return c.send(ctx, prompt, image, c.cfg.VisionMaxTokens)
}

func (c *anthropicClient) send(ctx context.Context, prompt string, image []byte, maxTokens int) (string, error) {
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
	var resp anthropicResponse
	err := postJSON(ctx, c.cfg, c.cfg.BaseURL+"/v1/messages", headers, anthropicRequest{
		Model:       c.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: c.cfg.Temp(),
		Messages:    userMessage(prompt, image),
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.text()
}
