package llm

import (
	"context"
	"strings"
)

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatCompletionsClient talks to OpenAI-compatible /chat/completions
// endpoints, which covers openai and dashscope.
type chatCompletionsClient struct {
	cfg Config
}

func (c *chatCompletionsClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func (c *chatCompletionsClient) Chat(ctx context.Context, prompt string) (string, error) {
	temp := c.cfg.Temp()
	return c.send(ctx, chatCompletionsRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: &temp,
		MaxTokens:   c.cfg.MaxTokens,
	})
}

func (c *chatCompletionsClient) VisionChat(ctx context.Context, prompt string, image []byte) (string, error) {
	return c.send(ctx, chatCompletionsRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: pngDataURL(image)}},
			},
		}},
		MaxTokens: c.cfg.VisionMaxTokens,
	})
}

func (c *chatCompletionsClient) send(ctx context.Context, req chatCompletionsRequest) (string, error) {
	var resp chatCompletionsResponse
	if err := postJSON(ctx, c.cfg, c.cfg.BaseURL+"/chat/completions", c.headers(), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

type completionsRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type completionsResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// completionsClient uses the legacy /completions endpoint, which has no
// image input.
type completionsClient struct {
	cfg Config
}

func (c *completionsClient) Chat(ctx context.Context, prompt string) (string, error) {
	var resp completionsResponse
	err := postJSON(ctx, c.cfg, c.cfg.BaseURL+"/completions",
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey},
		completionsRequest{
			Model:       c.cfg.Model,
			Prompt:      prompt,
			Temperature: c.cfg.Temp(),
			MaxTokens:   c.cfg.MaxTokens,
		}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Text) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Text, nil
}

func (c *completionsClient) VisionChat(context.Context, string, []byte) (string, error) {
	return "", ErrVisionUnsupported
}
