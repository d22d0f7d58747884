package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/hairizuanbinnoorazman/ui-verdict/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	path    string
	headers http.Header
	body    map[string]interface{}
}

func fakeServer(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &c.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestChatCompletions_Chat(t *testing.T) {
	srv, got := fakeServer(t, 200, `{"choices":[{"message":{"content":"hello"}}]}`)

	c, err := NewClient(context.Background(), Config{
		Provider: ProviderDashScope,
		Model:    "qwen-vl-max",
		APIKey:   "sk-test",
		BaseURL:  srv.URL + "/",
	}, metrics.New(nil))
	require.NoError(t, err)

	out, err := c.Chat(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	assert.Equal(t, "/chat/completions", got.path)
	assert.Equal(t, "Bearer sk-test", got.headers.Get("Authorization"))
	assert.Equal(t, "qwen-vl-max", got.body["model"])
	assert.Equal(t, 0.7, got.body["temperature"])
	assert.Equal(t, float64(2000), got.body["max_tokens"])
}

func TestChatCompletions_VisionChat(t *testing.T) {
	srv, got := fakeServer(t, 200, `{"choices":[{"message":{"content":"{\"matches_expectation\":true}"}}]}`)

	c, err := NewClient(context.Background(), Config{Provider: ProviderOpenAI, Model: "gpt-4o", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.VisionChat(context.Background(), "describe", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)

	assert.Equal(t, float64(500), got.body["max_tokens"])
	messages := got.body["messages"].([]interface{})
	parts := messages[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, parts, 2)
	image := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	assert.Equal(t, "data:image/png;base64,iVBORw==", image["url"])
}

func TestChatCompletions_ZeroTemperature(t *testing.T) {
	srv, got := fakeServer(t, 200, `{"choices":[{"message":{"content":"hello"}}]}`)

	zero := 0.0
	c, err := NewClient(context.Background(), Config{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o",
		APIKey:      "sk-test",
		BaseURL:     srv.URL,
		Temperature: &zero,
	}, metrics.New(nil))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "say hello")
	require.NoError(t, err)
	require.Contains(t, got.body, "temperature")
	assert.Equal(t, 0.0, got.body["temperature"])
}

func TestConfig_TemperatureDefault(t *testing.T) {
	cfg := Config{Provider: ProviderOpenAI}.WithDefaults()
	require.NotNil(t, cfg.Temperature)
	assert.Equal(t, DefaultTemperature, *cfg.Temperature)

	low := 0.0
	assert.Equal(t, 0.0, Config{Temperature: &low}.WithDefaults().Temp())
	assert.Equal(t, DefaultTemperature, Config{}.Temp())
}

func TestCompletions(t *testing.T) {
	srv, got := fakeServer(t, 200, `{"choices":[{"text":"done"}]}`)

	c, err := NewClient(context.Background(), Config{Provider: ProviderOpenAICompletion, Model: "gpt-3.5-turbo-instruct", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	out, err := c.Chat(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "/completions", got.path)
	assert.Equal(t, "go", got.body["prompt"])

	_, err = c.VisionChat(context.Background(), "go", []byte("img"))
	assert.ErrorIs(t, err, ErrVisionUnsupported)
}

func TestAnthropic(t *testing.T) {
	srv, got := fakeServer(t, 200, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`)

	c, err := NewClient(context.Background(), Config{Provider: ProviderAnthropic, Model: "claude-x", APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	out, err := c.VisionChat(context.Background(), "look", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "/v1/messages", got.path)
	assert.Equal(t, "k", got.headers.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, got.headers.Get("anthropic-version"))

	content := got.body["messages"].([]interface{})[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, content, 2)
	assert.Equal(t, "image", content[0].(map[string]interface{})["type"])
}

func TestAPIError(t *testing.T) {
	srv, _ := fakeServer(t, 401, `{"error":"bad key"}`)

	c, err := NewClient(context.Background(), Config{Provider: ProviderOpenAI, Model: "m", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "hi")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "bad key")
}

func TestEmptyResponse(t *testing.T) {
	srv, _ := fakeServer(t, 200, `{"choices":[]}`)

	c, err := NewClient(context.Background(), Config{Provider: ProviderOpenAI, Model: "m", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Provider: "gemini", Model: "m"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = NewClient(context.Background(), Config{Provider: ProviderOpenAI}, nil)
	assert.Error(t, err)
}

func TestConfig_Env(t *testing.T) {
	cfg := Config{Provider: ProviderOpenAICompletion, Model: "m", APIKey: "k"}.WithDefaults()
	env := cfg.Env()
	assert.Equal(t, map[string]string{
		"OPENAI_COMPLETION_API_KEY":    "k",
		"OPENAI_COMPLETION_BASE_URL":   "https://api.openai.com/v1",
		"OPENAI_COMPLETION_MODEL_NAME": "m",
	}, env)

	assert.Equal(t, defaultDashScopeBaseURL, Config{Provider: "DashScope"}.WithDefaults().BaseURL)
}

type fakeInvoker struct {
	input *bedrockruntime.InvokeModelInput
	body  string
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestBedrockClient(t *testing.T) {
	inv := &fakeInvoker{body: `{"content":[{"type":"text","text":"bedrock says hi"}]}`}
	c := NewBedrockClientWith(inv, Config{Provider: ProviderBedrock, Model: "anthropic.claude-3-haiku"})

	out, err := c.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "bedrock says hi", out)
	assert.Equal(t, "anthropic.claude-3-haiku", *inv.input.ModelId)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(inv.input.Body, &body))
	assert.Equal(t, "bedrock-2023-05-31", body["anthropic_version"])
	assert.Equal(t, float64(2000), body["max_tokens"])
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"inline fence", "```{\"a\":1}```", `{"a":1}`},
		{"prose before", "Here you go:\n```json\n{\"a\":1}\n```\nThanks", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFence(tt.in))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Observation string `json:"observation"`
		Matches     *bool  `json:"matches_expectation"`
	}

	require.NoError(t, DecodeJSON("```json\n{\"observation\":\"login page\",\"matches_expectation\":true}\n```", &v))
	assert.Equal(t, "login page", v.Observation)
	require.NotNil(t, v.Matches)
	assert.True(t, *v.Matches)

	v.Matches = nil
	require.NoError(t, DecodeJSON(`{"observation": "dashboard", "matches_expectation": false,}`, &v))
	require.NotNil(t, v.Matches)
	assert.False(t, *v.Matches)
}
