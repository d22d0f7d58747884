package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockInvoker is the subset of the bedrock runtime client in use.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient calls Anthropic models hosted on AWS Bedrock.
type BedrockClient struct {
	client BedrockInvoker
	cfg    Config
}

// NewBedrockClient loads the default AWS configuration for cfg.Region.
func NewBedrockClient(ctx context.Context, cfg Config) (*BedrockClient, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBedrockClientWith(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewBedrockClientWith wraps an existing invoker.
func NewBedrockClientWith(client BedrockInvoker, cfg Config) *BedrockClient {
	return &BedrockClient{client: client, cfg: cfg.WithDefaults()}
}

type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	Messages         []anthropicMessage `json:"messages"`
}

// Chat sends a text prompt.
func (b *BedrockClient) Chat(ctx context.Context, prompt string) (string, error) {
	return b.invoke(ctx, prompt, nil, b.cfg.MaxTokens)
}

// VisionChat sends a prompt with one PNG image.
func (b *BedrockClient) VisionChat(ctx context.Context, prompt string, image []byte) (string, error) {
	return b.invoke(ctx, prompt, image, b.cfg.VisionMaxTokens)
}

func (b *BedrockClient) invoke(ctx context.Context, prompt string, image []byte, maxTokens int) (string, error) {
	payload, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      b.cfg.Temp(),
		Messages:         userMessage(prompt, image),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.cfg.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke Bedrock model: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.text()
}
