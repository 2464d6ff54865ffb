package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	genai "google.golang.org/genai"
)

// GoogleClient adapts the teacher's internal/llm/google.Client to the
// narrow Client contract this package needs.
type GoogleClient struct {
	client *genai.Client
	model  string
}

// NewGoogleClient builds a client for the given model and API key.
func NewGoogleClient(ctx context.Context, apiKey, model string, httpClient *http.Client) (*GoogleClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	return &GoogleClient{client: client, model: model}, nil
}

// Generate implements Client.
func (c *GoogleClient) Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if systemMessage != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemMessage, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}
	if opts.TopP > 0 {
		p := float32(opts.TopP)
		cfg.TopP = &p
	}
	if opts.MaxTokens > 0 {
		mt := int32(opts.MaxTokens)
		cfg.MaxOutputTokens = mt
	}
	if len(opts.Stop) > 0 {
		cfg.StopSequences = opts.Stop
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("google generate content: %w", err)
	}
	return resp.Text(), nil
}

// ModelName implements Client.
func (c *GoogleClient) ModelName() string { return c.model }
