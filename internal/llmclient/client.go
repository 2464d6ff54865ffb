// Package llmclient implements the LLM ensemble described in spec.md §4.2:
// a weighted set of model clients, each reachable through a small
// provider-agnostic Client interface, composed by Ensemble into a single
// generate(systemMessage, messages, options) -> text call with retries.
package llmclient

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string
	Content string
}

// GenerateOptions carries the per-call generation parameters from spec.md §4.2.
type GenerateOptions struct {
	Temperature     float64
	TopP            float64
	MaxTokens       int
	Stop            []string
	ReasoningEffort string
	Seed            *int64
}

// Client is the capability set every concrete provider client implements:
// OpenAIClient, AnthropicClient, GoogleClient.
type Client interface {
	Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error)
	ModelName() string
}
