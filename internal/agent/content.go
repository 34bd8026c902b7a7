package agent

import (
	"context"
	"fmt"
	"strings"

	"agentnet/internal/llm"
)

type generateInput struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system"`
	MaxTokens int    `json:"max_tokens"`
}

type generateOutput struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

type sourcedGenerator interface {
	GenerateWithSource(ctx context.Context, prompt string, opts llm.Options) (string, string, error)
}

// ContentOperations exposes text generation. When the model is rate limited
// or down the generator falls back to its deterministic template.
func ContentOperations(gen sourcedGenerator) Operations {
	return Operations{
		"generate": func(ctx context.Context, req Request) (any, error) {
			var in generateInput
			if err := req.Decode(&in); err != nil {
				return nil, err
			}
			prompt := strings.TrimSpace(in.Prompt)
			if upstream := upstreamText(req.DependencyResults); upstream != "" {
				prompt = strings.TrimSpace(prompt + "\n\n" + upstream)
			}
			if prompt == "" {
				return nil, fmt.Errorf("generate: empty prompt")
			}
			text, source, err := gen.GenerateWithSource(ctx, prompt, llm.Options{System: in.System, MaxTokens: in.MaxTokens})
			if err != nil {
				return nil, err
			}
			return generateOutput{Text: text, Source: source}, nil
		},
		"summarize": func(ctx context.Context, req Request) (any, error) {
			var in generateInput
			if err := req.Decode(&in); err != nil {
				return nil, err
			}
			body := upstreamText(req.DependencyResults)
			if body == "" {
				body = strings.TrimSpace(in.Prompt)
			}
			if body == "" {
				return nil, fmt.Errorf("summarize: nothing to summarize")
			}
			text, source, err := gen.GenerateWithSource(ctx, "Summarize in three sentences:\n"+body, llm.Options{
				System:    "You write short factual summaries.",
				MaxTokens: in.MaxTokens,
			})
			if err != nil {
				return nil, err
			}
			return generateOutput{Text: text, Source: source}, nil
		},
	}
}
