// Package llm is the optional chat-model façade: query rewriting and
// result summarization. It sits beside the core search path and its
// failures never affect it.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/localretrieve/localretrieve/internal/errors"
	"github.com/localretrieve/localretrieve/internal/search"
)

// Config configures the façade.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Facade wraps a chat-completion client.
type Facade struct {
	cfg    Config
	client *openai.Client
}

// New creates the façade; returns nil when no API key is configured so
// callers can treat the feature as absent.
func New(cfg Config) *Facade {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Facade{cfg: cfg, client: openai.NewClientWithConfig(clientCfg)}
}

// Call sends one prompt and returns the completion text.
func (f *Facade) Call(ctx context.Context, system, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	resp, err := f.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    f.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return "", errors.New(errors.CodeProvider, "llm call failed: "+err.Error(), err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.CodeProvider, "llm returned no choices", nil)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// EnhanceQuery rewrites a raw query into a sharper retrieval query. On
// any failure the original query comes back, so the core path never
// degrades.
func (f *Facade) EnhanceQuery(ctx context.Context, query string) string {
	out, err := f.Call(ctx,
		"You rewrite search queries for a hybrid keyword+semantic search engine. Reply with the rewritten query only.",
		query)
	if err != nil || out == "" {
		if err != nil {
			slog.Warn("query enhancement failed", slog.String("error", err.Error()))
		}
		return query
	}
	return out
}

// SummarizeResults produces a short summary of the top results, or an
// empty string on failure.
func (f *Facade) SummarizeResults(ctx context.Context, query string, results []*search.Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nResults:\n", query)
	for i, r := range results {
		if i >= 5 {
			break
		}
		content := r.Content
		if len(content) > 400 {
			content = content[:400]
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, r.Title, content)
	}

	out, err := f.Call(ctx,
		"Summarize these search results in two or three sentences, focused on answering the query.",
		b.String())
	if err != nil {
		slog.Warn("result summarization failed", slog.String("error", err.Error()))
		return ""
	}
	return out
}
