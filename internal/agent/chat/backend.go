package chat

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// chunkBuffer is the depth of the adapted chunk channel. Sized to absorb a
// burst of small deltas without blocking the adaptation goroutine.
const chunkBuffer = 32

// chunk is one streamed piece of a model reply. A non-nil err is terminal:
// the backend failed and no further chunks follow.
type chunk struct {
	text string
	err  error
}

// completer abstracts the streaming side of an LLM provider. It exists so
// tests can substitute a scripted backend for a live any-llm-go provider.
type completer interface {
	stream(ctx context.Context, messages []anyllmlib.Message) (<-chan chunk, error)
}

// anyllmCompleter adapts an [anyllmlib.Provider] to the completer interface.
type anyllmCompleter struct {
	backend anyllmlib.Provider
	model   string
}

// newCompleter builds the any-llm-go backend named by cfg.Provider. An empty
// cfg.APIKey leaves authentication to the provider's usual environment
// variable (OPENAI_API_KEY and friends).
func newCompleter(cfg Config) (*anyllmCompleter, error) {
	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	backend, err := createBackend(cfg.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("chat: create %q backend: %w", cfg.Provider, err)
	}
	return &anyllmCompleter{backend: backend, model: cfg.Model}, nil
}

// createBackend instantiates the underlying any-llm-go provider for the
// given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// stream implements completer. It starts a streaming completion and adapts
// the backend's chunk and error channels into a single chunk channel that
// carries only non-empty text deltas.
func (c *anyllmCompleter) stream(ctx context.Context, messages []anyllmlib.Message) (<-chan chunk, error) {
	backendChunks, backendErrs := c.backend.CompletionStream(ctx, anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: messages,
	})

	ch := make(chan chunk, chunkBuffer)
	go func() {
		defer close(ch)

		for bc := range backendChunks {
			if len(bc.Choices) == 0 {
				continue
			}
			delta := bc.Choices[0].Delta
			if delta.Content == "" {
				continue
			}
			select {
			case ch <- chunk{text: delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		// The error channel resolves once the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- chunk{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
