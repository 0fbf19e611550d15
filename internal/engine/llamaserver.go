package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/privateai/localchat/internal/observability"
)

// CompletionStreamer abstracts the OpenAI-compatible chat completion client
// so the provider can be exercised without a live server.
type CompletionStreamer interface {
	CreateStreamingCompletion(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// openAIClient implements CompletionStreamer using the official SDK pointed
// at a local llama.cpp server (or any OpenAI-compatible endpoint).
type openAIClient struct {
	client *openai.Client
}

func (c *openAIClient) CreateStreamingCompletion(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	return c.client.Chat.Completions.NewStreaming(ctx, params, opts...)
}

// LlamaServerConfig configures a LlamaServerProvider.
type LlamaServerConfig struct {
	// BaseURL of the local OpenAI-compatible inference server.
	BaseURL string
	// ModelPathOverride short-circuits discovery when set.
	ModelPathOverride string
	// StorageModelsDir and BundledModelsDir are scanned per the discovery
	// policy when no override is given.
	StorageModelsDir string
	BundledModelsDir string
	// Client replaces the default SDK client; used in tests.
	Client CompletionStreamer
	Logger observability.Logger
}

// LlamaServerProvider drives a local llama.cpp server through its
// OpenAI-compatible API. The model file itself is discovered and validated
// locally; the serving process is expected to have the same file loaded.
type LlamaServerProvider struct {
	client CompletionStreamer
	logger observability.Logger

	override   string
	storageDir string
	bundledDir string

	mu        sync.RWMutex
	modelPath string
}

// NewLlamaServerProvider creates the provider. Load must succeed before
// sessions can be created.
func NewLlamaServerProvider(cfg LlamaServerConfig) *LlamaServerProvider {
	client := cfg.Client
	if client == nil {
		client = &openAIClient{
			client: openai.NewClient(
				option.WithBaseURL(cfg.BaseURL),
				// Local servers ignore the key but the SDK requires one.
				option.WithAPIKey("local"),
			),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &LlamaServerProvider{
		client:     client,
		logger:     logger,
		override:   cfg.ModelPathOverride,
		storageDir: cfg.StorageModelsDir,
		bundledDir: cfg.BundledModelsDir,
	}
}

// Load resolves the model file. Candidates are tried in discovery order; a
// candidate that fails validation does not abort the load, but every failure
// is kept and reported together if no candidate works.
func (p *LlamaServerProvider) Load(ctx context.Context) error {
	candidates, err := DiscoverModels(p.override, p.storageDir, p.bundledDir)
	if err != nil {
		return err
	}

	var failures []error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ValidateModelFile(candidate); err != nil {
			p.logger.WithErr(err).WithFields(map[string]interface{}{"candidate": candidate}).Warn("model candidate rejected")
			failures = append(failures, err)
			continue
		}
		p.mu.Lock()
		p.modelPath = candidate
		p.mu.Unlock()
		p.logger.WithFields(map[string]interface{}{"modelPath": candidate}).Info("model resolved")
		return nil
	}

	return fmt.Errorf("all model candidates failed: %w", errors.Join(failures...))
}

// ModelPath reports the resolved model file, or "" before a successful Load.
func (p *LlamaServerProvider) ModelPath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modelPath
}

// NewSession creates an exclusive generation context bound to this provider.
func (p *LlamaServerProvider) NewSession(ctx context.Context) (Session, error) {
	p.mu.RLock()
	modelPath := p.modelPath
	p.mu.RUnlock()
	if modelPath == "" {
		return nil, fmt.Errorf("provider not loaded: %w", ErrNoModel)
	}
	return &llamaSession{provider: p}, nil
}

// llamaSession holds the per-conversation state for the HTTP-backed engine.
// The remote server is stateless between requests, so "engine-native history"
// is simply the message list of the last completed exchange.
type llamaSession struct {
	provider *LlamaServerProvider
	history  []Message
}

func (s *llamaSession) Reset() {
	s.history = nil
}

func (s *llamaSession) RestoreHistory(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	var history []Message
	if err := json.Unmarshal(blob, &history); err != nil {
		return fmt.Errorf("decode history snapshot: %w", err)
	}
	s.history = history
	return nil
}

func (s *llamaSession) Snapshot() []byte {
	if len(s.history) == 0 {
		return nil
	}
	blob, err := json.Marshal(s.history)
	if err != nil {
		return nil
	}
	return blob
}

func (s *llamaSession) Close() error {
	s.history = nil
	return nil
}

// Prompt streams one reply. The restored snapshot wins over the raw history
// replay when both are available, matching the fast-restore contract.
func (s *llamaSession) Prompt(ctx context.Context, history []Message, prompt string, params Params) (<-chan Chunk, error) {
	effective := s.history
	if len(effective) == 0 {
		effective = history
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(effective)+1)
	for _, msg := range effective {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	completionParams := openai.ChatCompletionNewParams{
		Messages:    openai.F(messages),
		Model:       openai.F(s.provider.ModelPath()),
		MaxTokens:   openai.Int(params.MaxTokens),
		Temperature: openai.Float(params.Temperature),
	}
	if params.TopP != nil {
		completionParams.TopP = openai.Float(*params.TopP)
	}

	// Sampler controls with no OpenAI schema field ride along as raw body
	// members; llama.cpp understands them, other servers ignore them.
	opts := []option.RequestOption{
		option.WithJSONSet("repeat_penalty", params.RepeatPenalty.Penalty),
		option.WithJSONSet("repeat_last_n", params.RepeatPenalty.LastTokens),
		option.WithJSONSet("penalize_nl", params.RepeatPenalty.PenalizeNewLine),
	}
	if params.TopK != nil {
		opts = append(opts, option.WithJSONSet("top_k", *params.TopK))
	}
	if params.ContextHint == "none" {
		opts = append(opts, option.WithJSONSet("cache_prompt", false))
	}

	stream := s.provider.client.CreateStreamingCompletion(ctx, completionParams, opts...)
	chunks := make(chan Chunk, 100)

	go func() {
		defer close(chunks)

		var reply string
		for stream.Next() {
			select {
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			default:
				chunk := stream.Current()
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
					reply += chunk.Choices[0].Delta.Content
					chunks <- Chunk{Text: chunk.Choices[0].Delta.Content}
				}
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				chunks <- Chunk{Err: ctx.Err()}
				return
			}
			chunks <- Chunk{Err: err}
			return
		}

		s.history = append(append([]Message{}, effective...),
			Message{Role: RoleUser, Content: prompt},
			Message{Role: RoleAssistant, Content: reply},
		)
		chunks <- Chunk{Done: true}
	}()

	return chunks, nil
}
