package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/privateai/localchat/internal/observability"
)

// TracedProvider implements the decorator pattern for tracing around any
// Provider.
type TracedProvider struct {
	provider Provider
}

// NewTracedProvider wraps a provider with OpenTelemetry spans.
func NewTracedProvider(provider Provider) *TracedProvider {
	return &TracedProvider{provider: provider}
}

// Load implements Provider with added tracing.
func (t *TracedProvider) Load(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "Engine.Load")
	defer span.End()

	start := time.Now()
	err := t.provider.Load(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(
		attribute.String("model_path", t.provider.ModelPath()),
		attribute.Float64("load_time", time.Since(start).Seconds()),
	)
	return nil
}

// ModelPath delegates to the wrapped provider.
func (t *TracedProvider) ModelPath() string {
	return t.provider.ModelPath()
}

// NewSession wraps the created session so its Prompt calls are traced too.
func (t *TracedProvider) NewSession(ctx context.Context) (Session, error) {
	ctx, span := observability.StartSpan(ctx, "Engine.NewSession")
	defer span.End()

	session, err := t.provider.NewSession(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &tracedSession{session: session}, nil
}

type tracedSession struct {
	session Session
}

func (s *tracedSession) Reset() { s.session.Reset() }

func (s *tracedSession) RestoreHistory(blob []byte) error { return s.session.RestoreHistory(blob) }

func (s *tracedSession) Snapshot() []byte { return s.session.Snapshot() }

func (s *tracedSession) Close() error { return s.session.Close() }

// Prompt spans the full stream: the span ends when the stream terminates,
// recording fragment count and streaming time.
func (s *tracedSession) Prompt(ctx context.Context, history []Message, prompt string, params Params) (<-chan Chunk, error) {
	ctx, span := observability.StartSpan(ctx, "Engine.Prompt")

	start := time.Now()
	original, err := s.session.Prompt(ctx, history, prompt, params)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	traced := make(chan Chunk)
	go func() {
		defer span.End()
		defer close(traced)

		var fragments int
		for chunk := range original {
			if chunk.Err != nil {
				span.RecordError(chunk.Err)
				traced <- chunk
				return
			}
			if chunk.Text != "" {
				fragments++
			}
			traced <- chunk
			if chunk.Done {
				span.SetAttributes(
					attribute.Int("fragments", fragments),
					attribute.Int("history_messages", len(history)),
					attribute.Float64("streaming_time", time.Since(start).Seconds()),
					attribute.Float64("temperature", params.Temperature),
					attribute.Int64("max_tokens", params.MaxTokens),
				)
				return
			}
		}
	}()

	return traced, nil
}
