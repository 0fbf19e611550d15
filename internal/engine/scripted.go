package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ScriptedProvider is an in-process engine with fully deterministic output.
// It backs tests and the "mock" engine kind used for UI development without
// a model. Replies come from the Reply function; pacing, load failures and
// mid-stream errors are all injectable.
type ScriptedProvider struct {
	// Reply maps a prompt to the fragments to stream. When nil the prompt
	// is echoed back split into words.
	Reply func(prompt string) []string

	// LoadErr makes every Load attempt fail.
	LoadErr error

	// FailAfter injects FailErr after that many fragments (0 = before the
	// first). Only active when FailErr is set.
	FailAfter int
	FailErr   error

	// TokensPerSecond paces fragment emission; 0 streams as fast as the
	// consumer reads.
	TokensPerSecond float64

	// Path is reported by ModelPath after a successful Load.
	Path string

	loadCalls atomic.Int32
	loaded    atomic.Bool
}

// NewScriptedProvider returns a provider that echoes prompts word by word.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{Path: "scripted://echo"}
}

// Load counts invocations so tests can assert single-flight initialization.
func (p *ScriptedProvider) Load(ctx context.Context) error {
	p.loadCalls.Add(1)
	if p.LoadErr != nil {
		return p.LoadErr
	}
	p.loaded.Store(true)
	return nil
}

// LoadCalls reports how many times Load ran.
func (p *ScriptedProvider) LoadCalls() int {
	return int(p.loadCalls.Load())
}

// ModelPath reports the configured path once loaded.
func (p *ScriptedProvider) ModelPath() string {
	if !p.loaded.Load() {
		return ""
	}
	return p.Path
}

// NewSession creates an independent scripted session.
func (p *ScriptedProvider) NewSession(ctx context.Context) (Session, error) {
	return &scriptedSession{provider: p}, nil
}

func (p *ScriptedProvider) fragments(prompt string) []string {
	if p.Reply != nil {
		return p.Reply(prompt)
	}
	words := strings.Fields(prompt)
	fragments := make([]string, 0, len(words))
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		fragments = append(fragments, word)
	}
	if len(fragments) == 0 {
		fragments = []string{"(empty)"}
	}
	return fragments
}

type scriptedSession struct {
	provider *ScriptedProvider

	mu      sync.Mutex
	history []Message
}

func (s *scriptedSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *scriptedSession) RestoreHistory(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	var history []Message
	if err := json.Unmarshal(blob, &history); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
	return nil
}

func (s *scriptedSession) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	blob, err := json.Marshal(s.history)
	if err != nil {
		return nil
	}
	return blob
}

func (s *scriptedSession) Close() error {
	s.Reset()
	return nil
}

func (s *scriptedSession) Prompt(ctx context.Context, history []Message, prompt string, params Params) (<-chan Chunk, error) {
	fragments := s.provider.fragments(prompt)
	if params.MaxTokens > 0 && int64(len(fragments)) > params.MaxTokens {
		fragments = fragments[:params.MaxTokens]
	}

	var limiter *rate.Limiter
	if s.provider.TokensPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.provider.TokensPerSecond), 1)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		var reply string
		for i, fragment := range fragments {
			if s.provider.FailErr != nil && i >= s.provider.FailAfter {
				chunks <- Chunk{Err: s.provider.FailErr}
				return
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					chunks <- Chunk{Err: ctx.Err()}
					return
				}
			} else if err := ctx.Err(); err != nil {
				chunks <- Chunk{Err: err}
				return
			}
			select {
			case chunks <- Chunk{Text: fragment}:
				reply += fragment
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			}
		}
		if s.provider.FailErr != nil && s.provider.FailAfter >= len(fragments) {
			chunks <- Chunk{Err: s.provider.FailErr}
			return
		}

		s.mu.Lock()
		s.history = append(append([]Message{}, history...),
			Message{Role: RoleUser, Content: prompt},
			Message{Role: RoleAssistant, Content: reply},
		)
		s.mu.Unlock()
		chunks <- Chunk{Done: true}
	}()

	return chunks, nil
}
