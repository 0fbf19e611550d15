// Package engine abstracts the local inference runtime. The server never
// talks to a model directly; it drives a Provider, which owns the loaded
// model, and per-conversation Sessions, which own an exclusive generation
// context each.
package engine

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn as seen by the engine.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Chunk is one increment of a streaming generation. A Chunk with Done set is
// the last one on the channel; a Chunk with Err set terminates the stream
// abnormally (Err == context.Canceled means the caller aborted).
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// RepeatPenalty mirrors the sampler's repetition controls.
type RepeatPenalty struct {
	Penalty         float64
	LastTokens      int
	PenalizeNewLine bool
}

// Params carries normalized generation settings into a single Prompt call.
// TopP and TopK are optional pass-throughs; nil means "engine default".
type Params struct {
	Temperature   float64
	MaxTokens     int64
	TopP          *float64
	TopK          *int64
	RepeatPenalty RepeatPenalty
	// ContextHint is "auto", "none" or "sliding"; "none" asks the engine not
	// to shift context on overflow.
	ContextHint string
}

// Provider owns the shared model. Load is expensive and must be called at
// most once per process; the session registry guards that with a
// single-flight group, so implementations need not synchronize it.
type Provider interface {
	// Load discovers and validates a model, making the provider ready to
	// create sessions. An error leaves the provider unloaded; callers may
	// retry later.
	Load(ctx context.Context) error

	// ModelPath reports the resolved model file, or "" before a successful
	// Load.
	ModelPath() string

	// NewSession creates an exclusive generation context. The caller owns it
	// and must Close it when evicting the session.
	NewSession(ctx context.Context) (Session, error)
}

// Session is one conversation's generation lane. Implementations are not
// safe for concurrent use; the caller serializes access per session key.
type Session interface {
	// Reset returns the context to a clean slate. Called before every run.
	Reset()

	// RestoreHistory loads an engine-native snapshot previously returned by
	// Snapshot. A failure is survivable: the run proceeds with the history
	// passed to Prompt instead.
	RestoreHistory(blob []byte) error

	// Snapshot captures the engine-native history after a run, for fast
	// restore on the next one.
	Snapshot() []byte

	// Prompt streams a reply to prompt given the prior history. The returned
	// channel is closed after a Chunk with Done or Err set. Cancelling ctx
	// stops generation at the next fragment boundary.
	Prompt(ctx context.Context, history []Message, prompt string, params Params) (<-chan Chunk, error)

	Close() error
}
