package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/privateai/localchat/internal/engine"
	"github.com/privateai/localchat/internal/observability"
	"github.com/privateai/localchat/internal/session"
	"github.com/privateai/localchat/internal/settings"
	"github.com/privateai/localchat/internal/store"
)

// ErrEmptyMessage rejects a chat request whose message is blank after
// trimming.
var ErrEmptyMessage = errors.New("message cannot be empty")

// Request is one chat turn to run. SessionID may be empty for a new
// conversation.
type Request struct {
	SessionID string
	Message   string
	Settings  settings.Settings
}

// Pipeline drives a single generation per request: it persists the user
// message, serializes on the session's lane, streams tokens through the
// emitter and persists the terminal transcript state.
type Pipeline struct {
	store    *store.FileStore
	registry *session.Registry
	logger   observability.Logger
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(fileStore *store.FileStore, registry *session.Registry, logger observability.Logger) *Pipeline {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &Pipeline{store: fileStore, registry: registry, logger: logger}
}

// Run executes one chat request. Every run emits a session event first and
// exactly one terminal event (done, aborted or error); it returns an error
// only when the request is invalid before any side effect, or when the
// emitter itself fails (client gone and nothing more to say).
//
// Cancel ctx to abort generation; the partial reply is persisted as-is.
func (p *Pipeline) Run(ctx context.Context, req Request, emitter Emitter) error {
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		return ErrEmptyMessage
	}

	conversation, isNew, err := p.prepareConversation(ctx, req.SessionID, prompt)
	if err != nil {
		return err
	}
	log := p.logger.WithFields(map[string]interface{}{"sessionId": conversation.SessionID})

	if err := emitter.Emit(SessionEvent{
		SessionID: conversation.SessionID,
		IsNew:     isNew,
		Summary:   store.BuildSummary(conversation),
	}); err != nil {
		return err
	}
	if err := emitter.Emit(UserMessageEvent{
		Message: conversation.Messages[len(conversation.Messages)-1],
	}); err != nil {
		return err
	}

	live, err := p.registry.Resolve(ctx, conversation.SessionID)
	if err != nil {
		log.WithErr(err).Error("session resolution failed")
		return emitter.Emit(ErrorEvent{Message: err.Error()})
	}
	defer live.Unpin()

	if err := live.Acquire(ctx); err != nil {
		// Client cancelled while queued behind another generation.
		return emitter.Emit(AbortedEvent{
			Message:      assistantMessage("", time.Now().UTC()),
			Conversation: store.BuildSummary(conversation),
		})
	}
	defer live.Release()

	// Another request may have extended the transcript while this one was
	// queued; generate against the latest persisted state.
	if fresh, err := p.store.Load(ctx, conversation.SessionID); err == nil {
		conversation = fresh
	}

	return p.generate(ctx, log, live, conversation, prompt, req.Settings, emitter)
}

// prepareConversation loads or creates the transcript and persists the user
// message before any engine work, so a failed generation still leaves
// "message sent, no answer yet".
func (p *Pipeline) prepareConversation(ctx context.Context, sessionID, prompt string) (*store.Conversation, bool, error) {
	userMessage := store.NewMessage(string(engine.RoleUser), prompt)

	if sessionID != "" {
		conversation, err := p.store.Update(ctx, sessionID, func(c *store.Conversation) error {
			c.Messages = append(c.Messages, userMessage)
			return nil
		})
		switch {
		case err == nil:
			return conversation, false, nil
		case errors.Is(err, store.ErrNotFound):
			// Fall through to creation with the requested identifier.
		default:
			return nil, false, fmt.Errorf("persist user message: %w", err)
		}
	}

	conversation, err := p.store.Create(ctx, sessionID, &userMessage)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, true, nil
}

// generate runs the engine with the lane already held and handles the three
// terminal transitions.
func (p *Pipeline) generate(ctx context.Context, log observability.Logger, live *session.Session, conversation *store.Conversation, prompt string, cfg settings.Settings, emitter Emitter) error {
	// Clean slate, then fast-restore. A bad snapshot is survivable: the run
	// proceeds on the raw transcript instead. The sliding strategy always
	// replays the windowed transcript, since a restored snapshot would bypass
	// the window.
	live.Engine.Reset()
	if len(conversation.ChatHistory) > 0 && cfg.ContextStrategy != settings.ContextSliding {
		if err := live.Engine.RestoreHistory(conversation.ChatHistory); err != nil {
			log.WithErr(err).Warn("history restore failed, continuing without engine history")
			live.Engine.Reset()
		}
	}

	history := conversation.EngineHistory()
	// The prompt itself travels separately; drop its transcript copy before
	// windowing so the window holds only prior turns.
	if n := len(history); n > 0 && history[n-1].Role == engine.RoleUser && history[n-1].Content == prompt {
		history = history[:n-1]
	}
	history = cfg.WindowHistory(history)

	genCtx, cancel := context.WithCancel(ctx)
	chunks, err := live.Engine.Prompt(genCtx, history, prompt, cfg.EngineParams())
	if err != nil {
		cancel()
		log.WithErr(err).Error("generation failed to start")
		return emitter.Emit(ErrorEvent{Message: err.Error()})
	}
	// Whatever way this run ends, stop the producer and drain its channel so
	// no goroutine outlives the generation lane.
	defer func() {
		cancel()
		for range chunks {
		}
	}()

	var accumulated strings.Builder
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			if isCancellation(ctx, chunk.Err) {
				return p.finishAborted(ctx, log, conversation, accumulated.String(), emitter)
			}
			return p.finishFailed(log, chunk.Err, emitter)
		case chunk.Done:
			return p.finishCompleted(ctx, log, live, conversation, accumulated.String(), emitter)
		case chunk.Text != "":
			accumulated.WriteString(chunk.Text)
			if err := emitter.Emit(TokenEvent{Chunk: chunk.Text}); err != nil {
				// Client is gone; treat it like an abort so the partial
				// reply is still preserved.
				return p.finishAborted(ctx, log, conversation, accumulated.String(), emitter)
			}
		}
	}

	// Channel closed without a terminal chunk; never silently hang.
	return p.finishFailed(log, errors.New("engine stream ended unexpectedly"), emitter)
}

// finishCompleted appends the finalized assistant message, captures the
// engine history snapshot and persists, then emits done.
func (p *Pipeline) finishCompleted(ctx context.Context, log observability.Logger, live *session.Session, conversation *store.Conversation, content string, emitter Emitter) error {
	message := assistantMessage(content, time.Now().UTC())
	snapshot := live.Engine.Snapshot()

	saved, err := p.store.Update(ctx, conversation.SessionID, func(c *store.Conversation) error {
		c.Messages = append(c.Messages, message)
		c.ChatHistory = snapshot
		return nil
	})
	if err != nil {
		// Durability is compromised but the response the client saw stands.
		log.WithErr(err).Error("persisting completed conversation failed")
		conversation.Messages = append(conversation.Messages, message)
		conversation.ChatHistory = snapshot
		saved = conversation
	}
	return emitter.Emit(DoneEvent{
		Message:      message,
		Conversation: store.BuildSummary(saved),
	})
}

// finishAborted persists whatever the client already saw, truncated, and
// emits aborted.
func (p *Pipeline) finishAborted(ctx context.Context, log observability.Logger, conversation *store.Conversation, content string, emitter Emitter) error {
	message := assistantMessage(content, time.Now().UTC())
	if content != "" {
		saved, err := p.store.Update(context.WithoutCancel(ctx), conversation.SessionID, func(c *store.Conversation) error {
			c.Messages = append(c.Messages, message)
			return nil
		})
		if err != nil {
			log.WithErr(err).Error("persisting aborted conversation failed")
		} else {
			conversation = saved
		}
	}
	log.Info("generation aborted by client")
	return emitter.Emit(AbortedEvent{
		Message:      message,
		Conversation: store.BuildSummary(conversation),
	})
}

// finishFailed discards the partial reply and emits error; the user message
// is already persisted.
func (p *Pipeline) finishFailed(log observability.Logger, cause error, emitter Emitter) error {
	log.WithErr(cause).Error("generation failed")
	return emitter.Emit(ErrorEvent{Message: cause.Error()})
}

func assistantMessage(content string, at time.Time) store.Message {
	message := store.NewMessage(string(engine.RoleAssistant), content)
	message.Timestamp = at
	return message
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}
