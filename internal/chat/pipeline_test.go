package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateai/localchat/internal/engine"
	"github.com/privateai/localchat/internal/observability"
	"github.com/privateai/localchat/internal/session"
	"github.com/privateai/localchat/internal/settings"
	"github.com/privateai/localchat/internal/store"
)

func newTestPipeline(t *testing.T, provider engine.Provider) (*Pipeline, *store.FileStore) {
	t.Helper()
	layout, err := store.NewLayout(t.TempDir())
	require.NoError(t, err)
	fileStore := store.NewFileStore(layout, observability.NewNullLogger())
	registry := session.NewRegistry(provider, 0, observability.NewNullLogger())
	return NewPipeline(fileStore, registry, observability.NewNullLogger()), fileStore
}

// recorder collects the events of a single run. It can cancel the run's
// context after a set number of token events, or start failing like a
// disconnected client; once failed, every subsequent emit fails too.
type recorder struct {
	events []Event

	cancelAfterTokens int
	cancel            context.CancelFunc
	tokens            int

	failAfterTokens int
	failed          bool
}

func (r *recorder) Emit(event Event) error {
	if r.failed {
		return errors.New("client went away")
	}
	r.events = append(r.events, event)
	if event.Type() == EventToken {
		r.tokens++
		if r.cancel != nil && r.cancelAfterTokens > 0 && r.tokens == r.cancelAfterTokens {
			r.cancel()
		}
		if r.failAfterTokens > 0 && r.tokens >= r.failAfterTokens {
			r.failed = true
			return errors.New("client went away")
		}
	}
	return nil
}

func (r *recorder) types() []EventType {
	types := make([]EventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type())
	}
	return types
}

func TestRunRejectsBlankMessage(t *testing.T) {
	pipeline, _ := newTestPipeline(t, engine.NewScriptedProvider())

	rec := &recorder{}
	err := pipeline.Run(context.Background(), Request{Message: "   \n "}, rec)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, rec.events)
}

func TestRunCompletesAndPersists(t *testing.T) {
	provider := engine.NewScriptedProvider()
	pipeline, fileStore := newTestPipeline(t, provider)

	rec := &recorder{}
	err := pipeline.Run(context.Background(), Request{Message: "hello there friend", Settings: settings.Normalize(nil)}, rec)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(rec.events), 4)
	assert.Equal(t, EventSession, rec.events[0].Type())
	assert.Equal(t, EventUserMessage, rec.events[1].Type())
	assert.Equal(t, EventDone, rec.events[len(rec.events)-1].Type())

	sessionEvent := rec.events[0].(SessionEvent)
	assert.True(t, sessionEvent.IsNew)
	require.NotEmpty(t, sessionEvent.SessionID)

	var streamed string
	for _, event := range rec.events {
		if token, ok := event.(TokenEvent); ok {
			streamed += token.Chunk
		}
	}
	done := rec.events[len(rec.events)-1].(DoneEvent)
	assert.Equal(t, "hello there friend", streamed)
	assert.Equal(t, streamed, done.Message.Content)

	loaded, err := fileStore.Load(context.Background(), sessionEvent.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "user", loaded.Messages[0].Role)
	assert.Equal(t, "assistant", loaded.Messages[1].Role)
	assert.Equal(t, streamed, loaded.Messages[1].Content)
	assert.NotEmpty(t, loaded.ChatHistory, "engine snapshot should be persisted")
}

func TestRunResumesExistingConversation(t *testing.T) {
	provider := engine.NewScriptedProvider()
	pipeline, fileStore := newTestPipeline(t, provider)
	ctx := context.Background()

	first := &recorder{}
	require.NoError(t, pipeline.Run(ctx, Request{Message: "first question", Settings: settings.Normalize(nil)}, first))
	sessionID := first.events[0].(SessionEvent).SessionID

	second := &recorder{}
	require.NoError(t, pipeline.Run(ctx, Request{SessionID: sessionID, Message: "second question", Settings: settings.Normalize(nil)}, second))

	sessionEvent := second.events[0].(SessionEvent)
	assert.Equal(t, sessionID, sessionEvent.SessionID)
	assert.False(t, sessionEvent.IsNew)

	loaded, err := fileStore.Load(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 4)
}

func TestRunAbortMidStreamPersistsPartial(t *testing.T) {
	provider := engine.NewScriptedProvider()
	provider.Reply = func(string) []string {
		return []string{"one", " two", " three", " four", " five"}
	}
	// Pacing gives the cancellation time to land between fragments.
	provider.TokensPerSecond = 50
	pipeline, fileStore := newTestPipeline(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{cancelAfterTokens: 2, cancel: cancel}

	err := pipeline.Run(ctx, Request{Message: "count", Settings: settings.Normalize(nil)}, rec)
	require.NoError(t, err)

	last := rec.events[len(rec.events)-1]
	require.Equal(t, EventAborted, last.Type())
	aborted := last.(AbortedEvent)
	assert.Equal(t, "one two", aborted.Message.Content)

	sessionID := rec.events[0].(SessionEvent).SessionID
	loaded, err := fileStore.Load(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "one two", loaded.Messages[1].Content)
	assert.False(t, loaded.Messages[1].Streaming)
}

func TestRunAbortBeforeFirstTokenPersistsNothingExtra(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := engine.NewScriptedProvider()
	provider.Reply = func(string) []string {
		cancel()
		return []string{"never delivered"}
	}
	pipeline, fileStore := newTestPipeline(t, provider)

	rec := &recorder{}
	err := pipeline.Run(ctx, Request{Message: "question", Settings: settings.Normalize(nil)}, rec)
	require.NoError(t, err)

	last := rec.events[len(rec.events)-1]
	require.Equal(t, EventAborted, last.Type())
	assert.Empty(t, last.(AbortedEvent).Message.Content)

	sessionID := rec.events[0].(SessionEvent).SessionID
	loaded, err := fileStore.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 1, "only the user message should be persisted")
}

func TestRunEngineFailureEmitsErrorAndKeepsUserMessage(t *testing.T) {
	provider := engine.NewScriptedProvider()
	provider.FailErr = errors.New("inference backend crashed")
	provider.FailAfter = 2
	pipeline, fileStore := newTestPipeline(t, provider)

	rec := &recorder{}
	err := pipeline.Run(context.Background(), Request{Message: "tell me everything about go", Settings: settings.Normalize(nil)}, rec)
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventSession, EventUserMessage, EventToken, EventToken, EventError}, rec.types())
	assert.Contains(t, rec.events[len(rec.events)-1].(ErrorEvent).Message, "inference backend crashed")

	sessionID := rec.events[0].(SessionEvent).SessionID
	loaded, err := fileStore.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 1, "failed generations must not persist an assistant message")
}

func TestRunEngineLoadFailureEmitsError(t *testing.T) {
	provider := engine.NewScriptedProvider()
	provider.LoadErr = errors.New("no model file found")
	pipeline, _ := newTestPipeline(t, provider)

	rec := &recorder{}
	err := pipeline.Run(context.Background(), Request{Message: "hi", Settings: settings.Normalize(nil)}, rec)
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventSession, EventUserMessage, EventError}, rec.types())
	assert.Contains(t, rec.events[2].(ErrorEvent).Message, "no model file found")
}

func TestRunClientGoneMidStreamPersistsPartial(t *testing.T) {
	provider := engine.NewScriptedProvider()
	provider.Reply = func(string) []string {
		return []string{"a", "b", "c", "d"}
	}
	pipeline, fileStore := newTestPipeline(t, provider)

	rec := &recorder{failAfterTokens: 2}
	err := pipeline.Run(context.Background(), Request{Message: "stream", Settings: settings.Normalize(nil)}, rec)
	// The aborted event cannot be delivered either; Run surfaces the write
	// failure but the partial reply must already be durable.
	require.Error(t, err)

	sessionID := rec.events[0].(SessionEvent).SessionID
	loaded, err := fileStore.Load(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "ab", loaded.Messages[1].Content)
}

func TestConcurrentRunsPersistBothReplies(t *testing.T) {
	provider := engine.NewScriptedProvider()
	pipeline, fileStore := newTestPipeline(t, provider)
	ctx := context.Background()

	seed := store.NewMessage("user", "seed")
	_, err := fileStore.Create(ctx, "shared", &seed)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, message := range []string{"question alpha", "question beta"} {
		wg.Add(1)
		go func(message string) {
			defer wg.Done()
			rec := &recorder{}
			assert.NoError(t, pipeline.Run(ctx, Request{SessionID: "shared", Message: message, Settings: settings.Normalize(nil)}, rec))
			if assert.NotEmpty(t, rec.events) {
				assert.Equal(t, EventDone, rec.events[len(rec.events)-1].Type())
			}
		}(message)
	}
	wg.Wait()

	// Both completed replies must survive on disk: neither run may clobber
	// the other's save with a stale transcript copy.
	loaded, err := fileStore.Load(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 5)

	var replies []string
	for _, msg := range loaded.Messages {
		if msg.Role == "assistant" {
			replies = append(replies, msg.Content)
		}
	}
	assert.ElementsMatch(t, []string{"question alpha", "question beta"}, replies)
}

func TestRunEmitterFailureStopsEngineProducer(t *testing.T) {
	provider := engine.NewScriptedProvider()
	provider.Reply = func(string) []string {
		return []string{"a", "b", "c", "d", "e", "f"}
	}
	pipeline, _ := newTestPipeline(t, provider)

	before := runtime.NumGoroutine()
	for i := 0; i < 8; i++ {
		rec := &recorder{failAfterTokens: 2}
		_ = pipeline.Run(context.Background(), Request{Message: "stream", Settings: settings.Normalize(nil)}, rec)
	}

	// Every producer goroutine must wind down once its run ends, even though
	// the request context itself was never cancelled.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 2*time.Second, 10*time.Millisecond, "engine producer goroutines leaked")
}

func TestSlidingWindowAppliesAfterSnapshotRestore(t *testing.T) {
	provider := engine.NewScriptedProvider()
	pipeline, fileStore := newTestPipeline(t, provider)
	ctx := context.Background()

	conversation, err := fileStore.Create(ctx, "windowed", nil)
	require.NoError(t, err)
	var snapshot []engine.Message
	for i := 0; i < 4; i++ {
		question := fmt.Sprintf("question %d", i)
		answer := fmt.Sprintf("answer %d", i)
		conversation.Messages = append(conversation.Messages,
			store.NewMessage("user", question),
			store.NewMessage("assistant", answer),
		)
		snapshot = append(snapshot,
			engine.Message{Role: engine.RoleUser, Content: question},
			engine.Message{Role: engine.RoleAssistant, Content: answer},
		)
	}
	conversation.ChatHistory, err = json.Marshal(snapshot)
	require.NoError(t, err)
	_, err = fileStore.Save(ctx, conversation)
	require.NoError(t, err)

	window := 1.0
	strategy := "sliding"
	cfg := settings.Normalize(&settings.Input{ContextStrategy: &strategy, MessageWindow: &window})

	rec := &recorder{}
	require.NoError(t, pipeline.Run(ctx, Request{SessionID: "windowed", Message: "question 4", Settings: cfg}, rec))
	require.Equal(t, EventDone, rec.events[len(rec.events)-1].Type())

	// The engine must have seen only the windowed tail of the transcript, not
	// the full 8-message snapshot: one prior turn plus this run's exchange.
	loaded, err := fileStore.Load(ctx, "windowed")
	require.NoError(t, err)
	var engineHistory []engine.Message
	require.NoError(t, json.Unmarshal(loaded.ChatHistory, &engineHistory))
	require.Len(t, engineHistory, 4)
	assert.Equal(t, "question 3", engineHistory[0].Content)
	assert.Equal(t, "answer 3", engineHistory[1].Content)
	assert.Equal(t, "question 4", engineHistory[2].Content)
}

// labeledEmitter funnels two concurrent runs into one ordered log so the
// interleaving of their streams can be asserted.
type labeledEmitter struct {
	mu      *sync.Mutex
	log     *[]recordedEntry
	label   string
	private recorder
}

type recordedEntry struct {
	label string
	event Event
}

func (l *labeledEmitter) Emit(event Event) error {
	l.mu.Lock()
	*l.log = append(*l.log, recordedEntry{label: l.label, event: event})
	l.mu.Unlock()
	return l.private.Emit(event)
}

func TestConcurrentRunsOnSameSessionAreSerialized(t *testing.T) {
	provider := engine.NewScriptedProvider()
	provider.TokensPerSecond = 200
	pipeline, fileStore := newTestPipeline(t, provider)
	ctx := context.Background()

	seed := store.NewMessage("user", "seed")
	conversation, err := fileStore.Create(ctx, "shared", &seed)
	require.NoError(t, err)
	require.Equal(t, "shared", conversation.SessionID)

	var mu sync.Mutex
	var log []recordedEntry

	var wg sync.WaitGroup
	for _, label := range []string{"a", "b"} {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			emitter := &labeledEmitter{mu: &mu, log: &log, label: label}
			message := "several words from " + label
			assert.NoError(t, pipeline.Run(ctx, Request{SessionID: "shared", Message: message, Settings: settings.Normalize(nil)}, emitter))
		}(label)
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent runs did not finish")
	}

	// Once either run streams its first token, every token up to its terminal
	// event must belong to that same run: the second run waits its turn.
	var streaming string
	for _, entry := range log {
		switch entry.event.Type() {
		case EventToken:
			if streaming == "" {
				streaming = entry.label
			}
			assert.Equal(t, streaming, entry.label, "token from one run interleaved into the other's stream")
		case EventDone, EventAborted, EventError:
			if entry.label == streaming {
				streaming = ""
			}
		}
	}
}
