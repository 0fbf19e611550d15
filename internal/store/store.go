package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/privateai/localchat/internal/observability"
)

// ErrNotFound signals that no conversation exists for a session identifier.
var ErrNotFound = errors.New("conversation not found")

// Layout is the on-disk storage tree rooted at the base directory.
type Layout struct {
	Base   string
	Chats  string
	Config string
	Models string
	Logs   string
	Index  string
}

// NewLayout creates the storage subdirectories under base if needed.
func NewLayout(base string) (Layout, error) {
	resolved, err := filepath.Abs(base)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve base directory: %w", err)
	}
	layout := Layout{
		Base:   resolved,
		Chats:  filepath.Join(resolved, "Chats"),
		Config: filepath.Join(resolved, "Config"),
		Models: filepath.Join(resolved, "Models"),
		Logs:   filepath.Join(resolved, "Logs"),
		Index:  filepath.Join(resolved, "Index"),
	}
	for _, dir := range []string{layout.Base, layout.Chats, layout.Config, layout.Models, layout.Logs, layout.Index} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return Layout{}, fmt.Errorf("create storage directory %s: %w", dir, err)
		}
	}
	return layout, nil
}

// FileStore reads and writes conversations under <base>/Chats, one JSON file
// per session. Read-modify-write sequences go through Update, which holds the
// store's write lock so concurrent requests cannot overwrite each other's
// appends.
type FileStore struct {
	layout Layout
	logger observability.Logger

	mu sync.Mutex
}

// NewFileStore creates a store over an existing layout.
func NewFileStore(layout Layout, logger observability.Logger) *FileStore {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &FileStore{layout: layout, logger: logger}
}

// Layout exposes the storage tree, e.g. for model discovery.
func (s *FileStore) Layout() Layout {
	return s.layout
}

func (s *FileStore) conversationPath(sessionID string) string {
	return filepath.Join(s.layout.Chats, sessionID+".json")
}

// Create allocates a conversation, minting an identifier when none is given,
// and writes the initial file. firstMessage may be nil for an empty
// conversation.
func (s *FileStore) Create(ctx context.Context, sessionID string, firstMessage *Message) (*Conversation, error) {
	now := time.Now().UTC()
	conversation := &Conversation{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if firstMessage != nil {
		conversation.Messages = []Message{*firstMessage}
	}
	conversation.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// Load reads and normalizes a conversation. A missing file is ErrNotFound,
// not a failure.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*Conversation, error) {
	return s.load(sessionID)
}

func (s *FileStore) load(sessionID string) (*Conversation, error) {
	data, err := os.ReadFile(s.conversationPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("read conversation %s: %w", sessionID, err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", sessionID, err)
	}
	if conversation.SessionID == "" {
		conversation.SessionID = sessionID
	}
	conversation.Normalize()
	return &conversation, nil
}

// Save strips transient streaming flags, recomputes the derived fields and
// updatedAt, and writes the file atomically. The returned conversation is
// the normalized one.
func (s *FileStore) Save(ctx context.Context, conversation *Conversation) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(conversation)
}

func (s *FileStore) save(conversation *Conversation) (*Conversation, error) {
	for i := range conversation.Messages {
		conversation.Messages[i].Streaming = false
	}
	conversation.UpdatedAt = time.Now().UTC()
	conversation.Normalize()

	if err := s.write(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// Update applies mutate to the latest persisted state of a conversation and
// saves the result, all under the store's write lock. Concurrent requests for
// the same session each see the other's writes instead of clobbering them
// with stale in-memory copies.
func (s *FileStore) Update(ctx context.Context, sessionID string, mutate func(*Conversation) error) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if err := mutate(conversation); err != nil {
		return nil, err
	}
	return s.save(conversation)
}

// List enumerates all persisted conversations as summaries, newest first.
// Corrupt files are logged and skipped rather than failing the listing.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.layout.Chats)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("read chats directory: %w", err)
	}

	summaries := []Summary{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		conversation, err := s.Load(ctx, sessionID)
		if err != nil {
			s.logger.WithErr(err).WithFields(map[string]interface{}{"sessionId": sessionID}).Warn("skipping unreadable conversation")
			continue
		}
		summaries = append(summaries, BuildSummary(conversation))
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		switch {
		case a.UpdatedAt.IsZero() && b.UpdatedAt.IsZero():
			return a.SessionID > b.SessionID
		case a.UpdatedAt.IsZero():
			return false
		case b.UpdatedAt.IsZero():
			return true
		case a.UpdatedAt.Equal(b.UpdatedAt):
			return a.SessionID > b.SessionID
		default:
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	})
	return summaries, nil
}

// write marshals the conversation and replaces its file atomically via a
// temp file and rename.
func (s *FileStore) write(conversation *Conversation) error {
	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conversation.SessionID, err)
	}

	target := s.conversationPath(conversation.SessionID)
	temp := target + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return fmt.Errorf("write conversation %s: %w", conversation.SessionID, err)
	}
	if err := os.Rename(temp, target); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("save conversation %s: %w", conversation.SessionID, err)
	}
	return nil
}
