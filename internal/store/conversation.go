// Package store persists conversations as one flat JSON file per session and
// computes the derived summary fields shown in conversation lists.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/privateai/localchat/internal/engine"
)

const (
	titleMaxLen   = 80
	previewMaxLen = 160
	defaultTitle  = "New chat"
)

// Message is one persisted chat turn. Streaming is transient: it is true
// only in memory while tokens are arriving and is stripped before any write.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Streaming bool      `json:"streaming,omitempty"`
}

// Conversation is the full persisted transcript for one session.
type Conversation struct {
	SessionID   string          `json:"sessionId"`
	Messages    []Message       `json:"messages"`
	ChatHistory json.RawMessage `json:"chatHistory,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Title       string          `json:"title"`
	Preview     *string         `json:"preview"`
}

// Summary is the list-friendly projection of a conversation.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	Preview      *string   `json:"preview"`
}

// NewMessage creates a message with a fresh ID and the current timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionID mints an identifier: base36 milliseconds plus random hex.
func NewSessionID() string {
	random := make([]byte, 4)
	_, _ = rand.Read(random)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(random)
}

// DeriveTitle returns the first line of the first non-empty user message,
// truncated to 80 characters with an ellipsis, or "New chat".
func DeriveTitle(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != string(engine.RoleUser) {
			continue
		}
		if trimmed := strings.TrimSpace(msg.Content); trimmed != "" {
			return truncate(firstLine(trimmed), titleMaxLen, true)
		}
	}
	return defaultTitle
}

// DerivePreview returns the first line of the last message with non-empty
// trimmed content, capped at 160 characters, or nil when no such message
// exists.
func DerivePreview(messages []Message) *string {
	for i := len(messages) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(messages[i].Content)
		if trimmed == "" {
			continue
		}
		preview := truncate(firstLine(trimmed), previewMaxLen, false)
		return &preview
	}
	return nil
}

// BuildSummary projects a conversation onto its Summary.
func BuildSummary(c *Conversation) Summary {
	return Summary{
		SessionID:    c.SessionID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
		Preview:      c.Preview,
	}
}

// Normalize fills missing identity fields and recomputes the derived ones.
// Derived fields are never trusted from disk.
func (c *Conversation) Normalize() {
	if c.SessionID == "" {
		c.SessionID = NewSessionID()
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Title = DeriveTitle(c.Messages)
	c.Preview = DerivePreview(c.Messages)
}

// EngineHistory converts the transcript into engine messages, skipping
// anything still marked streaming.
func (c *Conversation) EngineHistory() []engine.Message {
	history := make([]engine.Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if msg.Streaming {
			continue
		}
		history = append(history, engine.Message{
			Role:    engine.Role(msg.Role),
			Content: msg.Content,
		})
	}
	return history
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

func truncate(s string, max int, ellipsis bool) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if ellipsis {
		return string(runes[:max]) + "…"
	}
	return string(runes[:max])
}
