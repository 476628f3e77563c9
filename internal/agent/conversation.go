package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpagent/internal/llm"
)

// Turn is one message in a conversation and when it was appended.
type Turn struct {
	llm.Message
	At time.Time `json:"at"`
}

// Conversation is an ordered, append-only sequence of turns. It is
// safe for concurrent readers, but a conversation is driven by one
// Run at a time.
type Conversation struct {
	// ID is a uuid v7, so conversation ids sort by creation time.
	ID string

	mu    sync.RWMutex
	turns []Turn
}

// NewConversation starts a conversation. A non-empty systemPrompt
// becomes the first turn.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{ID: newConversationID()}
	if systemPrompt != "" {
		c.Append(llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	return c
}

func newConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Append adds messages at the end of the conversation.
func (c *Conversation) Append(msgs ...llm.Message) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.turns = append(c.turns, Turn{Message: m, At: now})
	}
}

// Messages returns a copy of the conversation as LLM messages.
func (c *Conversation) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Message, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.Message
	}
	return out
}

// Turns returns a copy of the timestamped turns.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Turn(nil), c.turns...)
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Transcript renders the user and assistant turns as
// "[15:04] role: content" lines. System and tool turns, and assistant
// turns that only request tools, are left out.
func (c *Conversation) Transcript() string {
	var sb strings.Builder
	for _, t := range c.Turns() {
		if t.Role != llm.RoleUser && t.Role != llm.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.At.Format("15:04"), t.Role, content)
	}
	return sb.String()
}
