package agent

import "sync"

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the agent's conversation memory.
type Message struct {
	Role    Role
	Content string
	// Name is the tool name for RoleTool messages.
	Name string
}

// Memory is the ordered conversation of one agent run.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
	limit    int
}

// NewMemory returns an empty memory keeping at most limit messages (0 = no limit).
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

// Add appends messages, dropping the oldest beyond the limit.
func (m *Memory) Add(msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msgs...)
	if m.limit > 0 && len(m.messages) > m.limit {
		m.messages = append([]Message(nil), m.messages[len(m.messages)-m.limit:]...)
	}
}

// Messages returns a copy of the conversation.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages...)
}

// Len returns the number of stored messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
