package history

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single conversational message as exchanged with the chat backend.
type Message struct {
	Role         Role   `json:"role"`
	Content      string `json:"content"`
	DeepThinking bool   `json:"isDeepThinking,omitempty"`
}
