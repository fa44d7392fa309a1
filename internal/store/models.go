package store

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Role identifies the speaker of a Turn. The provider's own role vocabulary
// differs; llm.ProviderRole maps between the two.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultTitle is the placeholder a conversation carries until a provisional
// or generated title replaces it.
const DefaultTitle = "New Chat"

type Conversation struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Title        string             `bson:"title" json:"title"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt" json:"updatedAt"`
	MessageCount int                `bson:"messageCount" json:"messageCount"`
}

type Turn struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	ConversationID primitive.ObjectID `bson:"conversationId" json:"conversationId"`
	Role           Role               `bson:"role" json:"role"`
	Content        string             `bson:"content" json:"content"`
	Index          int                `bson:"index" json:"index"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
}
