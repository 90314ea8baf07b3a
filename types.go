package chatsync

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the chat service.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return "chat api: " + e.Message
	}
	return e.Message
}

// User is a participant identity as delivered by the service.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Message is a single chat message. The id is server-assigned; messages in a
// conversation are totally ordered by (createdAt, id).
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    User      `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a direct or group chat summary. Group metadata fields are
// zero for direct chats; direct-chat display data derives from the non-self
// participant.
type Conversation struct {
	ID           string    `json:"id"`
	IsGroup      bool      `json:"isGroup"`
	Participants []User    `json:"participants"`
	GroupName    string    `json:"groupName,omitempty"`
	GroupImage   string    `json:"groupImage,omitempty"`
	GroupAdmin   string    `json:"groupAdmin,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Peer returns the first participant that is not selfID. For direct chats
// this is the other side of the conversation.
func (c *Conversation) Peer(selfID string) *User {
	for i := range c.Participants {
		if c.Participants[i].ID != selfID {
			return &c.Participants[i]
		}
	}
	if len(c.Participants) > 0 {
		return &c.Participants[0]
	}
	return nil
}

// DisplayName returns the group name, or for direct chats the other
// participant's display name.
func (c *Conversation) DisplayName(selfID string) string {
	if c.IsGroup {
		return c.GroupName
	}
	if p := c.Peer(selfID); p != nil && p.DisplayName != "" {
		return p.DisplayName
	}
	return "Unknown User"
}

// HasParticipant reports whether userID is in the participant set.
func (c *Conversation) HasParticipant(userID string) bool {
	for i := range c.Participants {
		if c.Participants[i].ID == userID {
			return true
		}
	}
	return false
}

// GroupUpdate carries a rename and/or re-image mutation for a group chat.
// Empty fields are left unchanged by the server.
type GroupUpdate struct {
	GroupName  string `json:"groupName,omitempty"`
	GroupImage string `json:"groupImage,omitempty"`
}

// ============================================================================
// REST response envelopes
// ============================================================================

type chatsResponse struct {
	Chats []Conversation `json:"chats"`
}

type chatResponse struct {
	Chat Conversation `json:"chat"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

type userResponse struct {
	User User `json:"user"`
}

type usersResponse struct {
	Users []User `json:"users"`
}
