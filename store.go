package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrStaleLoad is returned by Activate when its response was superseded by a
// newer activation and therefore discarded instead of applied.
var ErrStaleLoad = errors.New("chatsync: stale load discarded")

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

// WithTimestampOrdering makes the store insert push-delivered messages at
// their (createdAt, id) sorted position instead of appending in arrival
// order. Arrival order is the default; it is simpler but can misorder
// messages under network jitter.
func WithTimestampOrdering() StoreOption {
	return func(s *ConversationStore) { s.byTimestamp = true }
}

// ConversationStore is the single in-memory source of truth for the chat
// list and the active conversation's messages, reconciled between REST
// fetches and push events. All other components mutate conversations and
// messages only through this store.
//
// Reconciliation contract: a message id appears in the active list at most
// once; push events arriving while the active page load is in flight are
// buffered and replayed in arrival order once the load lands; a load
// response for a conversation that is no longer active is discarded.
type ConversationStore struct {
	api *Client

	mu          sync.Mutex
	chats       []Conversation
	activeID    string
	messages    []Message
	seen        map[string]struct{}
	pending     []Message
	loading     bool
	loadGen     uint64
	byTimestamp bool
}

// NewConversationStore creates a store backed by the given REST client.
func NewConversationStore(api *Client, opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		api:  api,
		seen: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadConversations fetches the conversation summary list and replaces the
// local list wholesale, keeping the server's last-activity ordering. On
// error the prior list is left untouched.
func (s *ConversationStore) LoadConversations(ctx context.Context) ([]Conversation, error) {
	chats, err := s.api.Chats.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.chats = chats
	out := append([]Conversation(nil), s.chats...)
	s.mu.Unlock()
	return out, nil
}

// Chats returns a snapshot of the conversation list.
func (s *ConversationStore) Chats() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.chats...)
}

// Conversation returns the cached conversation with the given id, if any.
func (s *ConversationStore) Conversation(chatID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.chats {
		if s.chats[i].ID == chatID {
			return s.chats[i], true
		}
	}
	return Conversation{}, false
}

// ActiveID returns the id of the active conversation, or "".
func (s *ConversationStore) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Messages returns a snapshot of the active conversation's message list.
func (s *ConversationStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Activate makes chatID the active conversation and loads its message page,
// replacing the local list wholesale. Push events arriving before the load
// resolves are buffered and replayed, in arrival order, after it. If a newer
// activation supersedes this one while the fetch is in flight, the response
// is discarded and ErrStaleLoad returned.
func (s *ConversationStore) Activate(ctx context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.activeID = chatID
	s.loading = true
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.pending = nil
	s.mu.Unlock()

	msgs, err := s.api.Chats.Messages(ctx, chatID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadGen != gen {
		// Superseded while in flight; the newer activation owns the state.
		return nil, ErrStaleLoad
	}
	s.loading = false

	if err != nil {
		// Failed load leaves the conversation active but empty; the caller
		// may retry. Buffered events stay applicable.
		msgs = nil
	}

	s.messages = msgs
	s.seen = make(map[string]struct{}, len(msgs))
	for i := range msgs {
		s.seen[msgs[i].ID] = struct{}{}
	}
	for _, m := range s.pending {
		s.appendLocked(m)
	}
	s.pending = nil

	if err != nil {
		return nil, err
	}
	return append([]Message(nil), s.messages...), nil
}

// ApplyIncomingMessage merges one push-delivered message. For the active
// conversation it lands in the message list (buffered if the page load is
// still in flight); for any other conversation only the chat-list summary is
// updated, leaving its messages to the next explicit load.
func (s *ConversationStore) ApplyIncomingMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chats {
		if s.chats[i].ID == msg.ChatID {
			m := msg
			s.chats[i].LastMessage = &m
			if msg.CreatedAt.After(s.chats[i].UpdatedAt) {
				s.chats[i].UpdatedAt = msg.CreatedAt
			}
			break
		}
	}

	if msg.ChatID != s.activeID {
		return
	}
	if s.loading {
		s.pending = append(s.pending, msg)
		return
	}
	s.appendLocked(msg)
}

// appendLocked inserts msg into the active list unless its id is already
// present. Arrival-order append by default; (createdAt, id) insertion when
// timestamp ordering is enabled.
func (s *ConversationStore) appendLocked(msg Message) {
	if _, dup := s.seen[msg.ID]; dup {
		return
	}
	s.seen[msg.ID] = struct{}{}

	if !s.byTimestamp {
		s.messages = append(s.messages, msg)
		return
	}

	i := sort.Search(len(s.messages), func(i int) bool {
		m := s.messages[i]
		if !m.CreatedAt.Equal(msg.CreatedAt) {
			return m.CreatedAt.After(msg.CreatedAt)
		}
		return m.ID > msg.ID
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

// ApplyConversationUpdate invalidates the chat list for a conversation-level
// change and refetches the full list. Nothing is patched in place.
func (s *ConversationStore) ApplyConversationUpdate(ctx context.Context, chatID string) error {
	_, err := s.LoadConversations(ctx)
	return err
}

// UpdateConversation replaces the cached entry matching conv.ID. Used by the
// group coordinator after a mutation returns the authoritative conversation.
func (s *ConversationStore) UpdateConversation(conv Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.chats {
		if s.chats[i].ID == conv.ID {
			s.chats[i] = conv
			return true
		}
	}
	return false
}

// InsertConversationHead puts conv at the head of the chat list, replacing
// any existing entry with the same id.
func (s *ConversationStore) InsertConversationHead(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := make([]Conversation, 0, len(s.chats)+1)
	rest = append(rest, conv)
	for i := range s.chats {
		if s.chats[i].ID != conv.ID {
			rest = append(rest, s.chats[i])
		}
	}
	s.chats = rest
}

// RemoveConversation drops a conversation from the local view, clearing the
// active state if it was active. Conversations are never hard-deleted
// server-side; this only removes the local participant's view.
func (s *ConversationStore) RemoveConversation(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.chats[:0]
	for i := range s.chats {
		if s.chats[i].ID != chatID {
			kept = append(kept, s.chats[i])
		}
	}
	s.chats = kept

	if s.activeID == chatID {
		s.activeID = ""
		s.messages = nil
		s.seen = make(map[string]struct{})
		s.pending = nil
		s.loading = false
	}
}
