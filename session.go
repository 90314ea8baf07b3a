package chatsync

import (
	"context"
	"log/slog"
	"time"
)

// SessionOptions tunes a Session. The zero value is usable.
type SessionOptions struct {
	// UnreadInterval overrides the unread polling cadence.
	UnreadInterval time.Duration

	// OnUnreadChange is called whenever the unread total changes.
	OnUnreadChange func(int)

	// Realtime tunes the transport session (reconnect policy, heartbeat).
	// AutoReconnect defaults to on for sessions.
	Realtime *RealtimeConfig

	// StoreOptions configure the conversation store, e.g.
	// WithTimestampOrdering.
	StoreOptions []StoreOption

	// Logger receives debug output. Nil disables logging.
	Logger *slog.Logger
}

// Session wires the synchronization components together for one
// authenticated user: it owns the conversation store, the unread tracker,
// the group coordinator and the realtime session, and routes push events
// into the store. The connection manager and coordinator never touch
// conversations or messages directly; every mutation goes through the store.
type Session struct {
	client *Client
	self   User
	log    *slog.Logger

	Store  *ConversationStore
	Unread *UnreadTracker
	Groups *GroupCoordinator

	rt *Realtime
}

// NewSession creates a session for the given user. Call Start to seed the
// store from REST and open the push channel.
func NewSession(client *Client, self User, opts *SessionOptions) *Session {
	o := SessionOptions{}
	if opts != nil {
		o = *opts
	}
	log := o.Logger
	if log == nil {
		log = slog.New(discardHandler{})
	}

	rtCfg := RealtimeConfig{AutoReconnect: true}
	if o.Realtime != nil {
		rtCfg = *o.Realtime
	}
	if rtCfg.Logger == nil {
		rtCfg.Logger = log
	}

	s := &Session{
		client: client,
		self:   self,
		log:    log,
		rt:     client.Realtime(&rtCfg),
	}
	s.Store = NewConversationStore(client, o.StoreOptions...)
	s.Unread = NewUnreadTracker(client, o.UnreadInterval, o.OnUnreadChange)
	s.Groups = NewGroupCoordinator(client, s.Store, self.ID)

	s.rt.OnMessage(func(m Message) {
		s.Store.ApplyIncomingMessage(m)
		s.log.Debug("message received", "chat", m.ChatID, "id", m.ID, "sender", m.Sender.ID)
	})
	s.rt.OnChatUpdated(func(p ChatUpdatedPayload) {
		// Coarse invalidation: refetch the whole list.
		if err := s.Store.ApplyConversationUpdate(context.Background(), p.ChatID); err != nil {
			s.log.Warn("chat list refresh failed", "chat", p.ChatID, "err", err)
		}
	})
	s.rt.OnNewGroupChat(func(c Conversation) {
		if _, err := s.Store.LoadConversations(context.Background()); err != nil {
			s.log.Warn("chat list refresh failed", "chat", c.ID, "err", err)
		}
	})
	s.rt.OnDisconnected(func(reason string) {
		s.log.Info("transport disconnected", "reason", reason)
	})
	s.rt.OnReconnecting(func(attempt int, delay time.Duration) {
		s.log.Info("transport reconnecting", "attempt", attempt, "delay", delay)
	})

	return s
}

// Self returns the session's user identity.
func (s *Session) Self() User {
	return s.self
}

// Realtime exposes the underlying transport session, e.g. for extra event
// handlers or state inspection.
func (s *Session) Realtime() *Realtime {
	return s.rt
}

// Start seeds the conversation list from REST, begins unread polling, and
// connects the push channel. A transport connect failure is not fatal: the
// session degrades to REST-only until a later Connect succeeds.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.Store.LoadConversations(ctx); err != nil {
		return err
	}
	s.Unread.Start(ctx)

	if err := s.rt.Connect(ctx, s.self.ID); err != nil {
		s.log.Warn("transport connect failed", "err", err)
	}
	return nil
}

// Connect (re)establishes the push channel without reloading REST state.
func (s *Session) Connect(ctx context.Context) error {
	return s.rt.Connect(ctx, s.self.ID)
}

// OpenConversation activates a conversation: loads its message page, joins
// its push room, and marks it read. Returns the loaded messages.
func (s *Session) OpenConversation(ctx context.Context, chatID string) ([]Message, error) {
	msgs, err := s.Store.Activate(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.rt.JoinChat(ctx, chatID); err != nil {
		s.log.Warn("join room failed", "chat", chatID, "err", err)
	}
	if err := s.Unread.MarkRead(ctx, chatID); err != nil {
		s.log.Warn("mark read failed", "chat", chatID, "err", err)
	}
	return msgs, nil
}

// SendMessage publishes a message to the active conversation. The send is
// fire-and-forget: the caller may clear its input immediately and rely on
// the server echo (deduplicated by the store) for display.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	chatID := s.Store.ActiveID()
	if chatID == "" {
		return ErrUnknownConversation
	}
	return s.rt.SendMessage(ctx, chatID, s.self.ID, content)
}

// Close stops polling and releases the transport session.
func (s *Session) Close() error {
	s.Unread.Stop()
	return s.rt.Disconnect()
}

// discardHandler drops all records; used when no logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
