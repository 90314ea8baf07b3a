package chatsync

import (
	"context"
	"errors"
)

// MinGroupMembers is the minimum number of members besides the creator.
const MinGroupMembers = 2

var (
	// ErrGroupTooSmall rejects group creation with fewer than
	// MinGroupMembers other members.
	ErrGroupTooSmall = errors.New("chatsync: a group needs at least 2 other members")

	// ErrNotGroup rejects group mutations aimed at a direct conversation.
	ErrNotGroup = errors.New("chatsync: conversation is not a group")

	// ErrNotGroupAdmin rejects admin-only mutations by non-admins.
	ErrNotGroupAdmin = errors.New("chatsync: only the group admin may do this")

	// ErrNotGroupMember rejects mutations by users outside the group.
	ErrNotGroupMember = errors.New("chatsync: not a member of this group")

	// ErrRemoveAdmin rejects removing the group admin; the service has no
	// admin handoff, so the admin can only leave.
	ErrRemoveAdmin = errors.New("chatsync: the group admin cannot be removed")

	// ErrUnknownConversation is returned when the target conversation is not
	// in the local chat list.
	ErrUnknownConversation = errors.New("chatsync: unknown conversation")
)

type groupAction string

const (
	actionRename       groupAction = "rename"
	actionSetImage     groupAction = "set_image"
	actionAddMember    groupAction = "add_member"
	actionRemoveMember groupAction = "remove_member"
	actionLeave        groupAction = "leave"
)

type groupRole string

const (
	roleMember groupRole = "member"
	roleAdmin  groupRole = "admin"
)

// groupPolicy maps each mutation to the role it requires. Any member may
// add members or leave; rename, image, and removal are admin only.
var groupPolicy = map[groupAction]groupRole{
	actionRename:       roleAdmin,
	actionSetImage:     roleAdmin,
	actionAddMember:    roleMember,
	actionRemoveMember: roleAdmin,
	actionLeave:        roleMember,
}

// GroupCoordinator applies group conversation mutations on behalf of one
// user, enforcing the client-side policy table before calling the service
// and folding the authoritative result back into the store. A rejected
// operation leaves local state untouched.
type GroupCoordinator struct {
	api    *Client
	store  *ConversationStore
	selfID string
}

// NewGroupCoordinator creates a coordinator acting as selfID.
func NewGroupCoordinator(api *Client, store *ConversationStore, selfID string) *GroupCoordinator {
	return &GroupCoordinator{api: api, store: store, selfID: selfID}
}

// CreateGroup creates a group with the given members besides the creator,
// inserts it at the head of the chat list, and returns it. Fewer than
// MinGroupMembers member ids is rejected locally.
func (g *GroupCoordinator) CreateGroup(ctx context.Context, name string, memberIDs []string) (*Conversation, error) {
	if len(memberIDs) < MinGroupMembers {
		return nil, ErrGroupTooSmall
	}
	conv, err := g.api.Groups.Create(ctx, name, memberIDs)
	if err != nil {
		return nil, err
	}
	g.store.InsertConversationHead(*conv)
	return conv, nil
}

// Rename changes the group name. Admin only; other participants learn of the
// change through the conversation-updated push event.
func (g *GroupCoordinator) Rename(ctx context.Context, chatID, newName string) (*Conversation, error) {
	if err := g.authorize(chatID, actionRename); err != nil {
		return nil, err
	}
	conv, err := g.api.Groups.Update(ctx, chatID, GroupUpdate{GroupName: newName})
	if err != nil {
		return nil, err
	}
	g.store.UpdateConversation(*conv)
	return conv, nil
}

// SetImage changes the group image reference. Admin only.
func (g *GroupCoordinator) SetImage(ctx context.Context, chatID, imageRef string) (*Conversation, error) {
	if err := g.authorize(chatID, actionSetImage); err != nil {
		return nil, err
	}
	conv, err := g.api.Groups.Update(ctx, chatID, GroupUpdate{GroupImage: imageRef})
	if err != nil {
		return nil, err
	}
	g.store.UpdateConversation(*conv)
	return conv, nil
}

// AddMember appends a user to the group. Any member may add; a duplicate add
// is a no-op and the server's response is authoritative either way.
func (g *GroupCoordinator) AddMember(ctx context.Context, chatID, userID string) (*Conversation, error) {
	if err := g.authorize(chatID, actionAddMember); err != nil {
		return nil, err
	}
	conv, err := g.api.Groups.AddMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	g.store.UpdateConversation(*conv)
	return conv, nil
}

// RemoveMember removes a user from the group. Admin only; removing the admin
// is unsupported.
func (g *GroupCoordinator) RemoveMember(ctx context.Context, chatID, userID string) (*Conversation, error) {
	if err := g.authorize(chatID, actionRemoveMember); err != nil {
		return nil, err
	}
	if conv, ok := g.store.Conversation(chatID); ok && conv.GroupAdmin == userID {
		return nil, ErrRemoveAdmin
	}
	conv, err := g.api.Groups.RemoveMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	g.store.UpdateConversation(*conv)
	return conv, nil
}

// LeaveGroup removes the caller from the group. The local chat list entry is
// deleted immediately, before the server round-trip resolves; a server error
// is still reported but does not restore the entry.
func (g *GroupCoordinator) LeaveGroup(ctx context.Context, chatID string) error {
	if err := g.authorize(chatID, actionLeave); err != nil {
		return err
	}
	g.store.RemoveConversation(chatID)
	return g.api.Groups.Leave(ctx, chatID)
}

// authorize checks the policy table against the cached conversation. The
// server re-validates everything; this only guarantees that a locally
// rejected operation changes no local state.
func (g *GroupCoordinator) authorize(chatID string, action groupAction) error {
	conv, ok := g.store.Conversation(chatID)
	if !ok {
		return ErrUnknownConversation
	}
	if !conv.IsGroup {
		return ErrNotGroup
	}

	switch groupPolicy[action] {
	case roleAdmin:
		if conv.GroupAdmin != g.selfID {
			return ErrNotGroupAdmin
		}
	case roleMember:
		if !conv.HasParticipant(g.selfID) {
			return ErrNotGroupMember
		}
	}
	return nil
}
