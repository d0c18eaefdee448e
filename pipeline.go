package teamline

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Composer holds the per-conversation input state: the draft text, staged
// attachments, an optional reply target, and edit-in-progress state. The
// engine owns composers; callers read snapshots via ComposerState.
type Composer struct {
	ConversationID string
	Draft          string
	Attachments    []StagedAttachment
	ReplyTo        *ReplyRef

	// EditingID is non-empty while an edit is in progress.
	EditingID string
	EditDraft string
}

func (c *Composer) empty() bool {
	return strings.TrimSpace(c.Draft) == "" && len(c.Attachments) == 0
}

func (c *Composer) clear() {
	c.Draft = ""
	c.Attachments = nil
	c.ReplyTo = nil
}

// composer returns the conversation's composer, creating it on first use.
// Caller holds e.mu.
func (e *SyncEngine) composer(conversationID string) *Composer {
	c, ok := e.composers[conversationID]
	if !ok {
		c = &Composer{ConversationID: conversationID}
		e.composers[conversationID] = c
	}
	return c
}

// ComposerState returns a snapshot of a conversation's input state.
func (e *SyncEngine) ComposerState(conversationID string) Composer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.composer(conversationID)
}

// UpdateDraft records the current input text and signals typing to the room.
// The typing signal is sent once per burst and a stop follows automatically
// after the keystrokes cease.
func (e *SyncEngine) UpdateDraft(conversationID, text string) {
	e.mu.Lock()
	e.composer(conversationID).Draft = text
	e.mu.Unlock()
	if strings.TrimSpace(text) != "" {
		e.broadcaster.keystroke(conversationID)
	}
}

// StageAttachment adds a pending attachment to the conversation's composer.
func (e *SyncEngine) StageAttachment(conversationID string, att StagedAttachment) {
	e.mu.Lock()
	e.composer(conversationID).Attachments = append(e.composer(conversationID).Attachments, att)
	e.mu.Unlock()
}

// UnstageAttachment removes a staged attachment by index. Out-of-range
// indexes are ignored.
func (e *SyncEngine) UnstageAttachment(conversationID string, index int) {
	e.mu.Lock()
	c := e.composer(conversationID)
	if index >= 0 && index < len(c.Attachments) {
		c.Attachments = append(c.Attachments[:index], c.Attachments[index+1:]...)
	}
	e.mu.Unlock()
}

// SetReply targets the composer at a message to reply to; nil clears it.
func (e *SyncEngine) SetReply(conversationID string, ref *ReplyRef) {
	e.mu.Lock()
	e.composer(conversationID).ReplyTo = ref
	e.mu.Unlock()
}

// Send delivers the composer's content optimistically: the input clears
// immediately so the user can keep typing, and on failure the draft and
// attachments are restored with nothing added to the store. The confirmed
// message is appended through the same dedup path as push events, so a
// room broadcast arriving first is harmless.
func (e *SyncEngine) Send(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	c := e.composer(conversationID)
	if c.empty() {
		e.mu.Unlock()
		return nil
	}
	draft := c.Draft
	attachments := c.Attachments
	replyTo := c.ReplyTo
	c.clear()
	e.mu.Unlock()

	e.broadcaster.stopNow(conversationID)
	e.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})

	msg, err := e.rest.Messages.Send(ctx, conversationID, draft, &SendOptions{
		Attachments: attachments,
		ReplyTo:     replyTo,
	})
	if err != nil {
		e.restoreComposer(conversationID, draft, attachments, replyTo)
		e.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
		return errors.Wrap(err, "send message")
	}

	e.Apply(SyncEvent{Type: SyncMessageNew, Message: msg})
	return nil
}

// restoreComposer puts a failed send's content back into the input. Text
// typed while the request was in flight is kept after the restored draft.
func (e *SyncEngine) restoreComposer(conversationID, draft string, attachments []StagedAttachment, replyTo *ReplyRef) {
	e.mu.Lock()
	c := e.composer(conversationID)
	if c.Draft != "" {
		c.Draft = draft + c.Draft
	} else {
		c.Draft = draft
	}
	c.Attachments = append(attachments, c.Attachments...)
	if c.ReplyTo == nil {
		c.ReplyTo = replyTo
	}
	e.mu.Unlock()
}

// BeginEdit opens an edit session on one of the local user's own messages.
func (e *SyncEngine) BeginEdit(conversationID, messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.messages.Get(conversationID, messageID)
	if m == nil {
		return errors.Errorf("message %s not found", messageID)
	}
	if normalizeIdentity(m.Sender) != e.localUser {
		return errors.New("cannot edit another user's message")
	}
	c := e.composer(conversationID)
	c.EditingID = messageID
	c.EditDraft = m.Body
	return nil
}

// UpdateEditDraft records the in-progress edit text.
func (e *SyncEngine) UpdateEditDraft(conversationID, text string) {
	e.mu.Lock()
	e.composer(conversationID).EditDraft = text
	e.mu.Unlock()
}

// CancelEdit abandons the edit session without touching the message.
func (e *SyncEngine) CancelEdit(conversationID string) {
	e.mu.Lock()
	c := e.composer(conversationID)
	c.EditingID = ""
	c.EditDraft = ""
	e.mu.Unlock()
}

// CommitEdit sends the edited body. The cached message changes only on
// server confirmation; on failure the edit session stays open so the user
// can retry or cancel.
func (e *SyncEngine) CommitEdit(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	c := e.composer(conversationID)
	messageID := c.EditingID
	body := c.EditDraft
	e.mu.Unlock()
	if messageID == "" {
		return errors.New("no edit in progress")
	}

	msg, err := e.rest.Messages.Edit(ctx, conversationID, messageID, body)
	if err != nil {
		return errors.Wrap(err, "edit message")
	}

	e.mu.Lock()
	c.EditingID = ""
	c.EditDraft = ""
	e.mu.Unlock()
	e.Apply(SyncEvent{Type: SyncMessageUpdated, Message: msg})
	return nil
}

// Delete removes a message, confirmation first: the cached copy stays (marked
// as deleting) until the server acknowledges. The REST response and the room
// broadcast both funnel through the same tombstoned removal, so whichever
// lands first wins and the other is a no-op.
func (e *SyncEngine) Delete(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	m := e.messages.Get(conversationID, messageID)
	if m == nil {
		e.mu.Unlock()
		return errors.Errorf("message %s not found", messageID)
	}
	readBy := append([]string(nil), m.ReadBy...)
	e.deleting[messageID] = true
	e.mu.Unlock()
	e.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})

	if err := e.rest.Messages.Delete(ctx, conversationID, messageID); err != nil {
		e.mu.Lock()
		delete(e.deleting, messageID)
		e.mu.Unlock()
		e.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
		return errors.Wrap(err, "delete message")
	}

	e.Apply(SyncEvent{Type: SyncMessageDeleted, Deleted: &MessageDeletedPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		ReadBy:         readBy,
	}})
	return nil
}

// Deleting reports whether a delete is awaiting server confirmation.
func (e *SyncEngine) Deleting(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleting[messageID]
}

// MarkRead tells the server everything in the conversation has been read
// and zeroes the local counter on success.
func (e *SyncEngine) MarkRead(ctx context.Context, conversationID string) error {
	if err := e.rest.Conversations.MarkRead(ctx, conversationID); err != nil {
		return errors.Wrap(err, "mark read")
	}
	e.mu.Lock()
	zero := 0
	e.conversations.Patch(conversationID, ConversationPatch{UnreadCount: &zero})
	msgs := e.messages.Messages(conversationID)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	e.messages.MarkRead(conversationID, e.localUser, ids)
	e.mu.Unlock()
	e.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
	return nil
}

// SetActiveConversation switches which conversation the user is viewing.
// Leaving a conversation cancels its pending typing stop immediately;
// entering one zeroes its unread counter and reports the read state to the
// server. Pass the empty string when no conversation is open.
func (e *SyncEngine) SetActiveConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	previous := e.active
	e.active = conversationID
	e.mu.Unlock()

	if previous != "" && previous != conversationID {
		e.broadcaster.stopNow(previous)
	}
	if conversationID == "" {
		return nil
	}
	if c := e.conversation(conversationID); c != nil && c.UnreadCount == 0 {
		return nil
	}
	return e.MarkRead(ctx, conversationID)
}

// ActiveConversation returns the id of the conversation currently viewed.
func (e *SyncEngine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *SyncEngine) conversation(id string) *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.conversations.Get(id); c != nil {
		snapshot := *c
		return &snapshot
	}
	return nil
}
