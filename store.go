package teamline

import (
	"sort"
	"strings"
	"time"

	"github.com/aquilax/truncate"
)

// previewLimit is the number of characters of body text kept in a
// conversation's last-message preview.
const previewLimit = 70

// ============================================================================
// Dedup Ledger
// ============================================================================

// dedupLedger records every message id already applied to the message store,
// plus a tombstone set for deleted ids. An id present in either set is
// rejected on re-delivery, which is what makes the REST-vs-push race and
// reconnect replays safe to ignore.
type dedupLedger struct {
	applied    map[string]struct{}
	tombstones map[string]struct{}
}

func newDedupLedger() *dedupLedger {
	return &dedupLedger{
		applied:    make(map[string]struct{}),
		tombstones: make(map[string]struct{}),
	}
}

// admit reports whether the id is new, recording it if so.
func (l *dedupLedger) admit(id string) bool {
	if _, ok := l.applied[id]; ok {
		return false
	}
	if _, ok := l.tombstones[id]; ok {
		return false
	}
	l.applied[id] = struct{}{}
	return true
}

// bury moves an id into the tombstone set. Late-arriving inserts or updates
// for a buried id are dropped.
func (l *dedupLedger) bury(id string) {
	delete(l.applied, id)
	l.tombstones[id] = struct{}{}
}

func (l *dedupLedger) buried(id string) bool {
	_, ok := l.tombstones[id]
	return ok
}

// ============================================================================
// Conversation Store
// ============================================================================

// ConversationStore is the authoritative local list of conversations.
//
// NOTE: the store is not goroutine-safe — the sync engine serializes all
// access to it.
type ConversationStore struct {
	byID map[string]*Conversation
}

// NewConversationStore creates an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{byID: make(map[string]*Conversation)}
}

// Get returns the conversation with the given id, or nil.
func (s *ConversationStore) Get(id string) *Conversation {
	return s.byID[id]
}

// Len returns the number of known conversations.
func (s *ConversationStore) Len() int {
	return len(s.byID)
}

// List returns all conversations, most recently updated first, ties broken
// by id.
func (s *ConversationStore) List() []*Conversation {
	out := make([]*Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upsert inserts the conversation if absent, otherwise shallow-merges its
// metadata by id. The unread counter of an existing conversation is never
// touched here: metadata-only payloads must not regress a count that local
// events have already advanced. Unread changes go through Patch.
func (s *ConversationStore) Upsert(c Conversation) *Conversation {
	existing, ok := s.byID[c.ID]
	if !ok {
		cp := c
		if cp.UnreadCount < 0 {
			cp.UnreadCount = 0
		}
		s.byID[c.ID] = &cp
		return &cp
	}

	if c.Kind != "" {
		existing.Kind = c.Kind
	}
	if c.Title != "" {
		existing.Title = c.Title
	}
	if len(c.Participants) > 0 {
		existing.Participants = c.Participants
	}
	if c.LastPreview != "" {
		existing.LastPreview = c.LastPreview
	}
	if c.LastAttachment != nil {
		existing.LastAttachment = c.LastAttachment
	}
	if c.Counterpart != nil {
		existing.Counterpart = c.Counterpart
	}
	if c.UpdatedAt.After(existing.UpdatedAt) {
		existing.UpdatedAt = c.UpdatedAt
	}
	return existing
}

// ConversationPatch is a partial conversation update. Nil fields are left
// untouched.
type ConversationPatch struct {
	Title          *string
	UnreadCount    *int
	LastPreview    *string
	LastAttachment *AttachmentSummary
	Counterpart    *Counterpart
	Online         *bool
	LastActive     *time.Time
	UpdatedAt      *time.Time
}

// Patch applies a partial update to the conversation with the given id.
// Unknown ids are a no-op. The unread counter is floored at zero.
func (s *ConversationStore) Patch(id string, p ConversationPatch) {
	c, ok := s.byID[id]
	if !ok {
		return
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
	}
	if p.LastPreview != nil {
		c.LastPreview = *p.LastPreview
	}
	if p.LastAttachment != nil {
		c.LastAttachment = p.LastAttachment
	}
	if p.Counterpart != nil {
		c.Counterpart = p.Counterpart
	}
	if p.Online != nil && c.Counterpart != nil {
		c.Counterpart.Online = *p.Online
	}
	if p.LastActive != nil && c.Counterpart != nil {
		c.Counterpart.LastActive = *p.LastActive
	}
	if p.UpdatedAt != nil && p.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = *p.UpdatedAt
	}
}

// ============================================================================
// Message Store
// ============================================================================

// MessageStore holds per-conversation ordered message lists, guarded by the
// dedup ledger. Like ConversationStore it is not goroutine-safe; the sync
// engine serializes all callers.
type MessageStore struct {
	conversations *ConversationStore
	byConv        map[string][]*Message
	ledger        *dedupLedger
	localUser     string
}

// NewMessageStore creates a message store bound to a conversation store.
// localUser is the normalized identity of the local account, used to decide
// whether a removed message counted as unread.
func NewMessageStore(conversations *ConversationStore, localUser string) *MessageStore {
	return &MessageStore{
		conversations: conversations,
		byConv:        make(map[string][]*Message),
		ledger:        newDedupLedger(),
		localUser:     normalizeIdentity(localUser),
	}
}

// Messages returns the ordered message list for a conversation.
func (s *MessageStore) Messages(conversationID string) []*Message {
	return s.byConv[conversationID]
}

// Get returns a message by id within a conversation, or nil.
func (s *MessageStore) Get(conversationID, messageID string) *Message {
	for _, m := range s.byConv[conversationID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// Known reports whether the message id has been applied (and not deleted).
func (s *MessageStore) Known(messageID string) bool {
	_, ok := s.ledger.applied[messageID]
	return ok
}

// Deleted reports whether the message id has been tombstoned.
func (s *MessageStore) Deleted(messageID string) bool {
	return s.ledger.buried(messageID)
}

// Append inserts the message at the end of its conversation and reports
// whether an actual insert happened. A second delivery of the same id — REST
// confirmation racing the push event, or push replays after reconnect — is a
// silent no-op, as is any id already tombstoned.
func (s *MessageStore) Append(conversationID string, msg Message) bool {
	if !s.ledger.admit(msg.ID) {
		return false
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	cp := msg
	s.byConv[conversationID] = append(s.byConv[conversationID], &cp)
	s.refreshPreview(conversationID, &cp)
	return true
}

// MessagePatch is a partial message update. ReadBy entries are unioned in —
// a read-by set never shrinks.
type MessagePatch struct {
	Body        *string
	Attachments []Attachment
	UpdatedAt   *time.Time
	ReadBy      []string
}

// Replace merges the patch into the message with the given id. If the edited
// message is the last one in its conversation the preview is regenerated from
// it. Unknown or tombstoned ids are a no-op.
func (s *MessageStore) Replace(conversationID, messageID string, patch MessagePatch) bool {
	if s.ledger.buried(messageID) {
		return false
	}
	msgs := s.byConv[conversationID]
	for i, m := range msgs {
		if m.ID != messageID {
			continue
		}
		if patch.Body != nil {
			m.Body = *patch.Body
		}
		if patch.Attachments != nil {
			m.Attachments = patch.Attachments
		}
		if patch.UpdatedAt != nil {
			m.UpdatedAt = *patch.UpdatedAt
		}
		for _, reader := range patch.ReadBy {
			addReader(m, reader)
		}
		if i == len(msgs)-1 {
			s.refreshPreview(conversationID, m)
		}
		return true
	}
	return false
}

// Remove deletes the message, tombstones its id, and — when the message was
// unread for the local user — decrements the conversation's unread counter by
// one, floored at zero. readBy, when provided by the push payload, overrides
// the locally cached read-set for the unread decision. Removing an id twice
// (local confirmation after the push delete, or vice versa) is idempotent.
func (s *MessageStore) Remove(conversationID, messageID string, readBy []string) bool {
	s.ledger.bury(messageID)

	msgs := s.byConv[conversationID]
	for i, m := range msgs {
		if m.ID != messageID {
			continue
		}
		s.byConv[conversationID] = append(msgs[:i], msgs[i+1:]...)

		readers := m.ReadBy
		if readBy != nil {
			readers = readBy
		}
		if s.wasUnread(m.Sender, readers) {
			if c := s.conversations.Get(conversationID); c != nil && c.UnreadCount > 0 {
				n := c.UnreadCount - 1
				s.conversations.Patch(conversationID, ConversationPatch{UnreadCount: &n})
			}
		}

		if rest := s.byConv[conversationID]; len(rest) > 0 {
			s.refreshPreview(conversationID, rest[len(rest)-1])
		} else {
			empty := ""
			s.conversations.Patch(conversationID, ConversationPatch{
				LastPreview:    &empty,
				LastAttachment: &AttachmentSummary{},
			})
		}
		return true
	}
	return false
}

// MarkRead adds the user to the read-by set of the listed messages. Entries
// are only ever added, never removed.
func (s *MessageStore) MarkRead(conversationID, userEmail string, messageIDs []string) int {
	marked := 0
	for _, id := range messageIDs {
		if m := s.Get(conversationID, id); m != nil {
			if addReader(m, userEmail) {
				marked++
			}
		}
	}
	return marked
}

func (s *MessageStore) wasUnread(sender string, readBy []string) bool {
	if s.localUser == "" || normalizeIdentity(sender) == s.localUser {
		return false
	}
	for _, r := range readBy {
		if normalizeIdentity(r) == s.localUser {
			return false
		}
	}
	return true
}

func (s *MessageStore) refreshPreview(conversationID string, last *Message) {
	preview, summary := previewFor(last)
	s.conversations.Patch(conversationID, ConversationPatch{
		LastPreview:    &preview,
		LastAttachment: summary,
		UpdatedAt:      &last.CreatedAt,
	})
}

func addReader(m *Message, userEmail string) bool {
	norm := normalizeIdentity(userEmail)
	if norm == "" {
		return false
	}
	for _, r := range m.ReadBy {
		if normalizeIdentity(r) == norm {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, userEmail)
	return true
}

// ============================================================================
// Preview generation
// ============================================================================

// previewFor derives a conversation's last-message preview: the body trimmed
// to previewLimit characters, or a label built from the attachment kinds when
// the body is empty.
func previewFor(m *Message) (string, *AttachmentSummary) {
	summary := &AttachmentSummary{}
	for _, a := range m.Attachments {
		switch a.Kind {
		case AttachmentImage:
			summary.Images++
		case AttachmentVideo:
			summary.Videos++
		}
	}

	if m.Body != "" {
		return truncate.Truncate(m.Body, previewLimit, "…", truncate.PositionEnd), summary
	}
	return attachmentLabel(summary.Images, summary.Videos), summary
}

func attachmentLabel(images, videos int) string {
	photo := pluralize("photo", images)
	video := pluralize("video", videos)
	switch {
	case images > 0 && videos > 0:
		return photo + " and " + video
	case images > 0:
		return photo
	case videos > 0:
		return video
	default:
		return ""
	}
}

func pluralize(noun string, n int) string {
	if n > 1 {
		return noun + "s"
	}
	return noun
}

// normalizeIdentity canonicalizes a user identity for comparison. Presence
// and read-receipt events match users by identity, not by conversation id.
func normalizeIdentity(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
