package teamline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Event union
// ============================================================================

// SyncEventType enumerates every mutation the sync engine can apply.
type SyncEventType string

const (
	SyncMessageNew     SyncEventType = "message:new"
	SyncMessageUpdated SyncEventType = "message:updated"
	SyncMessageDeleted SyncEventType = "message:deleted"
	SyncReadAck        SyncEventType = "read:ack"
	SyncUnreadSet      SyncEventType = "unread:set"
	SyncTyping         SyncEventType = "typing"
	SyncPresence       SyncEventType = "presence"
)

// SyncEvent is the typed union every store mutation flows through. Exactly
// one payload field matching Type is set. Funneling both push events and REST
// confirmations through one Apply path is what keeps the idempotence rules in
// a single place.
type SyncEvent struct {
	Type     SyncEventType
	Message  *Message
	Deleted  *MessageDeletedPayload
	ReadAck  *ReadAckPayload
	Unread   *UnreadSetPayload
	Typing   *TypingPayload
	Presence *PresencePayload
}

// ============================================================================
// Change notification
// ============================================================================

// ChangeKind tells subscribers which slice of state moved.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangePresence      ChangeKind = "presence"
)

// Change notifies a subscriber of a state mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// ============================================================================
// Sync Engine
// ============================================================================

// EngineOptions configures a SyncEngine.
type EngineOptions struct {
	// LocalUser is the normalized identity of the signed-in account.
	LocalUser string
	// Clock drives typing expiry and the presence heartbeat. Defaults to the
	// wall clock; tests inject a mock.
	Clock clock.Clock
}

// SyncEngine keeps the local conversation and message stores consistent with
// the server. All mutations — push events, REST confirmations, local
// optimistic actions — are serialized through one mutex, so the stores see a
// single writer at a time while remaining order-independent thanks to the
// dedup ledger.
type SyncEngine struct {
	rest      *Client
	localUser string
	clk       clock.Clock

	mu            sync.Mutex
	conversations *ConversationStore
	messages      *MessageStore
	joined        map[string]struct{}
	discovering   map[string]bool
	deleting      map[string]bool
	composers     map[string]*Composer
	active        string
	connected     bool
	epoch         int

	tracker     *TypingTracker
	broadcaster *typingBroadcaster

	transport Transport
	runCtx    context.Context
	stopHeart func()

	subsMu sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// NewSyncEngine creates a sync engine over the given REST client. Call Start
// with a connected transport to begin receiving push events.
func NewSyncEngine(rest *Client, opts EngineOptions) *SyncEngine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	convs := NewConversationStore()
	e := &SyncEngine{
		rest:          rest,
		localUser:     normalizeIdentity(opts.LocalUser),
		clk:           clk,
		conversations: convs,
		messages:      NewMessageStore(convs, opts.LocalUser),
		joined:        make(map[string]struct{}),
		discovering:   make(map[string]bool),
		deleting:      make(map[string]bool),
		composers:     make(map[string]*Composer),
		subs:          make(map[int]func(Change)),
	}
	e.tracker = NewTypingTracker(clk, func(conversationID string) {
		e.notify(Change{Kind: ChangeTyping, ConversationID: conversationID})
	})
	e.broadcaster = newTypingBroadcaster(clk, e.emitTyping)
	return e
}

// Start wires the engine to a transport, performs the initial conversation
// load, and begins the presence heartbeat. The transport's connect lifecycle
// drives room joins: every connect (or reconnect) opens a new epoch in which
// each known conversation is joined exactly once.
func (e *SyncEngine) Start(ctx context.Context, transport Transport) error {
	e.mu.Lock()
	e.transport = transport
	e.runCtx = ctx
	e.mu.Unlock()

	transport.On(EventMessageNew, decodeEvent(func(m Message) {
		e.Apply(SyncEvent{Type: SyncMessageNew, Message: &m})
	}))
	transport.On(EventMessageUpdated, decodeEvent(func(m Message) {
		e.Apply(SyncEvent{Type: SyncMessageUpdated, Message: &m})
	}))
	transport.On(EventMessageDeleted, decodeEvent(func(p MessageDeletedPayload) {
		e.Apply(SyncEvent{Type: SyncMessageDeleted, Deleted: &p})
	}))
	transport.On(EventReadAck, decodeEvent(func(p ReadAckPayload) {
		e.Apply(SyncEvent{Type: SyncReadAck, ReadAck: &p})
	}))
	transport.On(EventUnreadSet, decodeEvent(func(p UnreadSetPayload) {
		e.Apply(SyncEvent{Type: SyncUnreadSet, Unread: &p})
	}))
	transport.On(EventTyping, decodeEvent(func(p TypingPayload) {
		e.Apply(SyncEvent{Type: SyncTyping, Typing: &p})
	}))
	transport.On(EventPresence, decodeEvent(func(p PresencePayload) {
		e.Apply(SyncEvent{Type: SyncPresence, Presence: &p})
	}))

	transport.OnConnected(func() { e.onConnected(ctx) })
	transport.OnDisconnected(func(code int, reason string) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
	})

	if err := e.Load(ctx); err != nil {
		return err
	}
	e.startHeartbeat(ctx)
	return nil
}

// Stop halts timers and the heartbeat. In-flight REST calls are deliberately
// not cancelled: their completions still apply so state stays correct when
// the view reopens.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	stop := e.stopHeart
	e.stopHeart = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	e.tracker.Reset()
	e.broadcaster.reset()
}

// Load fetches the conversation list and seeds the conversation store.
func (e *SyncEngine) Load(ctx context.Context) error {
	convs, err := e.rest.Conversations.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load conversations")
	}
	e.mu.Lock()
	for _, c := range convs {
		e.conversations.Upsert(c)
	}
	e.mu.Unlock()
	e.notify(Change{Kind: ChangeConversations})
	return nil
}

// LoadMessages lazily fetches a conversation's history into the message
// store. Messages already delivered by push are absorbed by the ledger.
func (e *SyncEngine) LoadMessages(ctx context.Context, conversationID string, limit int) error {
	msgs, err := e.rest.Messages.List(ctx, conversationID, limit, time.Time{})
	if err != nil {
		return errors.Wrap(err, "load messages")
	}
	e.mu.Lock()
	for _, m := range msgs {
		e.messages.Append(conversationID, m)
	}
	e.mu.Unlock()
	e.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return nil
}

// ============================================================================
// Reducer
// ============================================================================

// Apply runs one event through the reducer. Safe to call from any goroutine;
// the engine serializes appliers.
func (e *SyncEngine) Apply(ev SyncEvent) {
	switch ev.Type {
	case SyncMessageNew:
		if ev.Message != nil {
			e.applyNew(*ev.Message)
		}
	case SyncMessageUpdated:
		if ev.Message != nil {
			e.applyUpdated(*ev.Message)
		}
	case SyncMessageDeleted:
		if ev.Deleted != nil {
			e.applyDeleted(*ev.Deleted)
		}
	case SyncReadAck:
		if ev.ReadAck != nil {
			e.applyReadAck(*ev.ReadAck)
		}
	case SyncUnreadSet:
		if ev.Unread != nil {
			e.applyUnreadSet(*ev.Unread)
		}
	case SyncTyping:
		if ev.Typing != nil {
			e.tracker.Apply(*ev.Typing)
		}
	case SyncPresence:
		if ev.Presence != nil {
			e.applyPresence(*ev.Presence)
		}
	}
}

func (e *SyncEngine) applyNew(m Message) {
	e.mu.Lock()
	known := e.conversations.Get(m.ConversationID) != nil
	inserted := e.messages.Append(m.ConversationID, m)
	if inserted && known {
		e.reconcileOnNew(&m)
	}
	e.mu.Unlock()

	if !known {
		// First sign of a conversation we have never seen: reload the list,
		// then join it like any other known conversation.
		e.discover(m.ConversationID)
	}
	if inserted {
		e.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
		e.notify(Change{Kind: ChangeConversations, ConversationID: m.ConversationID})
	}
}

// reconcileOnNew applies the unread rule for a freshly inserted message:
// own messages and messages in the actively viewed conversation keep the
// counter at zero, everything else increments it. Caller holds e.mu.
func (e *SyncEngine) reconcileOnNew(m *Message) {
	zero := 0
	if normalizeIdentity(m.Sender) == e.localUser || m.ConversationID == e.active {
		e.conversations.Patch(m.ConversationID, ConversationPatch{UnreadCount: &zero})
		return
	}
	if c := e.conversations.Get(m.ConversationID); c != nil {
		n := c.UnreadCount + 1
		e.conversations.Patch(m.ConversationID, ConversationPatch{UnreadCount: &n})
	}
}

func (e *SyncEngine) applyUpdated(m Message) {
	e.mu.Lock()
	replaced := e.messages.Replace(m.ConversationID, m.ID, MessagePatch{
		Body:        &m.Body,
		Attachments: m.Attachments,
		UpdatedAt:   &m.UpdatedAt,
		ReadBy:      m.ReadBy,
	})
	e.mu.Unlock()
	if replaced {
		e.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
	}
}

func (e *SyncEngine) applyDeleted(p MessageDeletedPayload) {
	e.mu.Lock()
	delete(e.deleting, p.MessageID)
	removed := e.messages.Remove(p.ConversationID, p.MessageID, p.ReadBy)
	e.mu.Unlock()
	if removed {
		e.notify(Change{Kind: ChangeMessages, ConversationID: p.ConversationID})
		e.notify(Change{Kind: ChangeConversations, ConversationID: p.ConversationID})
	}
}

func (e *SyncEngine) applyReadAck(p ReadAckPayload) {
	e.mu.Lock()
	marked := e.messages.MarkRead(p.ConversationID, p.UserEmail, p.MessageIDs)
	if normalizeIdentity(p.UserEmail) == e.localUser {
		zero := 0
		e.conversations.Patch(p.ConversationID, ConversationPatch{UnreadCount: &zero})
	}
	e.mu.Unlock()
	if marked > 0 {
		e.notify(Change{Kind: ChangeMessages, ConversationID: p.ConversationID})
	}
	e.notify(Change{Kind: ChangeConversations, ConversationID: p.ConversationID})
}

func (e *SyncEngine) applyUnreadSet(p UnreadSetPayload) {
	// Authoritative override, honored only when it targets the local user or
	// is untargeted.
	if p.UserEmail != "" && normalizeIdentity(p.UserEmail) != e.localUser {
		return
	}
	e.mu.Lock()
	n := p.UnreadCount
	e.conversations.Patch(p.ConversationID, ConversationPatch{UnreadCount: &n})
	e.mu.Unlock()
	e.notify(Change{Kind: ChangeConversations, ConversationID: p.ConversationID})
}

func (e *SyncEngine) applyPresence(p PresencePayload) {
	user := normalizeIdentity(p.UserEmail)
	if user == "" {
		return
	}
	e.mu.Lock()
	var touched string
	for _, c := range e.conversations.List() {
		if c.Kind != KindDirect || c.Counterpart == nil {
			continue
		}
		if normalizeIdentity(c.Counterpart.Email) != user {
			continue
		}
		patch := ConversationPatch{Online: &p.IsOnline}
		if p.LastActive != nil {
			patch.LastActive = p.LastActive
		}
		e.conversations.Patch(c.ID, patch)
		touched = c.ID
		break
	}
	e.mu.Unlock()
	if touched != "" {
		e.notify(Change{Kind: ChangePresence, ConversationID: touched})
	}
}

// ============================================================================
// Room manager
// ============================================================================

// onConnected opens a new connection epoch: the joined set is cleared so
// every known conversation is rejoined exactly once.
func (e *SyncEngine) onConnected(ctx context.Context) {
	e.mu.Lock()
	e.epoch++
	e.joined = make(map[string]struct{})
	e.connected = true
	e.mu.Unlock()
	e.joinKnown(ctx)
}

// joinKnown issues a room join for every conversation in the store that has
// not been joined in the current epoch.
func (e *SyncEngine) joinKnown(ctx context.Context) {
	e.mu.Lock()
	transport := e.transport
	var pending []string
	for _, c := range e.conversations.List() {
		if _, ok := e.joined[c.ID]; !ok {
			e.joined[c.ID] = struct{}{}
			pending = append(pending, c.ID)
		}
	}
	e.mu.Unlock()

	if transport == nil {
		return
	}
	for _, id := range pending {
		if err := transport.Emit(ctx, EventRoomJoin, RoomJoinPayload{ConversationID: id}); err != nil {
			jww.WARN.Printf("[teamline] room join %s failed: %v", id, err)
		}
	}
}

// discover handles the first message of a conversation the store has never
// seen: reload the full list, then join whatever is new.
func (e *SyncEngine) discover(conversationID string) {
	e.mu.Lock()
	if e.discovering[conversationID] {
		e.mu.Unlock()
		return
	}
	e.discovering[conversationID] = true
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.discovering, conversationID)
			e.mu.Unlock()
		}()
		if err := e.Load(ctx); err != nil {
			jww.WARN.Printf("[teamline] conversation discovery reload failed: %v", err)
			return
		}
		e.joinKnown(ctx)
	}()
}

// Epoch returns the current connection epoch, starting at one after the
// first connect.
func (e *SyncEngine) Epoch() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// ============================================================================
// Unread reconciler
// ============================================================================

// ReconcileUnread recounts every conversation's unread counter from the
// cached read-by sets, as a repair path for when cached and server-reported
// counts disagree. A server-reported value, when present, wins.
func (e *SyncEngine) ReconcileUnread(serverCounts map[string]int) {
	e.mu.Lock()
	for _, c := range e.conversations.List() {
		n, authoritative := serverCounts[c.ID]
		if !authoritative {
			n = 0
			for _, m := range e.messages.Messages(c.ID) {
				if e.messages.wasUnread(m.Sender, m.ReadBy) {
					n++
				}
			}
		}
		if n < 0 {
			n = 0
		}
		if n != c.UnreadCount {
			e.conversations.Patch(c.ID, ConversationPatch{UnreadCount: &n})
		}
	}
	e.mu.Unlock()
	e.notify(Change{Kind: ChangeConversations})
}

// ============================================================================
// Presence heartbeat
// ============================================================================

func (e *SyncEngine) startHeartbeat(ctx context.Context) {
	ticker := e.clk.Ticker(presenceInterval)
	done := make(chan struct{})
	e.mu.Lock()
	e.stopHeart = func() {
		ticker.Stop()
		close(done)
	}
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.mu.Lock()
				transport := e.transport
				connected := e.connected
				e.mu.Unlock()
				if transport == nil || !connected {
					continue
				}
				now := e.clk.Now()
				err := transport.Emit(ctx, EventPresence, PresencePayload{
					UserEmail:  e.localUser,
					IsOnline:   true,
					LastActive: &now,
				})
				if err != nil {
					jww.DEBUG.Printf("[teamline] presence heartbeat failed: %v", err)
				}
			}
		}
	}()
}

func (e *SyncEngine) emitTyping(conversationID string, isTyping bool) {
	e.mu.Lock()
	transport := e.transport
	ctx := e.runCtx
	e.mu.Unlock()
	if transport == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := transport.Emit(ctx, EventTyping, TypingPayload{
		ConversationID: conversationID,
		UserEmail:      e.localUser,
		IsTyping:       isTyping,
	})
	if err != nil {
		jww.DEBUG.Printf("[teamline] typing signal failed: %v", err)
	}
}

// ============================================================================
// Views and subscriptions
// ============================================================================

// Conversations returns a snapshot of the conversation list, most recently
// updated first.
func (e *SyncEngine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.conversations.List()
	out := make([]Conversation, len(list))
	for i, c := range list {
		out[i] = *c
	}
	return out
}

// ConversationMessages returns a snapshot of a conversation's messages in
// order.
func (e *SyncEngine) ConversationMessages(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.messages.Messages(conversationID)
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// TypingUsers returns who is currently typing in a conversation.
func (e *SyncEngine) TypingUsers(conversationID string) []TypingEntry {
	return e.tracker.Typing(conversationID)
}

// Subscribe registers a change listener and returns its cancel function.
// Listeners run on the applier's goroutine and must not block.
func (e *SyncEngine) Subscribe(fn func(Change)) func() {
	e.subsMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.subsMu.Unlock()
	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

func (e *SyncEngine) notify(ch Change) {
	e.subsMu.Lock()
	fns := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// ============================================================================
// Helpers
// ============================================================================

// decodeEvent adapts a typed payload handler to the raw transport callback.
// Malformed payloads are logged and dropped so one bad frame cannot wedge
// the event stream.
func decodeEvent[T any](apply func(T)) EventHandler {
	return func(raw json.RawMessage) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			jww.DEBUG.Printf("[teamline] dropping malformed %T payload: %v", p, err)
			return
		}
		apply(p)
	}
}
