package teamline

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Typing timer windows. The remote expiry is deliberately longer than the
// local stop broadcast so a well-behaved peer's stop signal normally wins and
// the expiry only covers lost packets.
const (
	localTypingStop  = 3200 * time.Millisecond
	remoteTypingTTL  = 3500 * time.Millisecond
	presenceInterval = 25 * time.Second
)

// TypingEntry is one user currently typing in a conversation. Absence from
// the tracker means "not typing".
type TypingEntry struct {
	ConversationID string
	UserEmail      string
	UserName       string
}

// ============================================================================
// Timer registry
// ============================================================================

// timerKey identifies the single live expiry timer a (conversation, user)
// pair may own.
type timerKey struct {
	conversationID string
	user           string
}

// timerRegistry owns all typing timers. Arming a key that already has a live
// timer replaces it — timers are rearmed, never stacked.
type timerRegistry struct {
	clk    clock.Clock
	mu     sync.Mutex
	timers map[timerKey]*clock.Timer
}

func newTimerRegistry(clk clock.Clock) *timerRegistry {
	return &timerRegistry{clk: clk, timers: make(map[timerKey]*clock.Timer)}
}

func (r *timerRegistry) arm(key timerKey, d time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = r.clk.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		fire()
	})
}

func (r *timerRegistry) cancel(key timerKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, key)
	return true
}

func (r *timerRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
}

// ============================================================================
// Remote typing tracker
// ============================================================================

// TypingTracker holds the per-conversation sets of users currently typing,
// each entry self-expiring after remoteTypingTTL without a refresh. The
// expiry protects against a lost stop signal.
type TypingTracker struct {
	mu       sync.Mutex
	timers   *timerRegistry
	byConv   map[string]map[string]TypingEntry
	onChange func(conversationID string)
}

// NewTypingTracker creates a tracker driven by the given clock. onChange, if
// non-nil, fires after every set mutation, including timer expiries.
func NewTypingTracker(clk clock.Clock, onChange func(conversationID string)) *TypingTracker {
	return &TypingTracker{
		timers:   newTimerRegistry(clk),
		byConv:   make(map[string]map[string]TypingEntry),
		onChange: onChange,
	}
}

// Apply consumes a remote typing event: start upserts the entry and (re)arms
// its expiry; stop removes it immediately and cancels the timer.
func (t *TypingTracker) Apply(p TypingPayload) {
	user := normalizeIdentity(p.UserEmail)
	if user == "" || p.ConversationID == "" {
		return
	}
	key := timerKey{conversationID: p.ConversationID, user: user}

	if !p.IsTyping {
		t.remove(p.ConversationID, user)
		t.timers.cancel(key)
		return
	}

	t.mu.Lock()
	set, ok := t.byConv[p.ConversationID]
	if !ok {
		set = make(map[string]TypingEntry)
		t.byConv[p.ConversationID] = set
	}
	set[user] = TypingEntry{
		ConversationID: p.ConversationID,
		UserEmail:      p.UserEmail,
		UserName:       p.UserName,
	}
	t.mu.Unlock()

	t.timers.arm(key, remoteTypingTTL, func() {
		t.remove(p.ConversationID, user)
	})
	t.notify(p.ConversationID)
}

// Typing returns the users currently typing in a conversation, ordered by
// identity for stable rendering.
func (t *TypingTracker) Typing(conversationID string) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byConv[conversationID]
	out := make([]TypingEntry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return normalizeIdentity(out[i].UserEmail) < normalizeIdentity(out[j].UserEmail)
	})
	return out
}

// Reset drops every entry and cancels all timers.
func (t *TypingTracker) Reset() {
	t.timers.cancelAll()
	t.mu.Lock()
	t.byConv = make(map[string]map[string]TypingEntry)
	t.mu.Unlock()
}

func (t *TypingTracker) remove(conversationID, user string) {
	t.mu.Lock()
	removed := false
	if set, ok := t.byConv[conversationID]; ok {
		if _, present := set[user]; present {
			delete(set, user)
			removed = true
		}
		if len(set) == 0 {
			delete(t.byConv, conversationID)
		}
	}
	t.mu.Unlock()
	if removed {
		t.notify(conversationID)
	}
}

func (t *TypingTracker) notify(conversationID string) {
	if t.onChange != nil {
		t.onChange(conversationID)
	}
}

// ============================================================================
// Local typing broadcaster
// ============================================================================

// typingBroadcaster turns local draft keystrokes into at most one typing
// start signal followed by a single stop, sent either after localTypingStop
// of inactivity or immediately when the user leaves the conversation.
type typingBroadcaster struct {
	timers *timerRegistry
	emit   func(conversationID string, isTyping bool)
	mu     sync.Mutex
	active map[string]bool
}

func newTypingBroadcaster(clk clock.Clock, emit func(conversationID string, isTyping bool)) *typingBroadcaster {
	return &typingBroadcaster{
		timers: newTimerRegistry(clk),
		emit:   emit,
		active: make(map[string]bool),
	}
}

// keystroke records draft activity: the first keystroke emits a start, every
// keystroke rearms the stop timer without re-emitting.
func (b *typingBroadcaster) keystroke(conversationID string) {
	b.mu.Lock()
	started := b.active[conversationID]
	b.active[conversationID] = true
	b.mu.Unlock()

	if !started {
		b.emit(conversationID, true)
	}
	b.timers.arm(timerKey{conversationID: conversationID}, localTypingStop, func() {
		b.stop(conversationID)
	})
}

// stopNow cancels the pending stop timer and broadcasts the stop at once.
// Used when the user switches away from the conversation.
func (b *typingBroadcaster) stopNow(conversationID string) {
	b.timers.cancel(timerKey{conversationID: conversationID})
	b.stop(conversationID)
}

func (b *typingBroadcaster) stop(conversationID string) {
	b.mu.Lock()
	wasActive := b.active[conversationID]
	delete(b.active, conversationID)
	b.mu.Unlock()
	if wasActive {
		b.emit(conversationID, false)
	}
}

func (b *typingBroadcaster) reset() {
	b.timers.cancelAll()
	b.mu.Lock()
	b.active = make(map[string]bool)
	b.mu.Unlock()
}
