package teamline

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testLocalUser = "me@corp.test"
	testPeer      = "peer@corp.test"
)

func baseTime() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func newTestStores() (*ConversationStore, *MessageStore) {
	convs := NewConversationStore()
	convs.Upsert(Conversation{
		ID:        "conv-1",
		Kind:      KindDirect,
		UpdatedAt: baseTime(),
		Counterpart: &Counterpart{
			Email:       testPeer,
			DisplayName: "Peer",
		},
	})
	return convs, NewMessageStore(convs, testLocalUser)
}

func testMessage(id, sender, body string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		Sender:         sender,
		Body:           body,
		CreatedAt:      at,
	}
}

// ============================================================================
// Append
// ============================================================================

func TestMessageStoreAppend(t *testing.T) {
	t.Run("inserts once", func(t *testing.T) {
		_, msgs := newTestStores()
		m := testMessage("m1", testPeer, "hello", baseTime())

		if !msgs.Append("conv-1", m) {
			t.Fatal("first append should insert")
		}
		if msgs.Append("conv-1", m) {
			t.Fatal("second append of same id should be a no-op")
		}
		if got := len(msgs.Messages("conv-1")); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
	})

	t.Run("rest confirmation after push is absorbed", func(t *testing.T) {
		_, msgs := newTestStores()
		push := testMessage("m1", testLocalUser, "hi", baseTime())
		rest := testMessage("m1", testLocalUser, "hi", baseTime())

		msgs.Append("conv-1", push)
		if msgs.Append("conv-1", rest) {
			t.Fatal("duplicate id via REST should not insert")
		}
		if got := len(msgs.Messages("conv-1")); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
	})

	t.Run("defaults updatedAt to createdAt", func(t *testing.T) {
		_, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "x", baseTime()))
		if got := msgs.Get("conv-1", "m1").UpdatedAt; !got.Equal(baseTime()) {
			t.Fatalf("expected updatedAt %v, got %v", baseTime(), got)
		}
	})
}

// ============================================================================
// Tombstones
// ============================================================================

func TestMessageStoreTombstones(t *testing.T) {
	t.Run("delete wins over late insert", func(t *testing.T) {
		_, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime()))
		msgs.Remove("conv-1", "m1", nil)

		if msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime())) {
			t.Fatal("insert of a tombstoned id should be rejected")
		}
		if got := len(msgs.Messages("conv-1")); got != 0 {
			t.Fatalf("expected empty conversation, got %d messages", got)
		}
	})

	t.Run("delete before insert buries the id", func(t *testing.T) {
		_, msgs := newTestStores()
		if msgs.Remove("conv-1", "m1", nil) {
			t.Fatal("removing an unknown message should report false")
		}
		if msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime())) {
			t.Fatal("insert after early delete should be rejected")
		}
		if !msgs.Deleted("m1") {
			t.Fatal("id should be tombstoned")
		}
	})

	t.Run("double remove is idempotent", func(t *testing.T) {
		convs, msgs := newTestStores()
		n := 1
		convs.Patch("conv-1", ConversationPatch{UnreadCount: &n})
		msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime()))

		if !msgs.Remove("conv-1", "m1", nil) {
			t.Fatal("first remove should succeed")
		}
		msgs.Remove("conv-1", "m1", nil)

		if got := convs.Get("conv-1").UnreadCount; got != 0 {
			t.Fatalf("unread should decrement exactly once, got %d", got)
		}
	})

	t.Run("update of a tombstoned id is dropped", func(t *testing.T) {
		_, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime()))
		msgs.Remove("conv-1", "m1", nil)

		body := "edited"
		if msgs.Replace("conv-1", "m1", MessagePatch{Body: &body}) {
			t.Fatal("replace of a tombstoned id should be a no-op")
		}
	})
}

// ============================================================================
// Unread counter
// ============================================================================

func TestUnreadCounter(t *testing.T) {
	t.Run("never negative via patch", func(t *testing.T) {
		convs, _ := newTestStores()
		n := -3
		convs.Patch("conv-1", ConversationPatch{UnreadCount: &n})
		if got := convs.Get("conv-1").UnreadCount; got != 0 {
			t.Fatalf("expected unread floored at 0, got %d", got)
		}
	})

	t.Run("remove of read message leaves counter alone", func(t *testing.T) {
		convs, msgs := newTestStores()
		n := 2
		convs.Patch("conv-1", ConversationPatch{UnreadCount: &n})
		m := testMessage("m1", testPeer, "hi", baseTime())
		m.ReadBy = []string{testLocalUser}
		msgs.Append("conv-1", m)

		msgs.Remove("conv-1", "m1", nil)
		if got := convs.Get("conv-1").UnreadCount; got != 2 {
			t.Fatalf("expected unread unchanged at 2, got %d", got)
		}
	})

	t.Run("remove of own message leaves counter alone", func(t *testing.T) {
		convs, msgs := newTestStores()
		n := 1
		convs.Patch("conv-1", ConversationPatch{UnreadCount: &n})
		msgs.Append("conv-1", testMessage("m1", testLocalUser, "mine", baseTime()))

		msgs.Remove("conv-1", "m1", nil)
		if got := convs.Get("conv-1").UnreadCount; got != 1 {
			t.Fatalf("expected unread unchanged at 1, got %d", got)
		}
	})

	t.Run("payload read set overrides cached one", func(t *testing.T) {
		convs, msgs := newTestStores()
		n := 1
		convs.Patch("conv-1", ConversationPatch{UnreadCount: &n})
		msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime()))

		// The delete payload says the local user had read the message even
		// though the cached copy never learned that.
		msgs.Remove("conv-1", "m1", []string{testLocalUser})
		if got := convs.Get("conv-1").UnreadCount; got != 1 {
			t.Fatalf("expected unread unchanged at 1, got %d", got)
		}
	})

	t.Run("upsert does not clobber unread", func(t *testing.T) {
		convs, _ := newTestStores()
		n := 4
		convs.Patch("conv-1", ConversationPatch{UnreadCount: &n})

		convs.Upsert(Conversation{ID: "conv-1", Title: "renamed"})
		if got := convs.Get("conv-1").UnreadCount; got != 4 {
			t.Fatalf("metadata upsert should not touch unread, got %d", got)
		}
		if got := convs.Get("conv-1").Title; got != "renamed" {
			t.Fatalf("title should merge, got %q", got)
		}
	})
}

// ============================================================================
// Read receipts
// ============================================================================

func TestMarkRead(t *testing.T) {
	t.Run("readBy only grows", func(t *testing.T) {
		_, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime()))

		if got := msgs.MarkRead("conv-1", testLocalUser, []string{"m1"}); got != 1 {
			t.Fatalf("expected 1 marked, got %d", got)
		}
		if got := msgs.MarkRead("conv-1", testLocalUser, []string{"m1"}); got != 0 {
			t.Fatalf("re-mark should be a no-op, got %d", got)
		}
		if got := len(msgs.Get("conv-1", "m1").ReadBy); got != 1 {
			t.Fatalf("expected single reader, got %d", got)
		}
	})

	t.Run("identity comparison is normalized", func(t *testing.T) {
		_, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "hi", baseTime()))

		msgs.MarkRead("conv-1", "Me@Corp.Test ", []string{"m1"})
		if got := msgs.MarkRead("conv-1", testLocalUser, []string{"m1"}); got != 0 {
			t.Fatal("differently-cased identity should not add a second reader")
		}
	})

	t.Run("unknown message ids are skipped", func(t *testing.T) {
		_, msgs := newTestStores()
		if got := msgs.MarkRead("conv-1", testLocalUser, []string{"ghost"}); got != 0 {
			t.Fatalf("expected 0 marked, got %d", got)
		}
	})
}

// ============================================================================
// Preview
// ============================================================================

func TestPreview(t *testing.T) {
	t.Run("long body is truncated with ellipsis", func(t *testing.T) {
		convs, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, strings.Repeat("a", 200), baseTime()))

		got := convs.Get("conv-1").LastPreview
		if !strings.HasSuffix(got, "…") {
			t.Fatalf("expected ellipsis suffix, got %q", got)
		}
		if n := utf8.RuneCountInString(got); n != previewLimit {
			t.Fatalf("expected %d runes, got %d", previewLimit, n)
		}
	})

	t.Run("short body is kept as is", func(t *testing.T) {
		convs, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "short note", baseTime()))
		if got := convs.Get("conv-1").LastPreview; got != "short note" {
			t.Fatalf("expected untouched preview, got %q", got)
		}
	})

	t.Run("attachment-only messages get a label", func(t *testing.T) {
		cases := []struct {
			name        string
			attachments []Attachment
			want        string
		}{
			{"one photo", []Attachment{{Kind: AttachmentImage}}, "photo"},
			{"many photos", []Attachment{{Kind: AttachmentImage}, {Kind: AttachmentImage}}, "photos"},
			{"one video", []Attachment{{Kind: AttachmentVideo}}, "video"},
			{"mixed", []Attachment{{Kind: AttachmentImage}, {Kind: AttachmentVideo}, {Kind: AttachmentVideo}}, "photo and videos"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				convs, msgs := newTestStores()
				m := testMessage("m1", testPeer, "", baseTime())
				m.Attachments = tc.attachments
				msgs.Append("conv-1", m)
				if got := convs.Get("conv-1").LastPreview; got != tc.want {
					t.Fatalf("expected %q, got %q", tc.want, got)
				}
			})
		}
	})

	t.Run("edit of last message refreshes preview", func(t *testing.T) {
		convs, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "before", baseTime()))
		body := "after"
		msgs.Replace("conv-1", "m1", MessagePatch{Body: &body})
		if got := convs.Get("conv-1").LastPreview; got != "after" {
			t.Fatalf("expected refreshed preview, got %q", got)
		}
	})

	t.Run("edit of earlier message leaves preview alone", func(t *testing.T) {
		convs, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "first", baseTime()))
		msgs.Append("conv-1", testMessage("m2", testPeer, "last", baseTime().Add(time.Minute)))
		body := "edited first"
		msgs.Replace("conv-1", "m1", MessagePatch{Body: &body})
		if got := convs.Get("conv-1").LastPreview; got != "last" {
			t.Fatalf("expected preview from last message, got %q", got)
		}
	})

	t.Run("remove of last message falls back to previous", func(t *testing.T) {
		convs, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "first", baseTime()))
		msgs.Append("conv-1", testMessage("m2", testPeer, "second", baseTime().Add(time.Minute)))
		msgs.Remove("conv-1", "m2", nil)
		if got := convs.Get("conv-1").LastPreview; got != "first" {
			t.Fatalf("expected preview rollback, got %q", got)
		}
	})

	t.Run("remove of only message clears preview", func(t *testing.T) {
		convs, msgs := newTestStores()
		msgs.Append("conv-1", testMessage("m1", testPeer, "only", baseTime()))
		msgs.Remove("conv-1", "m1", nil)
		if got := convs.Get("conv-1").LastPreview; got != "" {
			t.Fatalf("expected empty preview, got %q", got)
		}
	})
}

// ============================================================================
// Conversation ordering
// ============================================================================

func TestConversationList(t *testing.T) {
	t.Run("most recently updated first", func(t *testing.T) {
		convs := NewConversationStore()
		convs.Upsert(Conversation{ID: "old", UpdatedAt: baseTime()})
		convs.Upsert(Conversation{ID: "new", UpdatedAt: baseTime().Add(time.Hour)})

		list := convs.List()
		if list[0].ID != "new" || list[1].ID != "old" {
			t.Fatalf("unexpected order: %s, %s", list[0].ID, list[1].ID)
		}
	})

	t.Run("ties break by id", func(t *testing.T) {
		convs := NewConversationStore()
		convs.Upsert(Conversation{ID: "b", UpdatedAt: baseTime()})
		convs.Upsert(Conversation{ID: "a", UpdatedAt: baseTime()})

		list := convs.List()
		if list[0].ID != "a" {
			t.Fatalf("expected id tiebreak, got %s first", list[0].ID)
		}
	})

	t.Run("new message bumps conversation", func(t *testing.T) {
		convs, msgs := newTestStores()
		convs.Upsert(Conversation{ID: "conv-2", UpdatedAt: baseTime().Add(time.Minute)})

		msgs.Append("conv-1", testMessage("m1", testPeer, "bump", baseTime().Add(time.Hour)))
		if got := convs.List()[0].ID; got != "conv-1" {
			t.Fatalf("expected conv-1 first after new message, got %s", got)
		}
	})
}
