package teamline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func jsonResult(t *testing.T, v any) []byte {
	t.Helper()
	var data json.RawMessage
	if v != nil {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal result data: %v", err)
		}
	}
	out, err := json.Marshal(Result{OK: true, Data: data})
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return out
}

// ============================================================================
// Conversations
// ============================================================================

func TestConversationsList(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messenger/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Write(jsonResult(t, []Conversation{
			{ID: "conv-1", Kind: KindDirect, UnreadCount: 3},
		}))
	}))
	defer srv.Close()

	client := NewClient("tl-secret", WithBaseURL(srv.URL))
	convs, err := client.Conversations.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotAuth != "Bearer tl-secret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 3 {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
}

func TestConversationsMarkRead(t *testing.T) {
	t.Run("posts to the read endpoint", func(t *testing.T) {
		var gotPath, gotMethod string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath, gotMethod = r.URL.Path, r.Method
			w.Write(jsonResult(t, nil))
		}))
		defer srv.Close()

		client := NewClient("t", WithBaseURL(srv.URL))
		if err := client.Conversations.MarkRead(context.Background(), "conv-9"); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if gotMethod != "POST" || gotPath != "/api/messenger/conversations/conv-9/read" {
			t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
		}
	})

	t.Run("surfaces API errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: "forbidden", Message: "nope"}})
		}))
		defer srv.Close()

		client := NewClient("t", WithBaseURL(srv.URL))
		err := client.Conversations.MarkRead(context.Background(), "conv-9")
		if err == nil || !strings.Contains(err.Error(), "nope") {
			t.Fatalf("expected API error, got %v", err)
		}
	})
}

// ============================================================================
// Messages
// ============================================================================

func TestMessagesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "25" {
			t.Errorf("expected limit=25, got %q", q.Get("limit"))
		}
		if q.Get("before") == "" {
			t.Error("expected before parameter")
		}
		w.Write(jsonResult(t, []Message{{ID: "m1", Body: "hi"}}))
	}))
	defer srv.Close()

	client := NewClient("t", WithBaseURL(srv.URL))
	msgs, err := client.Messages.List(context.Background(), "conv-1", 25, time.Now())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestMessagesSend(t *testing.T) {
	t.Run("plain text goes as json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected json content type, got %q", ct)
			}
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			if payload["body"] != "hello" {
				t.Errorf("unexpected body %v", payload["body"])
			}
			if _, ok := payload["replyTo"]; ok {
				t.Error("replyTo should be omitted when unset")
			}
			w.Write(jsonResult(t, Message{ID: "m1", Body: "hello"}))
		}))
		defer srv.Close()

		client := NewClient("t", WithBaseURL(srv.URL))
		msg, err := client.Messages.Send(context.Background(), "conv-1", "hello", nil)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if msg.ID != "m1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	})

	t.Run("reply reference is carried", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload struct {
				ReplyTo *ReplyRef `json:"replyTo"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			if payload.ReplyTo == nil || payload.ReplyTo.MessageID != "m0" {
				t.Errorf("expected reply to m0, got %+v", payload.ReplyTo)
			}
			w.Write(jsonResult(t, Message{ID: "m1"}))
		}))
		defer srv.Close()

		client := NewClient("t", WithBaseURL(srv.URL))
		_, err := client.Messages.Send(context.Background(), "conv-1", "re", &SendOptions{
			ReplyTo: &ReplyRef{MessageID: "m0"},
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	})

	t.Run("attachments switch to multipart", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("expected multipart form: %v", err)
			}
			if got := r.FormValue("body"); got != "with pic" {
				t.Errorf("unexpected body field %q", got)
			}
			if got := r.FormValue("attachments[0].kind"); got != "image" {
				t.Errorf("unexpected kind field %q", got)
			}
			file, header, err := r.FormFile("attachments[0].file")
			if err != nil {
				t.Fatalf("missing file part: %v", err)
			}
			defer file.Close()
			if header.Filename != "pic.png" {
				t.Errorf("unexpected filename %q", header.Filename)
			}
			if got := header.Header.Get("Content-Type"); got != "image/png" {
				t.Errorf("expected staged MIME type on the file part, got %q", got)
			}
			w.Write(jsonResult(t, Message{ID: "m1"}))
		}))
		defer srv.Close()

		client := NewClient("t", WithBaseURL(srv.URL))
		_, err := client.Messages.Send(context.Background(), "conv-1", "with pic", &SendOptions{
			Attachments: []StagedAttachment{{
				Kind:     AttachmentImage,
				FileName: "pic.png",
				MimeType: "image/png",
				Data:     []byte{0x89, 0x50, 0x4e, 0x47},
			}},
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	})
}

func TestMessagesDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "DELETE" || r.URL.Path != "/api/messenger/messages/conv-1/m1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write(jsonResult(t, nil))
	}))
	defer srv.Close()

	client := NewClient("t", WithBaseURL(srv.URL))
	if err := client.Messages.Delete(context.Background(), "conv-1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
