package teamline

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic messenger API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind scopes a conversation to an organization, a project, or a
// pair of users.
type ConversationKind string

const (
	KindOrganization ConversationKind = "organization"
	KindProject      ConversationKind = "project"
	KindDirect       ConversationKind = "direct"
)

// Counterpart is the other party of a direct conversation.
type Counterpart struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Online      bool      `json:"online"`
	LastActive  time.Time `json:"lastActive,omitempty"`
}

// AttachmentSummary describes the attachments of a conversation's last
// message, used for list previews without loading the message itself.
type AttachmentSummary struct {
	Images int `json:"images,omitempty"`
	Videos int `json:"videos,omitempty"`
}

// Conversation is the local view of one channel of messages.
type Conversation struct {
	ID             string             `json:"id"`
	Kind           ConversationKind   `json:"kind"`
	Title          string             `json:"title,omitempty"`
	Participants   []string           `json:"participants,omitempty"`
	UnreadCount    int                `json:"unreadCount"`
	LastPreview    string             `json:"lastMessagePreview,omitempty"`
	LastAttachment *AttachmentSummary `json:"lastMessageAttachments,omitempty"`
	Counterpart    *Counterpart       `json:"counterpart,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// AttachmentKind is the media type of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment is an immutable media reference attached to a message.
type Attachment struct {
	Kind      AttachmentKind `json:"kind"`
	URL       string         `json:"url"`
	PosterURL string         `json:"posterUrl,omitempty"`
	FileName  string         `json:"fileName,omitempty"`
}

// ReplyRef references the message a reply targets, with enough cached detail
// to render the quote without a second lookup.
type ReplyRef struct {
	MessageID string    `json:"messageId"`
	Preview   string    `json:"preview,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	SentAt    time.Time `json:"sentAt,omitempty"`
}

// Message is a single server-assigned message in a conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         string       `json:"sender"`
	Body           string       `json:"body,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        *ReplyRef    `json:"replyTo,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
	ReadBy         []string     `json:"readBy,omitempty"`
}

// ============================================================================
// Request Options
// ============================================================================

// StagedAttachment is a local file staged for upload alongside a message.
type StagedAttachment struct {
	Kind     AttachmentKind
	FileName string
	MimeType string
	Data     []byte
}

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	Attachments []StagedAttachment
	ReplyTo     *ReplyRef
}

// CreateConversationOptions creates a direct or project-scoped conversation.
type CreateConversationOptions struct {
	Kind      ConversationKind `json:"kind"`
	UserEmail string           `json:"userEmail,omitempty"`
	ProjectID string           `json:"projectId,omitempty"`
	Title     string           `json:"title,omitempty"`
}

// Participant is a candidate conversation member.
type Participant struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// ============================================================================
// Push Event Payloads
// ============================================================================

// MessageDeletedPayload announces a server-side deletion. ReadBy is the
// read-set at deletion time so clients can repair unread counters.
type MessageDeletedPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	ReadBy         []string `json:"readBy,omitempty"`
}

// ReadAckPayload marks the listed messages read by one user.
type ReadAckPayload struct {
	ConversationID string   `json:"conversationId"`
	UserEmail      string   `json:"userEmail"`
	MessageIDs     []string `json:"messageIds"`
}

// UnreadSetPayload is an authoritative unread-count override. An empty
// UserEmail targets every member of the conversation.
type UnreadSetPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	UserEmail      string `json:"userEmail,omitempty"`
}

// TypingPayload starts or stops a typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserEmail      string `json:"userEmail"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload updates a user's online flag and last-active timestamp.
type PresencePayload struct {
	UserEmail  string     `json:"userEmail"`
	IsOnline   bool       `json:"isOnline"`
	LastActive *time.Time `json:"lastActive,omitempty"`
}

// RoomJoinPayload subscribes the connection to a conversation's events.
type RoomJoinPayload struct {
	ConversationID string `json:"conversationId"`
}
