package supprt

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the Supprt API.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// ============================================================================
// Widget API Types
// ============================================================================

// EndUser is the authenticated visitor, identified or anonymous.
type EndUser struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Project holds the widget-facing project configuration returned at init.
type Project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AgentName      string `json:"agentName,omitempty"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
	Locale         string `json:"locale,omitempty"`
	PrimaryColor   string `json:"primaryColor,omitempty"`
	Position       string `json:"position,omitempty"`
}

// SenderType classifies who authored a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
	SenderBot   SenderType = "bot"
)

// Message is a single message in a conversation. IDs are server-assigned.
type Message struct {
	ID              string       `json:"id"`
	Content         string       `json:"content"`
	SenderType      SenderType   `json:"senderType"`
	SenderName      string       `json:"senderName,omitempty"`
	SenderAvatarURL string       `json:"senderAvatarUrl,omitempty"`
	CreatedAt       string       `json:"createdAt"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file reference; bytes are never held client-side.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is a support thread, newest-activity first in lists.
type Conversation struct {
	ID          string             `json:"id"`
	Status      ConversationStatus `json:"status"`
	LastMessage *Message           `json:"lastMessage,omitempty"`
	HasUnread   bool               `json:"hasUnread,omitempty"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
}

// UserIdentity identifies a known end user at init time.
// When nil, the client falls back to its persisted anonymous fingerprint.
type UserIdentity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Avatar   string         `json:"avatar,omitempty"`
	HMAC     string         `json:"userHash,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InitResponse is returned by the init handshake.
type InitResponse struct {
	Token         string         `json:"token"`
	EndUser       EndUser        `json:"endUser"`
	Project       Project        `json:"project"`
	Conversations []Conversation `json:"conversations"`
}

// ConversationPage is one page of a conversation's messages; HasMore signals
// older pages exist beyond the returned window.
type ConversationPage struct {
	Conversation ConversationWithMessages `json:"conversation"`
	HasMore      bool                     `json:"hasMore"`
}

// ConversationWithMessages embeds the message page alongside the conversation.
type ConversationWithMessages struct {
	Conversation
	Messages []Message `json:"messages"`
}

// CreateConversationResponse is returned when starting a new conversation.
type CreateConversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Message      Message      `json:"message"`
}

// SendMessageResponse is returned after appending to a conversation.
type SendMessageResponse struct {
	Message Message `json:"message"`
}

// AttachmentInput references an uploaded object when sending a message.
type AttachmentInput struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// UploadURLResponse is a write-once signed destination for a file.
type UploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
}

// DownloadURLResponse is a short-lived signed read URL for an attachment.
type DownloadURLResponse struct {
	DownloadURL string `json:"downloadUrl"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ============================================================================
// Realtime Event Types
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessageEvent is pushed when a message is created in any of the end user's
// conversations.
type MessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ConversationEvent is pushed when a conversation's status changes.
type ConversationEvent struct {
	ConversationID string             `json:"conversationId"`
	Status         ConversationStatus `json:"status"`
}

// TypingEvent is pushed when someone starts or stops typing. Source
// distinguishes the widget's own typing signal from agents and integrations.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	Source         string `json:"source,omitempty"`
}

// ConnectedEvent acknowledges a successful realtime handshake.
type ConnectedEvent struct {
	EndUserID string `json:"endUserId,omitempty"`
}

// RealtimeCommand is a client-to-server intent sent over the channel
// (WebSocket transport only; SSE signals intent via the request client).
type RealtimeCommand struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
}
