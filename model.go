package talkwire

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

// Result is the generic API response envelope.
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

// ConversationType distinguishes direct and group threads.
type ConversationType string

const (
	ConversationUser  ConversationType = "USER"
	ConversationGroup ConversationType = "GROUP"
)

// ConversationRef identifies a conversation by type plus counterpart or group id.
type ConversationRef struct {
	Type ConversationType `json:"type"`
	ID   string           `json:"id"`
}

// Key returns the cache/storage key for this conversation.
func (r ConversationRef) Key() string {
	return string(r.Type) + "_" + r.ID
}

// PeerKind tags the resolved identity behind a direct conversation.
type PeerKind string

const (
	PeerFriend  PeerKind = "friend"
	PeerContact PeerKind = "contact"
)

// Peer is the resolved counterpart of a direct conversation. Exactly one of
// Friend/Contact is set, matching Kind.
type Peer struct {
	Kind    PeerKind     `json:"kind"`
	Friend  *Friend      `json:"friend,omitempty"`
	Contact *ContactUser `json:"contact,omitempty"`
}

// DisplayName returns the name to render for this peer.
func (p *Peer) DisplayName() string {
	switch p.Kind {
	case PeerFriend:
		if p.Friend != nil {
			return p.Friend.Nickname
		}
	case PeerContact:
		if p.Contact != nil {
			return p.Contact.DisplayName
		}
	}
	return ""
}

// Friend is a mutual contact with a user-assigned nickname.
type Friend struct {
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ContactUser is a directory user that is not (yet) a friend.
type ContactUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Conversation is the cross-conversation summary shown in the list screen.
type Conversation struct {
	Type          ConversationType `json:"type"`
	CounterpartID string           `json:"counterpartId"`
	Name          string           `json:"name,omitempty"`
	AvatarURL     string           `json:"avatarUrl,omitempty"`
	Peer          *Peer            `json:"peer,omitempty"`
	LastMessage   *Message         `json:"lastMessage,omitempty"`
	UnreadCount   int              `json:"unreadCount"`
	LastActivity  time.Time        `json:"lastActivity"`
}

// Ref returns the conversation's identity.
func (c *Conversation) Ref() ConversationRef {
	return ConversationRef{Type: c.Type, ID: c.CounterpartID}
}

// ConversationPage is the paginated conversation-list response.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	TotalCount    int            `json:"totalCount"`
}

// ============================================================================
// Messages
// ============================================================================

// ReactionType is a reaction emoji identifier.
type ReactionType string

const (
	ReactionLike  ReactionType = "like"
	ReactionLove  ReactionType = "love"
	ReactionLaugh ReactionType = "laugh"
	ReactionSad   ReactionType = "sad"
	ReactionAngry ReactionType = "angry"
)

// Reaction is one user's reaction to a message. A user has at most one entry;
// a newer reaction replaces the previous one.
type Reaction struct {
	UserID   string       `json:"userId"`
	Reaction ReactionType `json:"reaction"`
	Count    int          `json:"count"`
}

// MediaItem is an attachment on a message.
type MediaItem struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// MessageContent holds the text and media of a message. Both may be empty only
// if the other is non-empty.
type MessageContent struct {
	Text  string      `json:"text"`
	Media []MediaItem `json:"media,omitempty"`
}

// MessageStatus tracks the optimistic-send lifecycle of a locally created
// message. Messages received from the server are always StatusSent.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// tempIDPrefix marks client-generated message ids. A temp id is visible only
// until the server-assigned canonical id replaces it or the send fails.
const tempIDPrefix = "local-"

// Message is a chat message. Exactly one of ReceiverID/GroupID is set,
// determined by MessageType.
type Message struct {
	ID          string           `json:"id"`
	MessageType ConversationType `json:"messageType"`
	SenderID    string           `json:"senderId"`
	ReceiverID  string           `json:"receiverId,omitempty"`
	GroupID     string           `json:"groupId,omitempty"`
	Content     MessageContent   `json:"content"`
	Reactions   []Reaction       `json:"reactions,omitempty"`
	ReadBy      []string         `json:"readBy,omitempty"`
	Recalled    bool             `json:"recalled"`
	DeletedBy   []string         `json:"deletedBy,omitempty"`
	ReplyToID   string           `json:"replyToId,omitempty"`
	Status      MessageStatus    `json:"status,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt,omitempty"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m *Message) IsTemp() bool {
	return len(m.ID) > len(tempIDPrefix) && m.ID[:len(tempIDPrefix)] == tempIDPrefix
}

// Ref returns the conversation this message belongs to, from the perspective
// of selfID (direct messages resolve to the other party).
func (m *Message) Ref(selfID string) ConversationRef {
	if m.MessageType == ConversationGroup {
		return ConversationRef{Type: ConversationGroup, ID: m.GroupID}
	}
	counterpart := m.SenderID
	if counterpart == selfID {
		counterpart = m.ReceiverID
	}
	return ConversationRef{Type: ConversationUser, ID: counterpart}
}

// ReadByUser reports whether userID appears in the message's read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MediaFile is a local file to attach to an outgoing message.
type MediaFile struct {
	Name string
	MIME string
	Data []byte
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a user's presence state. Typing is a transient overlay on
// online and must revert within a bounded timeout.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceTyping  PresenceStatus = "typing"
)

// PresenceRecord is one user's presence snapshot.
type PresenceRecord struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	LastActivity time.Time      `json:"lastActivity"`
}
