package talkwire

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// typingBannerExpiry bounds how long a conversation's typing banner survives
// without a stop event.
const typingBannerExpiry = 5 * time.Second

type typingEntry struct {
	UserID    string
	Timestamp time.Time
}

// ConversationListStore owns the cross-conversation summary list shown
// outside an open chat: last message, unread count and typing banner per
// conversation. It consumes the same socket stream as the message store but
// keeps fully independent aggregate state; it never reads the conversation
// cache.
type ConversationListStore struct {
	mu sync.Mutex

	api Transport
	log *logrus.Logger

	selfID        string
	conversations []Conversation
	totalCount    int
	limit         int
	hasMore       bool
	loading       bool

	typing       map[string]typingEntry
	typingExpiry time.Duration
	now          func() time.Time
	afterFunc    func(time.Duration, func()) *time.Timer
}

// NewConversationListStore creates a conversation-list store backed by the
// given transport.
func NewConversationListStore(api Transport, log *logrus.Logger) *ConversationListStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConversationListStore{
		api:          api,
		log:          log,
		limit:        defaultPageSize,
		typing:       make(map[string]typingEntry),
		typingExpiry: typingBannerExpiry,
		now:          time.Now,
		afterFunc:    time.AfterFunc,
	}
}

// SetCurrentUser sets the local user's id, used to decide whether inbound
// messages count as unread.
func (s *ConversationListStore) SetCurrentUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfID = id
}

// Conversations returns a copy of the summary list, ordered by last activity
// descending.
func (s *ConversationListStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.conversations...)
}

// HasMore reports whether further pages exist.
func (s *ConversationListStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// TotalCount returns the server-reported conversation count.
func (s *ConversationListStore) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCount
}

// FetchConversations loads one page of summaries. Page 1 replaces the list,
// later pages append. Errors are logged and leave state unchanged.
func (s *ConversationListStore) FetchConversations(ctx context.Context, page, limit int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	s.mu.Lock()
	s.loading = true
	s.limit = limit
	s.mu.Unlock()

	result, err := s.api.GetConversations(ctx, page, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		s.log.WithError(err).Warn("fetch conversations failed")
		return
	}

	if page == 1 {
		s.conversations = result.Conversations
	} else {
		existing := make(map[string]bool, len(s.conversations))
		for i := range s.conversations {
			existing[s.conversations[i].Ref().Key()] = true
		}
		for _, c := range result.Conversations {
			if !existing[c.Ref().Key()] {
				s.conversations = append(s.conversations, c)
			}
		}
	}
	s.totalCount = result.TotalCount
	s.hasMore = page*limit < result.TotalCount
	s.sortLocked()
}

// Refetch reloads page 1 with the last-used page size. Coarse but correct
// fallback for events whose payloads cannot patch the list incrementally.
func (s *ConversationListStore) Refetch(ctx context.Context) {
	s.mu.Lock()
	limit := s.limit
	s.mu.Unlock()
	s.FetchConversations(ctx, 1, limit)
}

// ApplyIncoming folds a socket-delivered message into the summary list. A
// known conversation is patched in place; an unknown one triggers a full
// refetch, because a summary needs display data (name, avatar) the message
// payload does not carry. The unread count grows only for messages the local
// user did not author while the conversation is not open.
func (s *ConversationListStore) ApplyIncoming(ctx context.Context, msg *Message, conversationOpen bool) {
	s.mu.Lock()
	ref := msg.Ref(s.selfID)
	idx := s.indexOfLocked(ref)
	if idx < 0 {
		s.mu.Unlock()
		s.Refetch(ctx)
		return
	}

	c := &s.conversations[idx]
	m := *msg
	c.LastMessage = &m
	c.LastActivity = msg.CreatedAt
	if msg.SenderID != s.selfID && !conversationOpen {
		c.UnreadCount++
	}
	s.sortLocked()
	s.mu.Unlock()
}

// ApplyOutgoing folds a locally sent (optimistic or canonical) message into
// the summary list, creating the summary if none exists yet: for our own
// sends the payload alone is enough to build one.
func (s *ConversationListStore) ApplyOutgoing(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := msg.Ref(s.selfID)
	idx := s.indexOfLocked(ref)
	m := *msg
	if idx < 0 {
		s.conversations = append(s.conversations, Conversation{
			Type:          ref.Type,
			CounterpartID: ref.ID,
			LastMessage:   &m,
			LastActivity:  msg.CreatedAt,
		})
	} else {
		c := &s.conversations[idx]
		if c.LastMessage == nil || c.LastMessage.ID == msg.ID ||
			c.LastMessage.IsTemp() || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
			c.LastMessage = &m
			c.LastActivity = msg.CreatedAt
		}
	}
	s.sortLocked()
}

// ApplyMessageUpdate replaces a summary's last message when a mutation
// (reaction, recall, read-state) touched it.
func (s *ConversationListStore) ApplyMessageUpdate(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.LastMessage != nil && c.LastMessage.ID == msg.ID {
			m := *msg
			c.LastMessage = &m
			return
		}
	}
}

// ApplyRecalled marks a summary's last message recalled.
func (s *ConversationListStore) ApplyRecalled(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.LastMessage != nil && c.LastMessage.ID == messageID {
			c.LastMessage.Recalled = true
			return
		}
	}
}

// IsLastMessage reports whether messageID is some conversation's last
// message.
func (s *ConversationListStore) IsLastMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.LastMessage != nil && c.LastMessage.ID == messageID {
			return true
		}
	}
	return false
}

// MarkAsRead clears a conversation's unread count via the bulk API. The local
// count is zeroed only after the server accepts.
func (s *ConversationListStore) MarkAsRead(ctx context.Context, ref ConversationRef) {
	if err := s.api.MarkAllRead(ctx, ref); err != nil {
		s.log.WithError(err).WithField("conversation", ref.Key()).Warn("mark all read failed")
		return
	}
	s.ResetUnread(ref)
}

// ResetUnread zeroes the unread count for ref.
func (s *ConversationListStore) ResetUnread(ref ConversationRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOfLocked(ref); idx >= 0 {
		s.conversations[idx].UnreadCount = 0
	}
}

// IncrementUnread bumps the unread count for ref.
func (s *ConversationListStore) IncrementUnread(ref ConversationRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOfLocked(ref); idx >= 0 {
		s.conversations[idx].UnreadCount++
	}
}

// Unread returns the unread count for ref.
func (s *ConversationListStore) Unread(ref ConversationRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOfLocked(ref); idx >= 0 {
		return s.conversations[idx].UnreadCount
	}
	return 0
}

// ============================================================================
// Typing banner
// ============================================================================

// SetTyping records that userID is typing in ref. The entry expires after the
// typing window; the expiry check compares its captured timestamp against the
// stored one so a timer armed by an old event never clears a newer entry.
func (s *ConversationListStore) SetTyping(ref ConversationRef, userID string) {
	key := ref.Key()
	s.mu.Lock()
	ts := s.now()
	s.typing[key] = typingEntry{UserID: userID, Timestamp: ts}
	s.mu.Unlock()

	s.afterFunc(s.typingExpiry, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if entry, ok := s.typing[key]; ok && entry.Timestamp.Equal(ts) {
			delete(s.typing, key)
		}
	})
}

// ClearTyping drops the typing banner for ref if userID owns it.
func (s *ConversationListStore) ClearTyping(ref ConversationRef, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.typing[ref.Key()]; ok && entry.UserID == userID {
		delete(s.typing, ref.Key())
	}
}

// TypingUser returns who is typing in ref, if anyone.
func (s *ConversationListStore) TypingUser(ref ConversationRef) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.typing[ref.Key()]
	return entry.UserID, ok
}

// ============================================================================
// Internal
// ============================================================================

func (s *ConversationListStore) indexOfLocked(ref ConversationRef) int {
	for i := range s.conversations {
		if s.conversations[i].Type == ref.Type && s.conversations[i].CounterpartID == ref.ID {
			return i
		}
	}
	return -1
}

func (s *ConversationListStore) sortLocked() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].LastActivity.After(s.conversations[j].LastActivity)
	})
}
