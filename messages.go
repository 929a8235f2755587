package talkwire

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20

	// recentDuplicateWindow covers double-submit from rapid taps and the
	// socket echo of a just-sent message racing the HTTP confirmation.
	recentDuplicateWindow = 2 * time.Second

	// sentTrackTTL is how long a confirmed send is remembered so the inbound
	// socket echo of the same message can be recognized and dropped.
	sentTrackTTL = 10 * time.Second

	typingDebounceDelay = 500 * time.Millisecond
	typingIdleTimeout   = 2 * time.Second
)

// ============================================================================
// Sent-message tracker
// ============================================================================

// sentTracker remembers recently confirmed sends, keyed both by canonical
// message id and by a sender|content composite, for self-echo suppression.
type sentTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newSentTracker() *sentTracker {
	return &sentTracker{
		entries: make(map[string]time.Time),
		ttl:     sentTrackTTL,
		now:     time.Now,
	}
}

func (t *sentTracker) Register(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, k := range keys {
		if k != "" {
			t.entries[k] = now
		}
	}
}

// Seen reports whether key was registered within the TTL. Expired entries are
// dropped lazily.
func (t *sentTracker) Seen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.entries[key]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.ttl {
		delete(t.entries, key)
		return false
	}
	return true
}

func contentKey(senderID, signature string) string {
	return senderID + "|" + signature
}

// contentSignature fingerprints a message's content for duplicate detection:
// the text when present, otherwise the attachment file names. Empty for a
// message with neither, which must never match anything.
func contentSignature(content MessageContent) string {
	if content.Text != "" {
		return content.Text
	}
	if len(content.Media) == 0 {
		return ""
	}
	names := make([]string, 0, len(content.Media))
	for _, m := range content.Media {
		names = append(names, m.FileName)
	}
	return "media:" + strings.Join(names, ",")
}

// ============================================================================
// TypingEmitter
// ============================================================================

// TypingEmitter is the outbound socket surface the message store needs for
// typing indication. The router implements it; it is injected, never global.
type TypingEmitter interface {
	EmitTyping(ref ConversationRef)
	EmitStopTyping(ref ConversationRef)
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore owns the active message list and the identity of the currently
// open conversation. It reconciles optimistic local sends with authoritative
// server state arriving over HTTP responses and socket events; for any
// message id at most one visible entry exists at all times.
type MessageStore struct {
	mu sync.Mutex

	api     Transport
	cache   *ConversationCache
	convs   *ConversationListStore
	emitter TypingEmitter
	log     *logrus.Logger

	selfID     string
	active     *ConversationRef
	messages   []Message
	loading    bool
	replyingTo *Message
	pageSize   int

	// Off switch for test/offline scenarios; loads are no-ops when false.
	shouldFetch bool

	sent *sentTracker
	now  func() time.Time

	// typing emission state
	typingMu       sync.Mutex
	typingRef      ConversationRef
	typingActive   bool
	inputNonEmpty  bool
	debounceTimer  *time.Timer
	idleTimer      *time.Timer
	typingDebounce time.Duration
	typingIdle     time.Duration
}

// NewMessageStore creates a message store backed by the given transport,
// shared cache and conversation-list store.
func NewMessageStore(api Transport, cache *ConversationCache, convs *ConversationListStore, log *logrus.Logger) *MessageStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MessageStore{
		api:            api,
		cache:          cache,
		convs:          convs,
		log:            log,
		pageSize:       defaultPageSize,
		shouldFetch:    true,
		sent:           newSentTracker(),
		now:            time.Now,
		typingDebounce: typingDebounceDelay,
		typingIdle:     typingIdleTimeout,
	}
}

// SetCurrentUser sets the local user's id. Send and read operations are
// no-ops until one is set.
func (s *MessageStore) SetCurrentUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfID = id
}

// SetEmitter injects the outbound typing surface, normally the socket router.
func (s *MessageStore) SetEmitter(e TypingEmitter) {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	s.emitter = e
}

// SetFetchEnabled toggles the history-fetch guard.
func (s *MessageStore) SetFetchEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldFetch = enabled
}

// Messages returns a copy of the active message list.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Loading reports whether a history load is in flight.
func (s *MessageStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// ActiveRef returns the currently open conversation, if any.
func (s *MessageStore) ActiveRef() (ConversationRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ConversationRef{}, false
	}
	return *s.active, true
}

// ActiveMatches reports whether msg belongs to the open conversation. Direct
// messages match by counterpart id in either direction; group messages by
// group id.
func (s *MessageStore) ActiveMatches(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeMatchesLocked(msg)
}

func (s *MessageStore) activeMatchesLocked(msg *Message) bool {
	if s.active == nil {
		return false
	}
	if msg.MessageType == ConversationGroup {
		return s.active.Type == ConversationGroup && s.active.ID == msg.GroupID
	}
	return s.active.Type == ConversationUser &&
		(msg.SenderID == s.active.ID || msg.ReceiverID == s.active.ID)
}

// SetReplyingTo records the message the next send replies to.
func (s *MessageStore) SetReplyingTo(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyingTo = msg
}

// ReplyingTo returns the pending reply target, if any.
func (s *MessageStore) ReplyingTo() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyingTo
}

// ============================================================================
// Conversation selection and history
// ============================================================================

// SelectConversation opens a conversation. The active list is cleared
// immediately so the prior conversation's messages never flash; a fresh cache
// entry hydrates the list synchronously, otherwise history is fetched.
// Selecting a USER conversation implicitly deselects any GROUP one and vice
// versa: only one conversation is active at a time.
func (s *MessageStore) SelectConversation(ctx context.Context, ref ConversationRef) {
	s.mu.Lock()
	r := ref
	s.active = &r
	s.messages = nil
	s.loading = true
	s.replyingTo = nil
	s.mu.Unlock()

	cached, fresh := s.cache.Get(ref.Key())
	if fresh {
		s.mu.Lock()
		if s.active != nil && *s.active == ref {
			s.messages = cached
			s.loading = false
		}
		s.mu.Unlock()
		return
	}

	s.LoadMessages(ctx, ref, 1)
}

// LoadMessages fetches one page of history for ref. Page 1 replaces the
// visible list, later pages prepend (load-older semantics). The cache entry
// for ref is always refreshed on success, even if the user has navigated
// elsewhere by the time the response arrives; the visible list is only
// touched while ref is still the active conversation. Errors are logged, not
// returned: callers observe the loading transition and an empty result.
func (s *MessageStore) LoadMessages(ctx context.Context, ref ConversationRef, page int) {
	s.mu.Lock()
	if !s.shouldFetch {
		s.loading = false
		s.mu.Unlock()
		return
	}
	limit := s.pageSize
	s.mu.Unlock()

	msgs, err := s.api.GetMessageHistory(ctx, ref, page, limit)
	if err != nil {
		s.log.WithError(err).WithField("conversation", ref.Key()).Warn("load messages failed")
		s.mu.Lock()
		if s.active != nil && *s.active == ref {
			if page == 1 {
				s.messages = nil
			}
			s.loading = false
		}
		s.mu.Unlock()
		return
	}

	sortMessages(msgs)

	// The cache slot belongs to the requested conversation, not to whatever
	// is active when the response lands.
	if page == 1 {
		s.cache.Replace(ref.Key(), msgs)
	} else {
		existing, _ := s.cache.Get(ref.Key())
		s.cache.Replace(ref.Key(), append(append([]Message(nil), msgs...), existing...))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || *s.active != ref {
		return
	}
	if page == 1 {
		s.messages = msgs
	} else {
		s.messages = append(append([]Message(nil), msgs...), s.messages...)
	}
	s.loading = false
}

// Search runs a server-side search over the active conversation. Errors are
// logged and yield an empty result.
func (s *MessageStore) Search(ctx context.Context, query string) []Message {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	ref := *s.active
	s.mu.Unlock()

	msgs, err := s.api.SearchMessages(ctx, ref, query)
	if err != nil {
		s.log.WithError(err).Warn("message search failed")
		return nil
	}
	sortMessages(msgs)
	return msgs
}

// ============================================================================
// Optimistic send
// ============================================================================

// SendMessage sends text and/or media to the active conversation. The message
// appears immediately with a temporary id and is replaced in place by the
// server's canonical copy on confirmation; on failure it stays visible marked
// failed. Silently a no-op (logged) without a current user, an active
// conversation, or any content.
func (s *MessageStore) SendMessage(ctx context.Context, text string, media []MediaFile) {
	s.mu.Lock()
	if s.selfID == "" || s.active == nil || (strings.TrimSpace(text) == "" && len(media) == 0) {
		s.mu.Unlock()
		s.log.Debug("send skipped: no user, no conversation, or empty content")
		return
	}
	ref := *s.active
	selfID := s.selfID

	now := s.now()
	temp := Message{
		ID:          tempIDPrefix + uuid.NewString(),
		MessageType: ref.Type,
		SenderID:    selfID,
		Content:     MessageContent{Text: text, Media: localMedia(media)},
		Status:      StatusSending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ref.Type == ConversationGroup {
		temp.GroupID = ref.ID
	} else {
		temp.ReceiverID = ref.ID
	}
	if s.replyingTo != nil {
		temp.ReplyToID = s.replyingTo.ID
		s.replyingTo = nil
	}

	if !s.insertVisibleLocked(temp) {
		s.mu.Unlock()
		s.log.WithField("text", text).Debug("send skipped: duplicate submit")
		return
	}
	s.mu.Unlock()

	s.cache.Append(ref.Key(), temp)
	if s.convs != nil {
		s.convs.ApplyOutgoing(&temp)
	}

	canonical, err := s.dispatchSend(ctx, ref, text, media, temp.ReplyToID)
	if err != nil {
		s.log.WithError(err).WithField("tempId", temp.ID).Warn("send failed")
		s.markFailed(ref, temp.ID)
		return
	}
	canonical.Status = StatusSent

	// Remember the confirmed send so the socket echo is recognized as
	// self-originated and dropped.
	keys := []string{canonical.ID}
	if sig := contentSignature(canonical.Content); sig != "" {
		keys = append(keys, contentKey(selfID, sig))
	}
	s.sent.Register(keys...)

	s.mu.Lock()
	s.resolveCanonicalLocked(temp.ID, canonical)
	s.mu.Unlock()

	s.reconcileCache(ref.Key(), temp.ID, canonical)
	if s.convs != nil {
		s.convs.ApplyOutgoing(canonical)
	}
}

// resolveCanonicalLocked reconciles the visible list after a confirmed send.
// The socket echo may have inserted the canonical copy before the HTTP
// response resolved; in that case the temp entry is removed, never replaced,
// so the canonical id stays unique in the list.
func (s *MessageStore) resolveCanonicalLocked(tempID string, canonical *Message) {
	tempIdx, canonIdx := -1, -1
	for i := range s.messages {
		switch s.messages[i].ID {
		case tempID:
			tempIdx = i
		case canonical.ID:
			canonIdx = i
		}
	}
	switch {
	case tempIdx >= 0 && canonIdx >= 0:
		s.messages = append(s.messages[:tempIdx], s.messages[tempIdx+1:]...)
	case tempIdx >= 0:
		s.messages[tempIdx] = *canonical
	}
}

// reconcileCache applies the same temp-vs-canonical resolution to the cached
// copy of the conversation: the temp entry goes away and exactly one canonical
// entry remains, wherever the echo may have appended it.
func (s *MessageStore) reconcileCache(key, tempID string, canonical *Message) {
	cached, _ := s.cache.Get(key)
	out := make([]Message, 0, len(cached))
	placed := false
	for i := range cached {
		if cached[i].ID == tempID || cached[i].ID == canonical.ID {
			if !placed {
				out = append(out, *canonical)
				placed = true
			}
			continue
		}
		out = append(out, cached[i])
	}
	s.cache.Replace(key, out)
}

// insertVisibleLocked is the single append point for the visible list. Every
// insertion goes through its dedup guard; confirmation replaces in place via
// resolveCanonicalLocked, which scans for the canonical id itself.
func (s *MessageStore) insertVisibleLocked(msg Message) bool {
	if s.isDuplicateLocked(&msg) {
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}

// isDuplicateLocked is the pre-insertion dedup guard behind
// insertVisibleLocked: an existing entry with the same id, or one from the
// same sender with an identical content signature created within the
// duplicate window. Media-only messages match through their attachment
// fingerprint.
func (s *MessageStore) isDuplicateLocked(msg *Message) bool {
	sig := contentSignature(msg.Content)
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID == msg.ID {
			return true
		}
		if sig != "" && m.SenderID == msg.SenderID &&
			contentSignature(m.Content) == sig &&
			absDuration(msg.CreatedAt.Sub(m.CreatedAt)) < recentDuplicateWindow {
			return true
		}
	}
	return false
}

func (s *MessageStore) dispatchSend(ctx context.Context, ref ConversationRef, text string, media []MediaFile, replyToID string) (*Message, error) {
	switch {
	case ref.Type == ConversationUser && len(media) == 0:
		return s.api.SendTextMessage(ctx, ref.ID, text, replyToID)
	case ref.Type == ConversationUser:
		return s.api.SendMediaMessage(ctx, ref.ID, text, media)
	case len(media) == 0:
		return s.api.SendGroupTextMessage(ctx, ref.ID, text, replyToID)
	default:
		return s.api.SendGroupMediaMessage(ctx, ref.ID, text, media)
	}
}

// markFailed flips the optimistic message to failed everywhere it lives: the
// visible list, the conversation's cache entry, and the summary's last
// message. The cached copy matters most; a later rehydration must surface the
// failure, not resurrect a perpetual "sending".
func (s *MessageStore) markFailed(ref ConversationRef, id string) {
	var failed *Message

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = StatusFailed
			m := s.messages[i]
			failed = &m
			break
		}
	}
	s.mu.Unlock()

	if failed == nil {
		// The user navigated away; the cache still holds the temp.
		cached, _ := s.cache.Get(ref.Key())
		for i := range cached {
			if cached[i].ID == id {
				m := cached[i]
				m.Status = StatusFailed
				failed = &m
				break
			}
		}
		if failed == nil {
			return
		}
	}

	s.replaceInCache(ref.Key(), id, failed)
	if s.convs != nil {
		s.convs.ApplyMessageUpdate(failed)
	}
}

func (s *MessageStore) replaceInCache(key, oldID string, msg *Message) {
	cached, _ := s.cache.Get(key)
	for i := range cached {
		if cached[i].ID == oldID || cached[i].ID == msg.ID {
			cached[i] = *msg
			s.cache.Replace(key, cached)
			return
		}
	}
}

// HandleIncoming adds a socket-delivered message to the active list. The
// router calls this only for events that belong to the open conversation;
// duplicate deliveries are suppressed by the shared dedup guard.
func (s *MessageStore) HandleIncoming(msg Message) {
	s.mu.Lock()
	if s.active == nil || !s.activeMatchesLocked(&msg) {
		s.mu.Unlock()
		return
	}
	msg.Status = StatusSent
	if !s.insertVisibleLocked(msg) {
		s.mu.Unlock()
		return
	}
	key := s.active.Key()
	s.mu.Unlock()

	s.cache.Append(key, msg)
}

// WasSent reports whether a message id or sender|content key belongs to a
// recently confirmed local send. Used by the router for echo suppression.
func (s *MessageStore) WasSent(msg *Message) bool {
	if s.sent.Seen(msg.ID) {
		return true
	}
	sig := contentSignature(msg.Content)
	return sig != "" && s.sent.Seen(contentKey(msg.SenderID, sig))
}

// ============================================================================
// Message mutation
// ============================================================================

// AddReaction sets the current user's reaction on a message. The server's
// returned copy replaces the local one wholesale: unlike the rest of message
// mutation, the reaction list is server-authoritative.
func (s *MessageStore) AddReaction(ctx context.Context, messageID string, reaction ReactionType) {
	updated, err := s.api.AddReaction(ctx, messageID, reaction)
	if err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("add reaction failed")
		return
	}
	s.applyServerCopy(updated)
}

// RemoveReaction clears the current user's reaction on a message.
func (s *MessageStore) RemoveReaction(ctx context.Context, messageID string) {
	updated, err := s.api.RemoveReaction(ctx, messageID)
	if err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("remove reaction failed")
		return
	}
	s.applyServerCopy(updated)
}

// Recall recalls a message for everyone. Content stays stored; rendering of
// recalled messages is the consumer's concern.
func (s *MessageStore) Recall(ctx context.Context, messageID string) {
	updated, err := s.api.RecallMessage(ctx, messageID)
	if err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("recall failed")
		return
	}
	updated.Recalled = true
	s.applyServerCopy(updated)
}

// DeleteForSelf hides a message locally; other participants keep it.
func (s *MessageStore) DeleteForSelf(ctx context.Context, messageID string) {
	if err := s.api.DeleteMessageForSelf(ctx, messageID); err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("delete for self failed")
		return
	}
	s.removeLocal(messageID)
}

// Forward forwards a message to other conversations. Purely server-side; the
// targets' lists update via their own socket events.
func (s *MessageStore) Forward(ctx context.Context, messageID string, targets []ConversationRef) {
	if err := s.api.ForwardMessage(ctx, messageID, targets); err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("forward failed")
	}
}

// MarkRead marks a message read for the current user. Idempotent: if the
// user already appears in the read set, no API call is issued.
func (s *MessageStore) MarkRead(ctx context.Context, messageID string) {
	s.mu.Lock()
	selfID := s.selfID
	var target *Message
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			target = &s.messages[i]
			break
		}
	}
	if selfID == "" || target == nil || target.ReadByUser(selfID) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	updated, err := s.api.MarkAsRead(ctx, messageID)
	if err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("mark read failed")
		return
	}
	if !updated.ReadByUser(selfID) {
		updated.ReadBy = append(updated.ReadBy, selfID)
	}
	s.applyServerCopy(updated)

	if s.convs != nil && s.convs.IsLastMessage(messageID) {
		s.convs.ResetUnread(updated.Ref(selfID))
	}
}

// MarkUnread marks a message unread for the current user.
func (s *MessageStore) MarkUnread(ctx context.Context, messageID string) {
	s.mu.Lock()
	selfID := s.selfID
	s.mu.Unlock()
	if selfID == "" {
		return
	}

	updated, err := s.api.MarkAsUnread(ctx, messageID)
	if err != nil {
		s.log.WithError(err).WithField("messageId", messageID).Warn("mark unread failed")
		return
	}
	s.applyServerCopy(updated)

	if s.convs != nil && s.convs.IsLastMessage(messageID) {
		s.convs.IncrementUnread(updated.Ref(selfID))
	}
}

// applyServerCopy replaces the in-place entry for msg.ID with the server's
// copy and propagates to the summary list when it is the last message there.
func (s *MessageStore) applyServerCopy(msg *Message) {
	s.mu.Lock()
	var key string
	if s.active != nil {
		key = s.active.Key()
	}
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = *msg
			break
		}
	}
	s.mu.Unlock()

	if key != "" {
		s.replaceInCache(key, msg.ID, msg)
	}
	if s.convs != nil {
		s.convs.ApplyMessageUpdate(msg)
	}
}

func (s *MessageStore) removeLocal(messageID string) {
	s.mu.Lock()
	var key string
	if s.active != nil {
		key = s.active.Key()
	}
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	remaining := append([]Message(nil), s.messages...)
	s.mu.Unlock()

	if key != "" {
		s.cache.Replace(key, remaining)
	}
}

// ============================================================================
// Socket-driven mutation (router entry points)
// ============================================================================

// ApplyRecalled flips the recalled flag on an active-list message.
func (s *MessageStore) ApplyRecalled(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Recalled = true
			return
		}
	}
}

// ApplyDeleted removes a message deleted by the local user on another device.
func (s *MessageStore) ApplyDeleted(messageID string) {
	s.removeLocal(messageID)
}

// ApplyReaction replaces a message with the server's copy after a reaction
// event from any participant.
func (s *MessageStore) ApplyReaction(msg *Message) {
	s.applyServerCopy(msg)
}

// ClearConversation drops local state for ref and, if it is open, closes it.
// Used when the local user loses access (group dissolved or removed).
func (s *MessageStore) ClearConversation(ref ConversationRef) {
	s.mu.Lock()
	if s.active != nil && *s.active == ref {
		s.active = nil
		s.messages = nil
		s.loading = false
	}
	s.mu.Unlock()
	s.cache.Evict(ref.Key())
}

// ============================================================================
// Typing emission
// ============================================================================

// OnInputChanged feeds the composer's text into the typing emitter. Emission
// is a trailing-edge debounce on the non-emptiness transition, with an
// automatic stopTyping after the idle timeout. The timer callbacks read the
// conversation from typingRef at fire time, so emissions follow the user
// across conversation switches; switching mid-typing closes out the old
// conversation with a stopTyping first.
func (s *MessageStore) OnInputChanged(text string) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	ref := *active

	s.typingMu.Lock()
	emitter := s.emitter
	var stopRef *ConversationRef
	if s.typingRef != ref && s.typingActive {
		old := s.typingRef
		stopRef = &old
		s.typingActive = false
	}
	s.typingRef = ref
	s.inputNonEmpty = strings.TrimSpace(text) != ""

	if s.debounceTimer == nil {
		s.debounceTimer = time.AfterFunc(s.typingDebounce, s.debounceFired)
	} else {
		s.debounceTimer.Reset(s.typingDebounce)
	}
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.typingIdle, s.idleFired)
	} else {
		s.idleTimer.Reset(s.typingIdle)
	}
	s.typingMu.Unlock()

	if stopRef != nil && emitter != nil {
		emitter.EmitStopTyping(*stopRef)
	}
}

func (s *MessageStore) debounceFired() {
	s.typingMu.Lock()
	ref := s.typingRef
	emitter := s.emitter
	var start, stop bool
	if s.inputNonEmpty && !s.typingActive {
		s.typingActive = true
		start = true
	} else if !s.inputNonEmpty && s.typingActive {
		s.typingActive = false
		stop = true
	}
	s.typingMu.Unlock()

	if emitter == nil {
		return
	}
	if start {
		emitter.EmitTyping(ref)
	}
	if stop {
		emitter.EmitStopTyping(ref)
	}
}

func (s *MessageStore) idleFired() {
	s.typingMu.Lock()
	ref := s.typingRef
	emitter := s.emitter
	stop := s.typingActive
	s.typingActive = false
	s.typingMu.Unlock()

	if stop && emitter != nil {
		emitter.EmitStopTyping(ref)
	}
}

// ============================================================================
// Helpers
// ============================================================================

// sortMessages orders by createdAt ascending, message id as tie-break.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func localMedia(files []MediaFile) []MediaItem {
	if len(files) == 0 {
		return nil
	}
	items := make([]MediaItem, 0, len(files))
	for _, f := range files {
		items = append(items, MediaItem{
			URL:      "local://" + f.Name,
			FileName: f.Name,
			MimeType: f.MIME,
			Size:     int64(len(f.Data)),
		})
	}
	return items
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
