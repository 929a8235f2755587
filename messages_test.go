package talkwire

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeTransport is an in-memory Transport with per-method programmable
// behavior and call counting. Shared by the store tests in this package.
type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int

	sendErr    error
	history    []Message
	historyErr error
	convPage   *ConversationPage
	convErr    error
	markRead   func(messageID string) (*Message, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: map[string]int{}}
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTransport) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeTransport) confirm(text, senderID string) *Message {
	return &Message{
		ID:          "srv-" + text,
		MessageType: ConversationUser,
		SenderID:    senderID,
		Content:     MessageContent{Text: text},
		CreatedAt:   time.Now(),
	}
}

func (f *fakeTransport) SendTextMessage(ctx context.Context, counterpartID, text, replyToID string) (*Message, error) {
	f.record("SendTextMessage")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	msg := f.confirm(text, "self")
	msg.ReceiverID = counterpartID
	msg.ReplyToID = replyToID
	return msg, nil
}

func (f *fakeTransport) SendMediaMessage(ctx context.Context, counterpartID, text string, files []MediaFile) (*Message, error) {
	f.record("SendMediaMessage")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	msg := f.confirm(text, "self")
	msg.ReceiverID = counterpartID
	for _, file := range files {
		msg.Content.Media = append(msg.Content.Media, MediaItem{FileName: file.Name})
	}
	return msg, nil
}

func (f *fakeTransport) SendGroupTextMessage(ctx context.Context, groupID, text, replyToID string) (*Message, error) {
	f.record("SendGroupTextMessage")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	msg := f.confirm(text, "self")
	msg.MessageType = ConversationGroup
	msg.GroupID = groupID
	return msg, nil
}

func (f *fakeTransport) SendGroupMediaMessage(ctx context.Context, groupID, text string, files []MediaFile) (*Message, error) {
	f.record("SendGroupMediaMessage")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	msg := f.confirm(text, "self")
	msg.MessageType = ConversationGroup
	msg.GroupID = groupID
	for _, file := range files {
		msg.Content.Media = append(msg.Content.Media, MediaItem{FileName: file.Name})
	}
	return msg, nil
}

func (f *fakeTransport) GetMessageHistory(ctx context.Context, ref ConversationRef, page, limit int) ([]Message, error) {
	f.record("GetMessageHistory")
	return f.history, f.historyErr
}

func (f *fakeTransport) SearchMessages(ctx context.Context, ref ConversationRef, query string) ([]Message, error) {
	f.record("SearchMessages")
	return f.history, f.historyErr
}

func (f *fakeTransport) AddReaction(ctx context.Context, messageID string, reaction ReactionType) (*Message, error) {
	f.record("AddReaction")
	return &Message{ID: messageID, Reactions: []Reaction{{Reaction: reaction, Count: 1}}}, nil
}

func (f *fakeTransport) RemoveReaction(ctx context.Context, messageID string) (*Message, error) {
	f.record("RemoveReaction")
	return &Message{ID: messageID}, nil
}

func (f *fakeTransport) RecallMessage(ctx context.Context, messageID string) (*Message, error) {
	f.record("RecallMessage")
	return &Message{ID: messageID, Recalled: true}, nil
}

func (f *fakeTransport) DeleteMessageForSelf(ctx context.Context, messageID string) error {
	f.record("DeleteMessageForSelf")
	return nil
}

func (f *fakeTransport) ForwardMessage(ctx context.Context, messageID string, targets []ConversationRef) error {
	f.record("ForwardMessage")
	return nil
}

func (f *fakeTransport) MarkAsRead(ctx context.Context, messageID string) (*Message, error) {
	f.record("MarkAsRead")
	if f.markRead != nil {
		return f.markRead(messageID)
	}
	return &Message{ID: messageID, ReadBy: []string{"self"}}, nil
}

func (f *fakeTransport) MarkAsUnread(ctx context.Context, messageID string) (*Message, error) {
	f.record("MarkAsUnread")
	return &Message{ID: messageID}, nil
}

func (f *fakeTransport) GetConversations(ctx context.Context, page, limit int) (*ConversationPage, error) {
	f.record("GetConversations")
	if f.convErr != nil {
		return nil, f.convErr
	}
	if f.convPage != nil {
		return f.convPage, nil
	}
	return &ConversationPage{}, nil
}

func (f *fakeTransport) MarkAllRead(ctx context.Context, ref ConversationRef) error {
	f.record("MarkAllRead")
	return nil
}

var _ Transport = (*fakeTransport)(nil)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestStore(api Transport) (*MessageStore, *ConversationCache) {
	cache := NewConversationCache()
	s := NewMessageStore(api, cache, nil, quietLogger())
	s.SetCurrentUser("self")
	return s, cache
}

func userRef(id string) ConversationRef {
	return ConversationRef{Type: ConversationUser, ID: id}
}

// fakeEmitter records typing emissions in order.
type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) EmitTyping(ref ConversationRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "start:"+ref.Key())
}

func (e *fakeEmitter) EmitStopTyping(ref ConversationRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "stop:"+ref.Key())
}

func (e *fakeEmitter) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// ============================================================================
// Optimistic send
// ============================================================================

func TestSendMessage_OptimisticReplacement(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	s.SendMessage(ctx, "hello", nil)

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-hello" {
		t.Errorf("expected canonical id srv-hello, got %s", msgs[0].ID)
	}
	if msgs[0].Status != StatusSent {
		t.Errorf("expected status sent, got %s", msgs[0].Status)
	}
	if msgs[0].IsTemp() {
		t.Error("canonical message must not carry the temp prefix")
	}
}

func TestSendMessage_FailureKeepsMessageMarkedFailed(t *testing.T) {
	api := newFakeTransport()
	api.sendErr = fmt.Errorf("network down")
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	s.SendMessage(ctx, "hello", nil)

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected failed message to stay visible, got %d messages", len(msgs))
	}
	if msgs[0].Status != StatusFailed {
		t.Errorf("expected status failed, got %s", msgs[0].Status)
	}
	if !msgs[0].IsTemp() {
		t.Error("failed message should keep its temp id")
	}
}

func TestSendMessage_GuardsAreSilentNoOps(t *testing.T) {
	ctx := context.Background()

	t.Run("no current user", func(t *testing.T) {
		api := newFakeTransport()
		s, _ := newTestStore(api)
		s.SetCurrentUser("")
		s.SetFetchEnabled(false)
		s.SelectConversation(ctx, userRef("alice"))
		s.SendMessage(ctx, "hello", nil)
		if n := api.count("SendTextMessage"); n != 0 {
			t.Errorf("expected no API call, got %d", n)
		}
	})

	t.Run("no active conversation", func(t *testing.T) {
		api := newFakeTransport()
		s, _ := newTestStore(api)
		s.SendMessage(ctx, "hello", nil)
		if n := api.count("SendTextMessage"); n != 0 {
			t.Errorf("expected no API call, got %d", n)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		api := newFakeTransport()
		s, _ := newTestStore(api)
		s.SetFetchEnabled(false)
		s.SelectConversation(ctx, userRef("alice"))
		s.SendMessage(ctx, "   ", nil)
		if n := api.count("SendTextMessage"); n != 0 {
			t.Errorf("expected no API call, got %d", n)
		}
	})
}

func TestSendMessage_DuplicateSubmitSuppressed(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	s.SendMessage(ctx, "hello", nil)
	s.SendMessage(ctx, "hello", nil)

	if n := api.count("SendTextMessage"); n != 1 {
		t.Errorf("expected 1 send for rapid duplicate, got %d", n)
	}
	if len(s.Messages()) != 1 {
		t.Errorf("expected 1 visible message, got %d", len(s.Messages()))
	}
}

func TestSendMessage_ConsumesReplyTarget(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SetReplyingTo(&Message{ID: "orig-1"})

	s.SendMessage(ctx, "a reply", nil)

	if s.ReplyingTo() != nil {
		t.Error("reply target should be consumed by the send")
	}
	if got := s.Messages()[0].ReplyToID; got != "orig-1" {
		t.Errorf("expected replyToId orig-1, got %q", got)
	}
}

func TestSendMessage_GroupDispatch(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, ConversationRef{Type: ConversationGroup, ID: "g1"})
	s.SendMessage(ctx, "to the group", nil)

	if n := api.count("SendGroupTextMessage"); n != 1 {
		t.Fatalf("expected group text endpoint, calls=%v", api.calls)
	}
	if got := s.Messages()[0].GroupID; got != "g1" {
		t.Errorf("expected groupId g1, got %q", got)
	}
}

func TestSendMessage_MediaDispatch(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "", []MediaFile{{Name: "pic.png", Data: []byte{1, 2}}})

	if n := api.count("SendMediaMessage"); n != 1 {
		t.Fatalf("expected media endpoint, calls=%v", api.calls)
	}
}

// echoRaceTransport pushes the socket echo of a media send into the store
// before the HTTP confirmation returns, the way a fast server push can beat
// the response.
type echoRaceTransport struct {
	*fakeTransport
	store *MessageStore
	echo  Message
}

func (e *echoRaceTransport) SendMediaMessage(ctx context.Context, counterpartID, text string, files []MediaFile) (*Message, error) {
	e.record("SendMediaMessage")
	e.store.HandleIncoming(e.echo)
	canonical := e.echo
	return &canonical, nil
}

func TestSendMessage_EchoBeforeConfirmKeepsOneCopy(t *testing.T) {
	api := &echoRaceTransport{fakeTransport: newFakeTransport()}
	cache := NewConversationCache()
	s := NewMessageStore(api, cache, nil, quietLogger())
	s.SetCurrentUser("self")
	api.store = s
	api.echo = Message{
		ID:          "m100",
		MessageType: ConversationUser,
		SenderID:    "self",
		ReceiverID:  "alice",
		Content:     MessageContent{Media: []MediaItem{{FileName: "pic.png"}}},
		CreatedAt:   time.Now().Add(3 * time.Second),
	}
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "", []MediaFile{{Name: "pic.png", Data: []byte{1}}})

	var visible int
	for _, m := range s.Messages() {
		if m.ID == "m100" {
			visible++
		}
		if m.IsTemp() {
			t.Errorf("temp entry must be gone after confirmation, found %s", m.ID)
		}
	}
	if visible != 1 {
		t.Fatalf("expected exactly 1 visible entry for id m100, got %d", visible)
	}

	cached, _ := cache.Get(userRef("alice").Key())
	var inCache int
	for _, m := range cached {
		if m.ID == "m100" {
			inCache++
		}
		if m.IsTemp() {
			t.Errorf("temp entry must be gone from the cache, found %s", m.ID)
		}
	}
	if inCache != 1 {
		t.Fatalf("expected exactly 1 cached entry for id m100, got %d", inCache)
	}
}

func TestSendMessage_FailurePersistsAcrossReselect(t *testing.T) {
	api := newFakeTransport()
	api.sendErr = fmt.Errorf("network down")
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "hello", nil)

	s.SelectConversation(ctx, userRef("bob"))
	s.SelectConversation(ctx, userRef("alice"))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected the failed message after rehydration, got %d", len(msgs))
	}
	if msgs[0].Status != StatusFailed {
		t.Errorf("rehydrated copy must stay failed, got %s", msgs[0].Status)
	}
}

func TestSendMessage_FailureUpdatesSummary(t *testing.T) {
	api := newFakeTransport()
	api.sendErr = fmt.Errorf("network down")
	cache := NewConversationCache()
	convs := NewConversationListStore(api, quietLogger())
	convs.SetCurrentUser("self")
	s := NewMessageStore(api, cache, convs, quietLogger())
	s.SetCurrentUser("self")
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "hello", nil)

	list := convs.Conversations()
	if len(list) != 1 || list[0].LastMessage == nil {
		t.Fatalf("expected a summary with a last message, got %+v", list)
	}
	if list[0].LastMessage.Status != StatusFailed {
		t.Errorf("summary last message must be failed, got %s", list[0].LastMessage.Status)
	}
}

// ============================================================================
// Echo suppression
// ============================================================================

func TestWasSent_TracksConfirmedSends(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "hello", nil)

	echo := Message{ID: "srv-hello", SenderID: "self", Content: MessageContent{Text: "hello"}}
	if !s.WasSent(&echo) {
		t.Error("echo of a confirmed send must be recognized by id")
	}

	// A different id from the same sender with the same text still matches
	// through the content key.
	echo2 := Message{ID: "other-id", SenderID: "self", Content: MessageContent{Text: "hello"}}
	if !s.WasSent(&echo2) {
		t.Error("echo must be recognized by sender|content composite")
	}

	foreign := Message{ID: "x", SenderID: "alice", Content: MessageContent{Text: "hello"}}
	if s.WasSent(&foreign) {
		t.Error("another sender's message must never match")
	}
}

func TestWasSent_MediaOnlyEchoMatchesByAttachment(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "", []MediaFile{{Name: "pic.png", Data: []byte{1}}})

	echo := Message{
		ID:       "sock-1",
		SenderID: "self",
		Content:  MessageContent{Media: []MediaItem{{FileName: "pic.png"}}},
	}
	if !s.WasSent(&echo) {
		t.Error("media-only echo must be recognized by attachment fingerprint")
	}
}

func TestHandleIncoming_MediaEchoWithinWindowSuppressed(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.SendMessage(ctx, "", []MediaFile{{Name: "pic.png", Data: []byte{1}}})

	// Same sender and attachment fingerprint, different id, inside the
	// duplicate window.
	s.HandleIncoming(Message{
		ID:          "other-id",
		MessageType: ConversationUser,
		SenderID:    "self",
		ReceiverID:  "alice",
		Content:     MessageContent{Media: []MediaItem{{FileName: "pic.png"}}},
		CreatedAt:   time.Now(),
	})

	if n := len(s.Messages()); n != 1 {
		t.Errorf("expected the echo to be suppressed, got %d messages", n)
	}
}

func TestSentTracker_Expiry(t *testing.T) {
	tr := newSentTracker()
	current := time.Now()
	tr.now = func() time.Time { return current }

	tr.Register("m1")
	if !tr.Seen("m1") {
		t.Fatal("expected m1 seen within TTL")
	}

	current = current.Add(sentTrackTTL + time.Second)
	if tr.Seen("m1") {
		t.Error("expected m1 expired after TTL")
	}
}

func TestHandleIncoming_DeduplicatesById(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	msg := Message{
		ID:          "m1",
		MessageType: ConversationUser,
		SenderID:    "alice",
		ReceiverID:  "self",
		Content:     MessageContent{Text: "hi"},
		CreatedAt:   time.Now(),
	}
	s.HandleIncoming(msg)
	s.HandleIncoming(msg)

	if len(s.Messages()) != 1 {
		t.Errorf("expected 1 visible copy, got %d", len(s.Messages()))
	}
}

func TestHandleIncoming_IgnoresOtherConversations(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	s.HandleIncoming(Message{
		ID:          "m1",
		MessageType: ConversationUser,
		SenderID:    "bob",
		ReceiverID:  "self",
		CreatedAt:   time.Now(),
	})

	if len(s.Messages()) != 0 {
		t.Error("message from a different conversation must not appear")
	}
}

// ============================================================================
// Selection and history
// ============================================================================

func TestSelectConversation_ClearsThenHydratesFromFreshCache(t *testing.T) {
	api := newFakeTransport()
	s, cache := newTestStore(api)
	ctx := context.Background()

	ref := userRef("alice")
	cache.Replace(ref.Key(), []Message{{ID: "m1"}, {ID: "m2"}})

	s.SelectConversation(ctx, ref)

	if n := api.count("GetMessageHistory"); n != 0 {
		t.Errorf("fresh cache must suppress the fetch, got %d calls", n)
	}
	if len(s.Messages()) != 2 {
		t.Errorf("expected cache hydration, got %d messages", len(s.Messages()))
	}
	if s.Loading() {
		t.Error("loading must be cleared after hydration")
	}
}

func TestSelectConversation_StaleCacheFetches(t *testing.T) {
	api := newFakeTransport()
	api.history = []Message{{ID: "m9", CreatedAt: time.Now()}}
	s, cache := newTestStore(api)
	ctx := context.Background()

	ref := userRef("alice")
	cache.Replace(ref.Key(), []Message{{ID: "old"}})
	cache.now = func() time.Time { return time.Now().Add(cacheFreshness + time.Minute) }

	s.SelectConversation(ctx, ref)

	if n := api.count("GetMessageHistory"); n != 1 {
		t.Fatalf("stale cache must refetch, got %d calls", n)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m9" {
		t.Errorf("expected server result to replace stale cache, got %+v", msgs)
	}
}

func TestSelectConversation_SecondSelectWithinWindowSkipsFetch(t *testing.T) {
	api := newFakeTransport()
	api.history = []Message{{ID: "m1", CreatedAt: time.Now()}}
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SelectConversation(ctx, userRef("alice"))
	s.SelectConversation(ctx, userRef("bob"))
	s.SelectConversation(ctx, userRef("alice"))

	// alice was fetched once and re-opened from cache; bob fetched once.
	if n := api.count("GetMessageHistory"); n != 2 {
		t.Errorf("expected 2 fetches across 3 selects, got %d", n)
	}
}

func TestLoadMessages_SortsByCreatedAtWithIdTiebreak(t *testing.T) {
	now := time.Now()
	api := newFakeTransport()
	api.history = []Message{
		{ID: "b", CreatedAt: now},
		{ID: "c", CreatedAt: now.Add(-time.Minute)},
		{ID: "a", CreatedAt: now},
	}
	s, _ := newTestStore(api)
	ctx := context.Background()

	ref := userRef("alice")
	s.SelectConversation(ctx, ref)

	msgs := s.Messages()
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("order mismatch at %d: want %s got %s (full: %v)", i, id, msgs[i].ID, idsOf(msgs))
		}
	}
}

func idsOf(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	return ids
}

func TestLoadMessages_ErrorEmptiesFirstPage(t *testing.T) {
	api := newFakeTransport()
	api.historyErr = fmt.Errorf("boom")
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SelectConversation(ctx, userRef("alice"))

	if s.Loading() {
		t.Error("loading must clear on error")
	}
	if len(s.Messages()) != 0 {
		t.Error("first-page failure must leave an empty list")
	}
}

func TestLoadMessages_OlderPagePrepends(t *testing.T) {
	now := time.Now()
	api := newFakeTransport()
	api.history = []Message{{ID: "new1", CreatedAt: now}}
	s, _ := newTestStore(api)
	ctx := context.Background()

	ref := userRef("alice")
	s.SelectConversation(ctx, ref)

	api.history = []Message{{ID: "old1", CreatedAt: now.Add(-time.Hour)}}
	s.LoadMessages(ctx, ref, 2)

	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].ID != "old1" || msgs[1].ID != "new1" {
		t.Errorf("expected older page prepended, got %v", idsOf(msgs))
	}
}

func TestSetFetchEnabled_SuppressesLoads(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	if n := api.count("GetMessageHistory"); n != 0 {
		t.Errorf("expected no fetch with the guard off, got %d", n)
	}
	if s.Loading() {
		t.Error("loading must not stick when the fetch is suppressed")
	}
}

// ============================================================================
// Read state
// ============================================================================

func TestMarkRead_IdempotentSkipsAPI(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.HandleIncoming(Message{
		ID: "m1", MessageType: ConversationUser,
		SenderID: "alice", ReceiverID: "self",
		ReadBy: []string{"self"}, CreatedAt: time.Now(),
	})

	s.MarkRead(ctx, "m1")

	if n := api.count("MarkAsRead"); n != 0 {
		t.Errorf("already-read message must not trigger an API call, got %d", n)
	}
}

func TestMarkRead_AppendsSelfMonotonically(t *testing.T) {
	api := newFakeTransport()
	// Server copy omits the reader; the store must still record it.
	api.markRead = func(id string) (*Message, error) {
		return &Message{ID: id, MessageType: ConversationUser, SenderID: "alice", ReceiverID: "self", ReadBy: []string{"alice"}}, nil
	}
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.HandleIncoming(Message{
		ID: "m1", MessageType: ConversationUser,
		SenderID: "alice", ReceiverID: "self", CreatedAt: time.Now(),
	})

	s.MarkRead(ctx, "m1")

	msgs := s.Messages()
	if !msgs[0].ReadByUser("self") {
		t.Error("reader must appear in readBy after marking read")
	}
	if !msgs[0].ReadByUser("alice") {
		t.Error("existing readers must be preserved")
	}
}

// ============================================================================
// Reactions
// ============================================================================

func TestAddReaction_ServerCopyIsAuthoritative(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.HandleIncoming(Message{
		ID: "m1", MessageType: ConversationUser,
		SenderID: "alice", ReceiverID: "self",
		Reactions: []Reaction{{UserID: "self", Reaction: ReactionLove, Count: 1}},
		CreatedAt: time.Now(),
	})

	// The fake returns a single like entry; a second reaction by the same
	// user replaces, never accumulates.
	s.AddReaction(ctx, "m1", ReactionLike)

	got := s.Messages()[0].Reactions
	if len(got) != 1 || got[0].Reaction != ReactionLike {
		t.Errorf("expected the server's reaction list to replace the local one, got %+v", got)
	}
}

// ============================================================================
// Socket-driven mutation
// ============================================================================

func TestApplyRecalled_FlagsInPlace(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.HandleIncoming(Message{
		ID: "m1", MessageType: ConversationUser,
		SenderID: "alice", ReceiverID: "self",
		Content: MessageContent{Text: "oops"}, CreatedAt: time.Now(),
	})

	s.ApplyRecalled("m1")

	msgs := s.Messages()
	if !msgs[0].Recalled {
		t.Error("expected recalled flag set")
	}
	if msgs[0].Content.Text != "oops" {
		t.Error("recall must not destroy stored content")
	}
}

func TestApplyDeleted_RemovesLocally(t *testing.T) {
	api := newFakeTransport()
	s, cache := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	ref := userRef("alice")
	s.SelectConversation(ctx, ref)
	s.HandleIncoming(Message{
		ID: "m1", MessageType: ConversationUser,
		SenderID: "alice", ReceiverID: "self", CreatedAt: time.Now(),
	})

	s.ApplyDeleted("m1")

	if len(s.Messages()) != 0 {
		t.Error("deleted message must leave the visible list")
	}
	cached, _ := cache.Get(ref.Key())
	if len(cached) != 0 {
		t.Error("deleted message must leave the cache")
	}
}

func TestClearConversation_EvictsAndCloses(t *testing.T) {
	api := newFakeTransport()
	s, cache := newTestStore(api)
	ctx := context.Background()

	s.SetFetchEnabled(false)
	ref := ConversationRef{Type: ConversationGroup, ID: "g1"}
	s.SelectConversation(ctx, ref)

	s.ClearConversation(ref)

	if _, ok := s.ActiveRef(); ok {
		t.Error("cleared conversation must be deselected")
	}
	if _, fresh := cache.Get(ref.Key()); fresh {
		t.Error("cleared conversation must be evicted from the cache")
	}
}

// ============================================================================
// Typing emission
// ============================================================================

func TestTyping_DebouncedStartAndIdleStop(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	emitter := &fakeEmitter{}
	s.SetEmitter(emitter)
	s.typingDebounce = 10 * time.Millisecond
	s.typingIdle = 40 * time.Millisecond

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	// Rapid keystrokes collapse into one trailing start.
	s.OnInputChanged("h")
	s.OnInputChanged("he")
	s.OnInputChanged("hel")

	time.Sleep(25 * time.Millisecond)
	if got := emitter.snapshot(); len(got) != 1 || got[0] != "start:USER_alice" {
		t.Fatalf("expected single debounced start, got %v", got)
	}

	// No further input: the idle timer emits the stop.
	time.Sleep(60 * time.Millisecond)
	got := emitter.snapshot()
	if len(got) != 2 || got[1] != "stop:USER_alice" {
		t.Fatalf("expected idle stop after silence, got %v", got)
	}
}

func TestTyping_ClearedInputEmitsStop(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	emitter := &fakeEmitter{}
	s.SetEmitter(emitter)
	s.typingDebounce = 10 * time.Millisecond
	s.typingIdle = 200 * time.Millisecond

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	s.OnInputChanged("hello")
	time.Sleep(25 * time.Millisecond)
	s.OnInputChanged("")
	time.Sleep(25 * time.Millisecond)

	got := emitter.snapshot()
	if len(got) != 2 || got[0] != "start:USER_alice" || got[1] != "stop:USER_alice" {
		t.Fatalf("expected start then stop, got %v", got)
	}
}

func TestTyping_FollowsConversationSwitch(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	emitter := &fakeEmitter{}
	s.SetEmitter(emitter)
	s.typingDebounce = 10 * time.Millisecond
	s.typingIdle = 200 * time.Millisecond

	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))
	s.OnInputChanged("hi")
	time.Sleep(25 * time.Millisecond)

	// Switching mid-typing closes out alice immediately; the next debounced
	// start targets bob, not the conversation that was open at first keypress.
	s.SelectConversation(ctx, userRef("bob"))
	s.OnInputChanged("yo")
	time.Sleep(25 * time.Millisecond)

	want := []string{"start:USER_alice", "stop:USER_alice", "start:USER_bob"}
	got := emitter.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestTyping_NoEmitterIsSafe(t *testing.T) {
	api := newFakeTransport()
	s, _ := newTestStore(api)
	ctx := context.Background()

	s.typingDebounce = 5 * time.Millisecond
	s.typingIdle = 10 * time.Millisecond
	s.SetFetchEnabled(false)
	s.SelectConversation(ctx, userRef("alice"))

	s.OnInputChanged("hello")
	time.Sleep(30 * time.Millisecond)
}
