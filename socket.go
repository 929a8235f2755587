package talkwire

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// The router maintains three logical connections sharing one auth token:
//
//	namespace   path           traffic
//	main        /ws            presence, conversation-list pushes
//	direct      /ws/messages   direct-message events, typing
//	group       /ws/groups     group messages and group lifecycle
//
// Event routing table (inbound event → stores touched):
//
//	newMessage               MessageStore (only if conversation open),
//	                         ConversationListStore + notify hook (always)
//	messageRecalled          MessageStore, ConversationListStore
//	messageDeleted           MessageStore (self only)
//	messageReactionUpdated   MessageStore, ConversationListStore
//	messageUnReaction        MessageStore, ConversationListStore
//	userTyping / -Stopped    PresenceStore, ConversationListStore
//	userStatus / usersStatus PresenceStore
//	memberAdded/-Removed, roleChanged, groupUpdated, avatarUpdated,
//	addedToGroup, updateConversationList, updateGroupList
//	                         ConversationListStore (full refetch)
//	removedFromGroup, groupDissolved
//	                         ConversationListStore (refetch) + MessageStore
//	                         eviction + Navigator when the group is open
const (
	NamespaceMain   = "main"
	NamespaceDirect = "direct"
	NamespaceGroup  = "group"
)

var namespacePaths = map[string]string{
	NamespaceMain:   "/ws",
	NamespaceDirect: "/ws/messages",
	NamespaceGroup:  "/ws/groups",
}

const (
	heartbeatInterval = 15 * time.Second
)

// ============================================================================
// Wire format
// ============================================================================

// socketEnvelope is the wire format for all socket events in both directions.
type socketEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type typingEventPayload struct {
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

type statusEventPayload struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	LastActivity time.Time      `json:"lastActivity,omitempty"`
}

type recalledEventPayload struct {
	MessageID string `json:"messageId"`
}

type deletedEventPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type groupEventPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
	Role    string `json:"role,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// Navigator is the UI hook the router calls when the open conversation must
// be force-closed (group dissolved, local user removed).
type Navigator interface {
	LeaveConversation(ref ConversationRef)
}

// RouterConfig configures the socket router.
type RouterConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RouterConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *RouterConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Namespace connection
// ============================================================================

type nsConn struct {
	namespace string

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
}

func (n *nsConn) isConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// ============================================================================
// Router
// ============================================================================

// Router owns the three socket namespaces and fans inbound events out to the
// stores. All store access goes through injected references; nothing is
// global.
type Router struct {
	baseURL  string
	token    string
	deviceID string
	cfg      RouterConfig
	log      *logrus.Logger

	messages *MessageStore
	convs    *ConversationListStore
	presence *PresenceStore
	nav      Navigator
	notify   func(Message)

	onConnected    func(namespace string)
	onDisconnected func(namespace string)
	onReconnecting func(namespace string, attempt int)

	selfID string

	mu    sync.Mutex
	conns map[string]*nsConn
}

// NewRouter wires a router to the given stores. nav and notify may be nil.
func NewRouter(client *Client, messages *MessageStore, convs *ConversationListStore, presence *PresenceStore, cfg RouterConfig, log *logrus.Logger) *Router {
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Router{
		baseURL:  client.BaseURL(),
		token:    client.Token(),
		deviceID: client.DeviceID(),
		cfg:      cfg,
		log:      log,
		messages: messages,
		convs:    convs,
		presence: presence,
		conns:    make(map[string]*nsConn),
	}
	for ns := range namespacePaths {
		r.conns[ns] = &nsConn{namespace: ns, recon: newReconnector(&cfg)}
	}
	return r
}

// SetCurrentUser sets the local user's id used for echo suppression and
// typing resolution.
func (r *Router) SetCurrentUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
}

// SetNavigator injects the forced-navigation hook.
func (r *Router) SetNavigator(nav Navigator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nav = nav
}

// SetNotify injects the notification-scheduling hook, called once per inbound
// message not authored by the local user, regardless of which conversation is
// open.
func (r *Router) SetNotify(fn func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// SetConnectionHooks injects per-namespace lifecycle callbacks. Any of the
// three may be nil. Callbacks run on router goroutines and must not block.
func (r *Router) SetConnectionHooks(onConnected, onDisconnected func(namespace string), onReconnecting func(namespace string, attempt int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnected = onConnected
	r.onDisconnected = onDisconnected
	r.onReconnecting = onReconnecting
}

// SetToken updates the handshake token for subsequent (re)connects.
func (r *Router) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

// Connected reports the per-namespace connection state.
func (r *Router) Connected(namespace string) bool {
	r.mu.Lock()
	conn, ok := r.conns[namespace]
	r.mu.Unlock()
	return ok && conn.isConnected()
}

// Connect opens all three namespaces. Called when auth state becomes
// available. Individual namespace failures are logged; the others proceed.
func (r *Router) Connect(ctx context.Context) error {
	var firstErr error
	for ns := range namespacePaths {
		if err := r.connectNamespace(ctx, ns); err != nil {
			r.log.WithError(err).WithField("namespace", ns).Warn("socket connect failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes all three namespaces. Called when auth state becomes nil.
func (r *Router) Close() {
	r.mu.Lock()
	conns := make([]*nsConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.intentionalClose = true
		if c.cancelFn != nil {
			c.cancelFn()
			c.cancelFn = nil
		}
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}
	}
}

func (r *Router) connectNamespace(ctx context.Context, namespace string) error {
	r.mu.Lock()
	c := r.conns[namespace]
	token := r.token
	deviceID := r.deviceID
	r.mu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	c.mu.Unlock()

	wsURL := strings.Replace(r.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += namespacePaths[namespace] + "?token=" + token + "&device=" + deviceID

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", namespace, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	go r.readLoop(connCtx, c)
	go r.heartbeatLoop(connCtx, c)

	r.mu.Lock()
	onConnected := r.onConnected
	r.mu.Unlock()
	if onConnected != nil {
		onConnected(namespace)
	}

	return nil
}

func (r *Router) readLoop(ctx context.Context, c *nsConn) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.connected = false
			c.conn = nil
			c.mu.Unlock()
			if intentional {
				return
			}
			r.log.WithError(err).WithField("namespace", c.namespace).Info("socket disconnected")
			r.mu.Lock()
			onDisconnected := r.onDisconnected
			r.mu.Unlock()
			if onDisconnected != nil {
				onDisconnected(c.namespace)
			}
			if r.cfg.AutoReconnect && c.recon.shouldReconnect() {
				r.scheduleReconnect(c)
			}
			return
		}

		var env socketEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		r.handleEvent(env)
	}
}

// heartbeatLoop emits a liveness signal to the server while connected. This
// is not part of reconnection; the socket layer reconnects on its own.
func (r *Router) heartbeatLoop(ctx context.Context, c *nsConn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.isConnected() {
				return
			}
			if err := r.emit(ctx, c.namespace, "heartbeat", nil); err != nil {
				r.log.WithError(err).WithField("namespace", c.namespace).Debug("heartbeat failed")
			}
		}
	}
}

func (r *Router) scheduleReconnect(c *nsConn) {
	delay := c.recon.nextDelay()
	r.log.WithFields(logrus.Fields{"namespace": c.namespace, "delay": delay}).
		Info("socket reconnecting")
	r.mu.Lock()
	onReconnecting := r.onReconnecting
	r.mu.Unlock()
	if onReconnecting != nil {
		onReconnecting(c.namespace, c.recon.attempt)
	}
	time.Sleep(delay)

	if err := r.connectNamespace(context.Background(), c.namespace); err != nil {
		if r.cfg.AutoReconnect && c.recon.shouldReconnect() {
			r.scheduleReconnect(c)
		}
	}
}

// ============================================================================
// Outbound commands
// ============================================================================

func (r *Router) emit(ctx context.Context, namespace, event string, payload any) error {
	r.mu.Lock()
	c := r.conns[namespace]
	r.mu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("namespace %s not connected", namespace)
	}

	env := socketEnvelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = b
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func typingNamespace(ref ConversationRef) string {
	if ref.Type == ConversationGroup {
		return NamespaceGroup
	}
	return NamespaceDirect
}

// EmitTyping implements TypingEmitter.
func (r *Router) EmitTyping(ref ConversationRef) {
	r.mu.Lock()
	payload := typingEventPayload{UserID: r.selfID}
	r.mu.Unlock()
	if ref.Type == ConversationGroup {
		payload.GroupID = ref.ID
	} else {
		payload.ReceiverID = ref.ID
	}
	if err := r.emit(context.Background(), typingNamespace(ref), "typing", payload); err != nil {
		r.log.WithError(err).Debug("typing emit failed")
	}
}

// EmitStopTyping implements TypingEmitter.
func (r *Router) EmitStopTyping(ref ConversationRef) {
	r.mu.Lock()
	payload := typingEventPayload{UserID: r.selfID}
	r.mu.Unlock()
	if ref.Type == ConversationGroup {
		payload.GroupID = ref.ID
	} else {
		payload.ReceiverID = ref.ID
	}
	if err := r.emit(context.Background(), typingNamespace(ref), "stopTyping", payload); err != nil {
		r.log.WithError(err).Debug("stopTyping emit failed")
	}
}

// RequestUserStatus asks the server for one user's presence.
func (r *Router) RequestUserStatus(ctx context.Context, userID string) error {
	return r.emit(ctx, NamespaceMain, "getUserStatus", map[string]string{"userId": userID})
}

// RequestUsersStatus asks the server for several users' presence in one shot.
func (r *Router) RequestUsersStatus(ctx context.Context, userIDs []string) error {
	return r.emit(ctx, NamespaceMain, "getUsersStatus", map[string][]string{"userIds": userIDs})
}

// JoinGroup subscribes the group namespace to a group's room.
func (r *Router) JoinGroup(ctx context.Context, groupID string) error {
	return r.emit(ctx, NamespaceGroup, "joinGroup", map[string]string{"groupId": groupID})
}

var _ TypingEmitter = (*Router)(nil)

// ============================================================================
// Inbound routing
// ============================================================================

// handleEvent validates the payload and routes per the table at the top of
// this file. Malformed payloads are dropped with a log line; stores never see
// untyped data.
func (r *Router) handleEvent(env socketEnvelope) {
	ctx := context.Background()

	switch env.Event {
	case "newMessage":
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.handleNewMessage(ctx, msg)

	case "messageRecalled":
		var p recalledEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.messages.ApplyRecalled(p.MessageID)
		r.convs.ApplyRecalled(p.MessageID)

	case "messageDeleted":
		var p deletedEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		// Per-user hide: only a deletion by the local user (another device)
		// affects this client.
		if p.UserID == r.selfID {
			r.messages.ApplyDeleted(p.MessageID)
		}

	case "messageReactionUpdated", "messageUnReaction":
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.messages.ApplyReaction(&msg)

	case "userTyping":
		var p typingEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.presence.SetTyping(p.UserID)
		if ref, ok := r.typingConversation(p); ok {
			r.convs.SetTyping(ref, p.UserID)
		}

	case "userTypingStopped":
		var p typingEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.presence.ClearTyping(p.UserID)
		if ref, ok := r.typingConversation(p); ok {
			r.convs.ClearTyping(ref, p.UserID)
		}

	case "userStatus":
		var p statusEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.presence.SetStatus(p.UserID, p.Status, p.LastActivity)

	case "usersStatus":
		var ps []statusEventPayload
		if err := json.Unmarshal(env.Payload, &ps); err != nil {
			r.dropMalformed(env.Event, err)
			return
		}
		for _, p := range ps {
			if p.UserID != "" {
				r.presence.SetStatus(p.UserID, p.Status, p.LastActivity)
			}
		}

	case "memberAdded", "memberRemoved", "roleChanged", "groupUpdated",
		"avatarUpdated", "addedToGroup", "updateConversationList", "updateGroupList":
		// Membership and metadata changes can alter summary visibility in
		// ways the payload alone cannot patch; refetch wholesale.
		r.convs.Refetch(ctx)

	case "removedFromGroup", "groupDissolved":
		var p groupEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.GroupID == "" {
			r.dropMalformed(env.Event, err)
			return
		}
		r.handleGroupEviction(ctx, p.GroupID)

	default:
		r.log.WithField("event", env.Event).Debug("unhandled socket event")
	}
}

// handleNewMessage implements the dual-path routing invariant: conditional
// delivery to the open conversation's detail list, unconditional delivery to
// the summary list and the notification hook.
func (r *Router) handleNewMessage(ctx context.Context, msg Message) {
	r.mu.Lock()
	selfID := r.selfID
	notify := r.notify
	r.mu.Unlock()

	// Self-echo suppression: an event describing a message this client just
	// sent is already represented locally.
	if msg.SenderID == selfID && r.messages.WasSent(&msg) {
		return
	}

	open := r.messages.ActiveMatches(&msg)
	r.convs.ApplyIncoming(ctx, &msg, open)
	if notify != nil && msg.SenderID != selfID {
		notify(msg)
	}
	if open {
		r.messages.HandleIncoming(msg)
	}
}

func (r *Router) handleGroupEviction(ctx context.Context, groupID string) {
	ref := ConversationRef{Type: ConversationGroup, ID: groupID}

	r.mu.Lock()
	nav := r.nav
	r.mu.Unlock()

	if active, ok := r.messages.ActiveRef(); ok && active == ref {
		r.messages.ClearConversation(ref)
		if nav != nil {
			nav.LeaveConversation(ref)
		}
	} else {
		r.messages.ClearConversation(ref)
	}
	r.convs.Refetch(ctx)
}

// typingConversation resolves which conversation a typing event belongs to
// from whichever of receiverId/groupId pairs with the local user.
func (r *Router) typingConversation(p typingEventPayload) (ConversationRef, bool) {
	if p.GroupID != "" {
		return ConversationRef{Type: ConversationGroup, ID: p.GroupID}, true
	}
	r.mu.Lock()
	selfID := r.selfID
	r.mu.Unlock()
	if p.ReceiverID == selfID {
		return ConversationRef{Type: ConversationUser, ID: p.UserID}, true
	}
	return ConversationRef{}, false
}

func (r *Router) dropMalformed(event string, err error) {
	r.log.WithError(err).WithField("event", event).Warn("dropping malformed socket payload")
}
