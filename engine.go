package talkwire

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Engine
// ============================================================================

// EngineConfig configures the assembled sync engine.
type EngineConfig struct {
	BaseURL  string
	Token    string
	DeviceID string
	Router   RouterConfig
	Logger   *logrus.Logger
}

// Engine composes the HTTP client, the stores, and the socket router into
// one unit with a single auth lifecycle. Construct one per signed-in user.
type Engine struct {
	Client   *Client
	Cache    *ConversationCache
	Convs    *ConversationListStore
	Messages *MessageStore
	Presence *PresenceStore
	Router   *Router

	log *logrus.Logger
}

// NewEngine wires the full store graph. The engine starts disconnected;
// call Start once the token belongs to an authenticated user.
func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var opts []ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.DeviceID != "" {
		opts = append(opts, WithDeviceID(cfg.DeviceID))
	}
	client := NewClient(cfg.Token, opts...)

	cache := NewConversationCache()
	convs := NewConversationListStore(client, log)
	messages := NewMessageStore(client, cache, convs, log)
	presence := NewPresenceStore()
	router := NewRouter(client, messages, convs, presence, cfg.Router, log)
	messages.SetEmitter(router)

	return &Engine{
		Client:   client,
		Cache:    cache,
		Convs:    convs,
		Messages: messages,
		Presence: presence,
		Router:   router,
		log:      log,
	}
}

// SetCurrentUser propagates the signed-in user's id to every store that
// needs it for echo suppression, unread counting, and typing resolution.
func (e *Engine) SetCurrentUser(id string) {
	e.Messages.SetCurrentUser(id)
	e.Convs.SetCurrentUser(id)
	e.Router.SetCurrentUser(id)
}

// SetNavigator injects the forced-navigation hook used when the open
// conversation disappears from under the user.
func (e *Engine) SetNavigator(nav Navigator) {
	e.Router.SetNavigator(nav)
}

// SetNotify injects the notification hook for inbound messages.
func (e *Engine) SetNotify(fn func(Message)) {
	e.Router.SetNotify(fn)
}

// Start loads the first page of conversations and opens the socket
// namespaces. Socket failures do not fail Start; the router reconnects on
// its own and the HTTP surface remains usable.
func (e *Engine) Start(ctx context.Context) error {
	e.Convs.FetchConversations(ctx, 1, 0)
	if err := e.Router.Connect(ctx); err != nil {
		e.log.WithError(err).Warn("socket connect incomplete, continuing over HTTP")
	}
	return nil
}

// Stop tears down the socket namespaces. The stores keep their state so a
// later Start resumes warm.
func (e *Engine) Stop() {
	e.Router.Close()
}

// SignOut clears auth and store state. The engine must not be reused for a
// different user without a fresh token via UpdateToken.
func (e *Engine) SignOut() {
	e.Router.Close()
	e.Client.SetToken("")
}

// UpdateToken installs a refreshed token for both HTTP and subsequent socket
// reconnects.
func (e *Engine) UpdateToken(token string) {
	e.Client.SetToken(token)
	e.Router.SetToken(token)
}
