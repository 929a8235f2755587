package main

import (
	"fmt"
	"os"

	talkwire "github.com/TalkWire-IM/talkwire-go"
	"github.com/google/uuid"
)

// getClient creates a TalkWire client authenticated with the stored token.
func getClient() *talkwire.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'talkwire login <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []talkwire.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, talkwire.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.DeviceID != "" {
		opts = append(opts, talkwire.WithDeviceID(cfg.Default.DeviceID))
	}

	return talkwire.NewClient(cfg.Auth.Token, opts...)
}

// getEngine assembles a full sync engine for commands that need live events.
func getEngine() (*talkwire.Engine, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'talkwire login <token> <user-id>' first.")
		os.Exit(1)
	}
	if cfg.Default.DeviceID == "" {
		cfg.Default.DeviceID = uuid.NewString()
		if err := saveConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to persist device id: %v\n", err)
			os.Exit(1)
		}
	}

	engine := talkwire.NewEngine(talkwire.EngineConfig{
		BaseURL:  cfg.Default.BaseURL,
		Token:    cfg.Auth.Token,
		DeviceID: cfg.Default.DeviceID,
		Router:   talkwire.RouterConfig{AutoReconnect: true},
	})
	engine.SetCurrentUser(cfg.Auth.UserID)
	return engine, cfg
}

// parseRef turns "user:<id>" or "group:<id>" into a conversation reference.
func parseRef(arg string) (talkwire.ConversationRef, error) {
	var ref talkwire.ConversationRef
	switch {
	case len(arg) > 5 && arg[:5] == "user:":
		ref = talkwire.ConversationRef{Type: talkwire.ConversationUser, ID: arg[5:]}
	case len(arg) > 6 && arg[:6] == "group:":
		ref = talkwire.ConversationRef{Type: talkwire.ConversationGroup, ID: arg[6:]}
	default:
		return ref, fmt.Errorf("target must be user:<id> or group:<id>, got %q", arg)
	}
	return ref, nil
}
