package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-notes-api/internal/config"
	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/realtime"
)

var rootCmd = &cobra.Command{
	Use:   "gema-chat",
	Short: "Terminal client for GEMA chat",
	Long: `gema-chat talks to a GEMA Notes API server: it lists chats, searches users,
sends messages and follows a conversation live over the chat websocket.

Configuration comes from GEMA_CLIENT_* environment variables or a .env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

// client bundles one configured chat stack. The websocket is not dialled until connect.
type client struct {
	cfg     config.ClientConfig
	logger  zerolog.Logger
	api     *realtime.APIClient
	conn    *realtime.ConnectionManager
	session *realtime.Session
	me      dto.UserResponse
}

func newClient(cmd *cobra.Command) (*client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = zerolog.DebugLevel
	}
	logger = logger.Level(level)

	api := realtime.NewAPIClient(cfg.ServerURL, cfg.Token, cfg.RequestTimeout)
	me, err := api.Me(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}

	wsURL, err := realtime.WebsocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	conn, err := realtime.NewConnectionManager(realtime.ConnectionManagerConfig{
		URL:                  wsURL,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	session, err := realtime.NewSession(realtime.SessionConfig{
		SelfID:    me.ID,
		Transport: conn,
		API:       api,
		Presence:  realtime.NewPresenceTracker(),
		Typing: realtime.NewTypingTracker(realtime.TypingTrackerConfig{
			Emitter:    conn,
			IdleWindow: cfg.TypingIdleWindow,
			RemoteTTL:  cfg.RemoteTypingTTL,
		}),
		Messages: realtime.NewMessageStore(api, 0, logger),
		Chats:    realtime.NewChatListCache(api, me.ID, logger),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &client{cfg: cfg, logger: logger, api: api, conn: conn, session: session, me: me}, nil
}

func (c *client) connect(ctx context.Context) error {
	c.session.Start(ctx)
	if err := c.conn.Connect(ctx, c.cfg.Token); err != nil {
		return fmt.Errorf("connect to chat: %w", err)
	}
	return nil
}

func (c *client) close() {
	c.session.Close()
	c.conn.Disconnect()
}

func chatTitle(chat dto.ChatResponse, selfID string) string {
	if chat.Name != "" {
		return chat.Name
	}
	for _, member := range chat.Members {
		if member.ID != selfID {
			return member.Name
		}
	}
	return chat.ID
}
