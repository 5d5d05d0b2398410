package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/realtime"
)

func init() {
	sendCmd.Flags().StringP("file", "f", "", "attach a file")
	sendCmd.Flags().String("reply-to", "", "id of the message being answered")
	searchCmd.Flags().IntP("limit", "n", 20, "maximum number of users")

	rootCmd.AddCommand(chatsCmd, searchCmd, openCmd, sendCmd, watchCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.session.RefreshChats(cmd.Context()); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCHAT\tUNREAD\tLAST MESSAGE")
		for _, chat := range c.session.Chats().Chats() {
			last := ""
			if message, ok := chat.LastMessage(); ok {
				last = preview(message)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", chat.ID, chatTitle(chat, c.me.ID), chat.UnreadCount, last)
		}
		return w.Flush()
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users to chat with",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		users, err := c.api.SearchUsers(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEMAIL")
		for _, user := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\n", user.ID, user.Name, user.Email)
		}
		return w.Flush()
	},
}

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open (or create) the direct chat with a user and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		chat, err := c.session.OpenDirectChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), chat.ID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> [text...]",
	Short: "Send a message to a chat",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		input := realtime.SendMessageInput{
			ChatID:  args[0],
			Content: strings.Join(args[1:], " "),
		}
		input.ReplyTo, _ = cmd.Flags().GetString("reply-to")
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			input.Attachment = &realtime.Attachment{FileName: filepath.Base(path), Data: data}
		}

		if err := c.connect(cmd.Context()); err != nil {
			return err
		}
		defer c.close()

		sent, err := c.session.SendMessage(cmd.Context(), input)
		if err != nil {
			return err
		}
		if !sent {
			return fmt.Errorf("message not sent: chat connection unavailable")
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [chat-id]",
	Short: "Follow chat activity live; lines typed on stdin are sent to the chat",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := c.connect(ctx); err != nil {
			return err
		}
		defer c.close()

		if len(args) == 1 {
			if err := c.session.SetCurrentChat(ctx, args[0]); err != nil {
				return err
			}
			go c.forwardInput(ctx, args[0])
		}

		view := newWatchView(c, cmd)
		view.render()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.session.Changes():
				view.render()
			}
		}
	},
}

// forwardInput sends each stdin line to chatID.
func (c *client) forwardInput(ctx context.Context, chatID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.session.StartTyping(chatID)
		if _, err := c.session.SendMessage(ctx, realtime.SendMessageInput{ChatID: chatID, Content: line}); err != nil {
			c.logger.Warn().Err(err).Msg("send failed")
		}
	}
}

// watchView prints what changed since the previous render.
type watchView struct {
	c        *client
	cmd      *cobra.Command
	printed  map[string]string
	status   realtime.Status
	typing   string
	unread   map[string]int
	hasState bool
}

func newWatchView(c *client, cmd *cobra.Command) *watchView {
	return &watchView{c: c, cmd: cmd, printed: map[string]string{}, unread: map[string]int{}}
}

func (v *watchView) render() {
	out := v.cmd.OutOrStdout()
	session := v.c.session

	status := session.ConnectionStatus()
	if !v.hasState || status.Connected != v.status.Connected || status.Connecting != v.status.Connecting {
		fmt.Fprintf(out, "-- %s\n", describeStatus(status))
	}
	v.status = status
	v.hasState = true

	for _, chat := range session.Chats().Chats() {
		if chat.ID == session.ActiveChat() {
			continue
		}
		if chat.UnreadCount > v.unread[chat.ID] {
			fmt.Fprintf(out, "-- %d unread in %s\n", chat.UnreadCount, chatTitle(chat, v.c.me.ID))
		}
		v.unread[chat.ID] = chat.UnreadCount
	}

	chatID := session.ActiveChat()
	if chatID == "" {
		return
	}
	for _, message := range session.Messages().Messages() {
		line := v.formatMessage(message)
		if v.printed[message.ID] == line {
			continue
		}
		v.printed[message.ID] = line
		fmt.Fprintln(out, line)
	}

	typing := strings.Join(v.typingNames(chatID), ", ")
	if typing != v.typing && typing != "" {
		fmt.Fprintf(out, "-- %s typing...\n", typing)
	}
	v.typing = typing
}

func (v *watchView) formatMessage(message dto.ChatMessageResponse) string {
	sender := message.SenderID
	if message.Sender != nil {
		sender = message.Sender.Name
	}
	if message.SenderID == v.c.me.ID {
		sender = "you"
	}
	if v.c.session.Presence().IsOnline(message.SenderID) {
		sender += "*"
	}

	var marks []string
	if len(message.ReadBy) > 0 {
		marks = append(marks, fmt.Sprintf("read by %d", len(message.ReadBy)))
	}
	for _, reaction := range message.Reactions {
		marks = append(marks, reaction.Emoji)
	}
	suffix := ""
	if len(marks) > 0 {
		suffix = " [" + strings.Join(marks, " ") + "]"
	}
	return fmt.Sprintf("%s %s: %s%s", message.CreatedAt.Local().Format(time.Kitchen), sender, preview(message), suffix)
}

func (v *watchView) typingNames(chatID string) []string {
	ids := v.c.session.Typing().TypingUsers(chatID)
	names := make([]string, 0, len(ids))
	chat, _ := v.c.session.Chats().Chat(chatID)
	for _, id := range ids {
		name := id
		for _, member := range chat.Members {
			if member.ID == id {
				name = member.Name
			}
		}
		names = append(names, name)
	}
	return names
}

func describeStatus(status realtime.Status) string {
	switch {
	case status.Connected:
		return "connected"
	case status.Connecting:
		return "reconnecting"
	case status.Err != nil:
		return "disconnected: " + status.Err.Error()
	default:
		return "disconnected"
	}
}

func preview(message dto.ChatMessageResponse) string {
	switch {
	case message.IsDeleted:
		return "(deleted)"
	case message.FileURL != "" && message.Content == "":
		return fmt.Sprintf("[%s] %s", message.FileName, message.FileURL)
	case message.FileURL != "":
		return fmt.Sprintf("%s [%s]", message.Content, message.FileName)
	default:
		return message.Content
	}
}
