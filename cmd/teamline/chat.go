package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	teamline "github.com/teamline-hq/teamline-go"
)

var (
	conversationsJSON bool

	createUser    string
	createProject string
	createTitle   string

	messagesLimit int
	messagesJSON  bool

	sendReplyTo string
	sendAttach  []string

	watchConversation string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Print raw JSON")
	conversationsCreateCmd.Flags().StringVar(&createUser, "user", "", "Counterpart email for a direct conversation")
	conversationsCreateCmd.Flags().StringVar(&createProject, "project", "", "Project ID for a project conversation")
	conversationsCreateCmd.Flags().StringVar(&createTitle, "title", "", "Conversation title")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum messages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Print raw JSON")

	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "Path of an image or video to attach (repeatable)")

	rootCmd.AddCommand(readCmd)

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "Only print activity for one conversation")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse and create conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			presence := ""
			if c.Counterpart != nil && c.Counterpart.Online {
				presence = " [online]"
			}
			fmt.Printf("%s  %-9s %s%s%s\n", c.ID, c.Kind, conversationTitle(&c), presence, badge)
			if c.LastPreview != "" {
				fmt.Printf("    %s\n", c.LastPreview)
			}
		}
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <kind>",
	Short: "Create a conversation",
	Long:  "Create a conversation.\nDirect conversations need --user; project conversations need --project.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := teamline.ConversationKind(args[0])
		client, _ := getClient()

		opts := &teamline.CreateConversationOptions{
			Kind:      kind,
			UserEmail: createUser,
			ProjectID: createProject,
			Title:     createTitle,
		}
		if kind == teamline.KindDirect && createUser == "" {
			return fmt.Errorf("direct conversations require --user")
		}
		if kind == teamline.KindProject && createProject == "" {
			return fmt.Errorf("project conversations require --project")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Conversations.Create(ctx, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Created conversation %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Messages.List(ctx, conversationID, messagesLimit, time.Time{})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range msgs {
			printMessage(&msg)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, body := args[0], args[1]
		client, _ := getClient()

		opts := &teamline.SendOptions{}
		if sendReplyTo != "" {
			opts.ReplyTo = &teamline.ReplyRef{MessageID: sendReplyTo}
		}
		for _, path := range sendAttach {
			att, err := stageFile(path)
			if err != nil {
				return err
			}
			opts.Attachments = append(opts.Attachments, *att)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		msg, err := client.Messages.Send(ctx, conversationID, body, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Body:       %s\n", msg.Body)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked read\n", conversationID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live conversation activity",
	Long:  "Connect to the realtime channel and print messages, typing, and presence as they happen. Press Ctrl+C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		if cfg.Auth.Email == "" {
			return fmt.Errorf("no account email configured; run 'teamline init <token> <email>'")
		}

		engine := teamline.NewSyncEngine(client, teamline.EngineOptions{
			LocalUser: cfg.Auth.Email,
		})

		unsubscribe := engine.Subscribe(func(ch teamline.Change) {
			if watchConversation != "" && ch.ConversationID != "" && ch.ConversationID != watchConversation {
				return
			}
			switch ch.Kind {
			case teamline.ChangeMessages:
				msgs := engine.ConversationMessages(ch.ConversationID)
				if len(msgs) > 0 {
					printMessage(&msgs[len(msgs)-1])
				}
			case teamline.ChangeTyping:
				var names []string
				for _, t := range engine.TypingUsers(ch.ConversationID) {
					name := t.UserName
					if name == "" {
						name = t.UserEmail
					}
					names = append(names, name)
				}
				if len(names) > 0 {
					fmt.Printf("-- %s typing in %s\n", strings.Join(names, ", "), ch.ConversationID)
				}
			case teamline.ChangePresence:
				for _, c := range engine.Conversations() {
					if c.ID == ch.ConversationID && c.Counterpart != nil {
						state := "offline"
						if c.Counterpart.Online {
							state = "online"
						}
						fmt.Printf("-- %s is %s\n", c.Counterpart.Email, state)
					}
				}
			}
		})
		defer unsubscribe()

		rt := teamline.NewRealtimeClient(client.BaseURL(), &teamline.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)...\n", attempt, delay)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := engine.Start(ctx, rt); err != nil {
			return fmt.Errorf("failed to start sync: %w", err)
		}
		defer engine.Stop()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer rt.Disconnect()

		fmt.Printf("Watching %d conversations. Press Ctrl+C to stop.\n", len(engine.Conversations()))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopped.")
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func conversationTitle(c *teamline.Conversation) string {
	if c.Title != "" {
		return c.Title
	}
	if c.Counterpart != nil {
		if c.Counterpart.DisplayName != "" {
			return c.Counterpart.DisplayName
		}
		return c.Counterpart.Email
	}
	return "(untitled)"
}

func printMessage(msg *teamline.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04")
	body := msg.Body
	if len(msg.Attachments) > 0 {
		body = fmt.Sprintf("%s [%d attachment(s)]", body, len(msg.Attachments))
	}
	fmt.Printf("[%s] %s: %s\n", ts, msg.Sender, body)
}

// stageFile reads a local file into a staged attachment, inferring the
// attachment kind from its MIME type.
func stageFile(path string) (*teamline.StagedAttachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	var kind teamline.AttachmentKind
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		kind = teamline.AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		kind = teamline.AttachmentVideo
	default:
		return nil, fmt.Errorf("unsupported attachment type %q for %s (images and videos only)", mimeType, path)
	}

	return &teamline.StagedAttachment{
		Kind:     kind,
		FileName: filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	}, nil
}
