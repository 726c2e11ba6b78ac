package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/heartline/internal/api"
	"github.com/spf13/cobra"
)

var (
	chatsLimit  int
	chatsOffset int
)

func init() {
	chatsListCmd.Flags().IntVar(&chatsLimit, "limit", 20, "page size")
	chatsListCmd.Flags().IntVar(&chatsOffset, "offset", 0, "conversations to skip")

	chatsCmd.AddCommand(chatsListCmd, chatsShowCmd, chatsRefreshCmd)
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Browse conversations",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListConversations(ctx, chatsLimit, chatsOffset)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Conversations) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, conv := range resp.Conversations {
				preview := ""
				if conv.LastMessage != nil {
					preview = truncate(conv.LastMessage.Content, 48)
				}
				fmt.Printf("%-24s %-24s %s  %s\n", conv.ID, truncate(conv.Title, 24), formatUnixMs(conv.LastActivityUnixMs), preview)
			}
			if resp.HasMore {
				fmt.Printf("... more with --offset %d\n", chatsOffset+len(resp.Conversations))
			}
			return nil
		})
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			conv, err := c.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(conv)
				return nil
			}
			fmt.Printf("%s (%s)\n", conv.Title, conv.ID)
			for _, m := range conv.Messages {
				body := m.Content
				switch {
				case m.Deleted:
					body = "(deleted)"
				case m.Type != "" && m.Type != "text":
					body = fmt.Sprintf("[%s] %s", m.Type, m.Content)
				}
				if m.Edited && !m.Deleted {
					body += " (edited)"
				}
				fmt.Printf("%s  %-16s %s\n", formatUnixMs(m.CreatedAtUnixMs), m.AuthorID, body)
			}
			return nil
		})
	},
}

var chatsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch a fresh conversation snapshot now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Refresh(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Refreshed: %d conversations\n", resp.Conversations)
			return nil
		})
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
