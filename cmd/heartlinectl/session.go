package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/heartline/internal/api"
	"github.com/matheus3301/heartline/internal/session"
	"github.com/spf13/cobra"
)

var (
	loginName  string
	loginToken string
	watchKind  string
)

func init() {
	loginCmd.Flags().StringVar(&loginName, "name", "", "display name")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "credential (defaults to HEARTLINE_TOKEN from the session .env)")
	watchCmd.Flags().StringVar(&watchKind, "kind", "", "only events whose kind starts with this prefix (e.g. call.)")

	rootCmd.AddCommand(statusCmd, loginCmd, logoutCmd, watchCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, channel, sync and call status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			printStatus(st)
			return nil
		})
	},
}

func printStatus(st api.StatusView) {
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Uptime:  %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	if !st.LoggedIn {
		fmt.Println("Identity: not logged in")
		return
	}
	fmt.Printf("Identity: %s (%s)\n", st.DisplayName, st.UserID)
	if ch := st.Channel; ch != nil {
		fmt.Printf("Channel: %s (dials %d, errors %d)\n", ch.State, ch.Dials, ch.ConsecutiveErrors)
		if ch.LastError != "" {
			fmt.Printf("  last error: %s\n", ch.LastError)
		}
	}
	if s := st.Sync; s != nil {
		fmt.Printf("Chats:   %d (last snapshot %s)\n", s.Conversations, formatUnixMs(s.LastSnapshotUnixMs))
		if s.LastError != "" {
			fmt.Printf("  last error: %s\n", s.LastError)
		}
	}
	if st.Call != nil {
		fmt.Printf("Call:    %s\n", describeCall(*st.Call))
	}
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Log the daemon in as a user, replacing any current identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Login(ctx, api.LoginRequest{UserID: args[0], DisplayName: loginName, Token: loginToken})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			printStatus(st)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Tear down the current identity's channel, chats and calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Logout(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := session.Resolve(sessionFlag)
		if err := session.ValidateName(name); err != nil {
			return err
		}
		c, err := api.NewClient(session.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchEvents(ctx, watchKind, func(evt api.Event) error {
			if jsonFlag {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s  %-24s %v\n", formatUnixMs(evt.OccurredAtUnixMs), evt.Kind, evt.Payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
