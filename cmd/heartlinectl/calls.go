package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/heartline/internal/api"
	"github.com/spf13/cobra"
)

var (
	callVideo  bool
	callsLimit int
)

func init() {
	callStartCmd.Flags().BoolVar(&callVideo, "video", false, "start a video call instead of audio")
	callHistoryCmd.Flags().IntVar(&callsLimit, "limit", 20, "number of calls to show")

	callCmd.AddCommand(
		callStatusCmd,
		callStartCmd,
		intentCmd("accept", "Accept the ringing incoming call", "AcceptCall"),
		intentCmd("reject", "Reject the ringing incoming call", "RejectCall"),
		intentCmd("cancel", "Cancel the outgoing call before it is answered", "CancelCall"),
		intentCmd("hangup", "End the current call", "HangUp"),
		intentCmd("dismiss", "Clear an ended call", "DismissCall"),
		toggleCmd("mic", "Toggle the microphone", "ToggleMicrophone", "Microphone"),
		toggleCmd("camera", "Toggle the camera (video calls only)", "ToggleCamera", "Camera"),
		callHistoryCmd,
	)
	rootCmd.AddCommand(callCmd)
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place and control audio/video calls",
}

var callStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			v, err := c.Call(ctx)
			if err != nil {
				return err
			}
			return printCall(v)
		})
	},
}

var callStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Ring a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := "audio"
		if callVideo {
			kind = "video"
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			v, err := c.StartCall(ctx, args[0], kind)
			if err != nil {
				return err
			}
			return printCall(v)
		})
	},
}

func intentCmd(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				v, err := c.CallIntent(ctx, method)
				if err != nil {
					return err
				}
				return printCall(v)
			})
		},
	}
}

func toggleCmd(use, short, method, label string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Toggle(ctx, method)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				state := "off"
				if resp.Enabled {
					state = "on"
				}
				fmt.Printf("%s %s\n", label, state)
				return nil
			})
		},
	}
}

var callHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent calls, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListCalls(ctx, callsLimit)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Calls) == 0 {
				fmt.Println("No calls.")
				return nil
			}
			for _, r := range resp.Calls {
				d := (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Second)
				fmt.Printf("%s  %-8s %-5s %-16s %-10s %s\n", formatUnixMs(r.StartedAtUnixMs), r.Direction, r.Kind, r.PeerID, r.EndReason, d)
			}
			return nil
		})
	},
}

func printCall(v api.CallView) error {
	if jsonFlag {
		outputJSON(v)
		return nil
	}
	fmt.Println(describeCall(v))
	return nil
}

func describeCall(v api.CallView) string {
	if v.CallID == "" {
		return v.Phase
	}
	peer := v.PeerName
	if peer == "" {
		peer = v.PeerID
	}
	s := fmt.Sprintf("%s %s %s call with %s (%s)", v.Phase, v.Direction, v.Kind, peer, v.CallID)
	if v.EndReason != "" {
		s += ", ended: " + v.EndReason
	}
	if v.Phase == "ACTIVE" {
		mic := "on"
		if !v.MicEnabled {
			mic = "muted"
		}
		s += ", mic " + mic
		if v.Kind == "video" {
			cam := "on"
			if !v.CameraEnabled {
				cam = "off"
			}
			s += ", camera " + cam
		}
	}
	return s
}
