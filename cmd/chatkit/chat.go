package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatkit "github.com/shoptanh/chatkit"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <seller-id>",
	Short: "Open a conversation with a seller",
	Long:  "Start an interactive conversation with a seller as the configured customer.\nType messages and press enter to send; /quit leaves.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sellerID, err := parseID(args[0])
		if err != nil {
			return err
		}

		client, cfg := getClient()
		if cfg.Identity.Role == "seller" {
			return fmt.Errorf("configured identity is a seller; use 'chatkit console'")
		}

		session := chatkit.NewSession(client, chatkit.RoleCustomer, cfg.Identity.UserID,
			chatkit.WithCounterpart(sellerID))
		defer session.Close()

		session.OnMessage(func(m chatkit.ChatMessage) {
			printMessage(m, cfg.Identity.UserID)
		})
		session.OnConnectionState(func(st chatkit.SocketState, err error) {
			fmt.Printf("-- connection: %s\n", fmtState(st, err))
		})
		session.OnSendFailure(func(f *chatkit.SendFailure) {
			fmt.Printf("-- message not delivered: %v\n", f)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = session.Start(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}

		for _, m := range session.Messages(session.ActiveRoom()) {
			printMessage(m, cfg.Identity.UserID)
		}
		fmt.Println("-- type a message, /quit to leave")

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, err := session.Send(ctx, line)
			cancel()
			if err != nil {
				fmt.Printf("-- send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

// printMessage renders one message line, marking our own side.
func printMessage(m chatkit.ChatMessage, selfID int64) {
	who := string(m.SenderType)
	if m.SenderID == selfID {
		who = "you"
	}
	pending := ""
	if !m.Confirmed() {
		pending = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04:05"), who, m.Content, pending)
}
