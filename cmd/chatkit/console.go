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
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(consoleCmd)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the seller's conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		if cfg.Identity.Role != "seller" {
			return fmt.Errorf("configured identity is not a seller")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rooms, err := client.SellerRooms(ctx, cfg.Identity.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(rooms) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		printRooms(rooms)
		return nil
	},
}

// ============================================================================
// console
// ============================================================================

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive seller console",
	Long: "Work the room list live: new messages bump unread counts as they arrive.\n" +
		"Commands: /rooms, /open <room-id>, /close, /quit; anything else is sent to the open room.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		if cfg.Identity.Role != "seller" {
			return fmt.Errorf("configured identity is not a seller")
		}

		session := chatkit.NewSession(client, chatkit.RoleSeller, cfg.Identity.UserID)
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
		err := session.Start(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}

		printRooms(session.Rooms())
		fmt.Println("-- /open <room-id> to answer, /quit to leave")

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			if err := consoleCommand(session, line); err != nil {
				fmt.Printf("-- %v\n", err)
			}
		}
		return scanner.Err()
	},
}

func consoleCommand(session *chatkit.Session, line string) error {
	switch {
	case line == "/rooms":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rooms, err := session.RefreshRooms(ctx)
		if err != nil {
			return err
		}
		printRooms(rooms)
		return nil

	case strings.HasPrefix(line, "/open "):
		roomID, err := parseID(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		history, err := session.OpenRoom(ctx, roomID)
		if err != nil {
			return err
		}
		fmt.Printf("-- room %d open\n", roomID)
		for _, m := range history {
			printMessage(m, 0)
		}
		return nil

	case line == "/close":
		session.CloseRoom()
		fmt.Println("-- room closed")
		return nil

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", line)

	default:
		if session.ActiveRoom() == 0 {
			return fmt.Errorf("no room open; /open <room-id> first")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, err := session.Send(ctx, line)
		return err
	}
}

func printRooms(rooms []chatkit.ChatRoom) {
	fmt.Printf("%-8s %-10s %-7s %s\n", "ROOM", "CUSTOMER", "UNREAD", "LAST MESSAGE")
	for _, r := range rooms {
		preview := r.LastMessage
		if len(preview) > 48 {
			preview = preview[:45] + "..."
		}
		fmt.Printf("%-8d %-10d %-7d %s\n", r.ID, r.CustomerID, r.UnreadCount, preview)
	}
}
