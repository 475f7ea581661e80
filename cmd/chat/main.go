// Command chat is an interactive console client for the chat relay.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/apolmos/chatrelay/pkg/client"
	"github.com/apolmos/chatrelay/pkg/protocol"
)

var version = "dev" // Set by build flags

var (
	senderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func main() {
	var (
		addr        = flag.String("server", "localhost:1500", "Server address (host:port, ws://..., or ssh://...)")
		username    = flag.String("username", "", "Username to register (required)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chat %s\n", version)
		return
	}

	if *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: chat -username <name> [-server host:port]")
		os.Exit(1)
	}

	c, err := client.Dial(*addr, 10*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("Connection failed: %v", err)))
		os.Exit(1)
	}
	defer c.Close()

	sessionID, err := c.Register(*username, 10*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("Registration failed: %v", err)))
		os.Exit(1)
	}

	fmt.Println(systemStyle.Render(fmt.Sprintf("Connected to %s as %s (session %d)", *addr, *username, sessionID)))
	fmt.Println(systemStyle.Render("Commands: /ban <name>, /unban <name>, /logout"))

	// Print incoming frames as they arrive
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range c.Incoming() {
			printFrame(frame)
		}
		if err := c.Err(); err != nil {
			fmt.Println(errorStyle.Render(fmt.Sprintf("Connection lost: %v", err)))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/logout":
			err = c.Logout()
			if err == nil {
				fmt.Println(systemStyle.Render("Logged out"))
				c.Close()
				<-done
				return
			}
		case strings.HasPrefix(line, "/ban "):
			err = c.Ban(strings.TrimSpace(strings.TrimPrefix(line, "/ban ")))
		case strings.HasPrefix(line, "/unban "):
			err = c.Unban(strings.TrimSpace(strings.TrimPrefix(line, "/unban ")))
		case strings.HasPrefix(line, "/"):
			fmt.Println(errorStyle.Render(fmt.Sprintf("Unknown command: %s", line)))
			continue
		default:
			err = c.SendChat(line)
		}

		if err != nil {
			fmt.Println(errorStyle.Render(fmt.Sprintf("Send failed: %v", err)))
			return
		}
	}
}

// printFrame renders a server frame to the console
func printFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeRelayed:
		msg := &protocol.RelayedMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		ts := time.UnixMilli(msg.Timestamp).Format("15:04")
		fmt.Printf("%s %s %s\n", timeStyle.Render(ts), senderStyle.Render(msg.SenderUsername+":"), msg.Content)
	case protocol.TypeBanAck:
		msg := &protocol.BanAckMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		if msg.Success {
			fmt.Println(systemStyle.Render(msg.Message))
		} else {
			fmt.Println(errorStyle.Render(msg.Message))
		}
	case protocol.TypeUserJoined:
		msg := &protocol.UserJoinedMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		fmt.Println(systemStyle.Render(fmt.Sprintf("* %s joined", msg.Username)))
	case protocol.TypeUserLeft:
		msg := &protocol.UserLeftMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		fmt.Println(systemStyle.Render(fmt.Sprintf("* %s left", msg.Username)))
	case protocol.TypeError:
		msg := &protocol.ErrorMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		fmt.Println(errorStyle.Render(fmt.Sprintf("Server error %d: %s", msg.ErrorCode, msg.Message)))
	case protocol.TypeDisconnect:
		msg := &protocol.DisconnectMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		reason := "no reason given"
		if msg.Reason != nil {
			reason = *msg.Reason
		}
		fmt.Println(systemStyle.Render(fmt.Sprintf("Disconnected by server: %s", reason)))
	case protocol.TypePong:
		// Keepalive response, nothing to show
	}
}
