// Command chatcli is a terminal client for the travel support chat service.
// It runs either as a customer (widget mode) or as a support agent (console
// mode) against a running server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"travelchat/internal/console"
	"travelchat/internal/domain"
	"travelchat/internal/logger"
	"travelchat/internal/restapi"
	"travelchat/internal/transport"
	"travelchat/internal/widget"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8082", "chat server base URL")
		token     = flag.String("token", "", "bearer token")
		userID    = flag.String("user", "", "user id")
		userName  = flag.String("name", "", "display name")
		role      = flag.String("role", "user", "user or agent")
		category  = flag.String("category", "booking", "chat category (user mode)")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *token == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -token TOKEN -user ID [-name NAME] [-role user|agent]")
		os.Exit(2)
	}
	if *userName == "" {
		*userName = *userID
	}
	if *verbose {
		logger.Initialize("chatcli", true)
	}

	api := restapi.NewClient(*serverURL, *token)
	api.UserID = *userID
	api.UserName = *userName

	wsBase := strings.Replace(*serverURL, "http", "ws", 1)
	userType := domain.RoleUser
	if *role == "agent" {
		userType = domain.RoleAgent
	}
	tr := transport.New(transport.Options{
		BaseURL:  wsBase,
		Token:    *token,
		UserID:   *userID,
		UserType: userType,
	})

	ctx := context.Background()
	if err := tr.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connection failed: %v\n", err)
		os.Exit(1)
	}
	defer tr.Disconnect()

	tr.OnDisconnect(func(err error) {
		fmt.Fprintf(os.Stderr, "\n! connection lost: %v\n", err)
		os.Exit(1)
	})

	if userType == domain.RoleAgent {
		runAgent(ctx, api, tr, *userID, *userName)
		return
	}
	runUser(ctx, api, tr, *userID, *userName, *category)
}

func runUser(ctx context.Context, api *restapi.Client, tr *transport.Transport, userID, userName, category string) {
	w := widget.NewController(api, tr, userID, userName, widget.Options{})

	seen := 0
	w.OnChange(func() {
		for _, msg := range w.Messages()[seen:] {
			printMessage(msg)
			seen++
		}
		if w.AwaitingFeedback() {
			fmt.Println("* chat closed; rate it with: /rate 1-5 [comment]")
		}
	})

	if err := w.StartChat(ctx, category, domain.PriorityMedium); err != nil {
		fmt.Fprintf(os.Stderr, "could not start chat: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/rate "):
			parts := strings.SplitN(strings.TrimPrefix(line, "/rate "), " ", 2)
			rating, err := strconv.Atoi(parts[0])
			if err != nil {
				fmt.Println("! usage: /rate 1-5 [comment]")
				continue
			}
			comment := ""
			if len(parts) == 2 {
				comment = parts[1]
			}
			if err := w.SubmitFeedback(ctx, rating, comment); err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			fmt.Println("* thanks for the feedback")
			return
		default:
			w.InputActivity()
			if err := w.SendMessage(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func runAgent(ctx context.Context, api *restapi.Client, tr *transport.Transport, agentID, agentName string) {
	c := console.NewController(api, tr, agentID, agentName, console.Options{})

	if err := c.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "could not load working set: %v\n", err)
		os.Exit(1)
	}

	stats := c.Analytics()
	fmt.Printf("today: %d started, %d closed, %d active, %d waiting\n",
		stats.ChatsStarted, stats.ChatsClosed, stats.ActiveChats, stats.WaitingChats)
	printQueue(c)

	seen := map[string]int{}
	c.OnChange(func() {
		sel := c.Selected()
		if sel == "" {
			return
		}
		msgs := c.Messages(sel)
		for _, msg := range msgs[seen[sel]:] {
			printMessage(msg)
		}
		seen[sel] = len(msgs)
		if name := c.CustomerTyping(sel); name != "" {
			fmt.Printf("* %s is typing...\n", name)
		}
	})

	fmt.Println("commands: /queue /chats /take ID /select ID /close ID [reason] /transfer ID AGENT [reason] /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/queue":
			printQueue(c)
		case line == "/chats":
			for _, room := range c.Assigned() {
				marker := " "
				if room.ID == c.Selected() {
					marker = ">"
				}
				fmt.Printf("%s %s  %s (%d unread)\n", marker, room.ID, room.CustomerName, c.UnreadCount(room.ID))
			}
		case fields[0] == "/take" && len(fields) == 2:
			if err := c.TakeChat(ctx, fields[1]); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case fields[0] == "/select" && len(fields) == 2:
			if err := c.Select(fields[1]); err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			c.MarkRoomRead(fields[1])
			for _, msg := range c.Messages(fields[1]) {
				printMessage(msg)
			}
			seen[fields[1]] = len(c.Messages(fields[1]))
		case fields[0] == "/close" && len(fields) >= 2:
			if err := c.CloseChat(ctx, fields[1], strings.Join(fields[2:], " ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case fields[0] == "/transfer" && len(fields) >= 3:
			if err := c.TransferChat(ctx, fields[1], fields[2], strings.Join(fields[3:], " ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		default:
			sel := c.Selected()
			if sel == "" {
				fmt.Println("! no chat selected")
				continue
			}
			c.SetInput(sel, line)
			if err := c.SendMessage(sel); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func printQueue(c *console.Controller) {
	queue := c.WaitingQueue()
	if len(queue) == 0 {
		fmt.Println("queue is empty")
		return
	}
	for _, room := range queue {
		fmt.Printf("#%d %s  %s  [%s/%s]\n",
			room.QueuePosition, room.ID, room.CustomerName, room.Category, room.Priority)
	}
}

func printMessage(msg domain.ChatMessage) {
	switch msg.MessageType {
	case domain.MessageSystem:
		fmt.Printf("* %s\n", msg.Content)
	default:
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderName, msg.Content)
	}
}
