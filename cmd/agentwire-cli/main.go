// Command agentwire-cli is an interactive terminal client for the agentwire
// gateway. It drives the connection manager and conversation store the same
// way a UI would: events stream into the store, tokens print as they arrive,
// and approval requests pause for a yes/no answer.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/agentwire/agentwire/internal/client"
	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/state"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	threadID := flag.String("thread", "t1", "Thread ID for this conversation")
	flag.Parse()

	log.SetFlags(log.Ltime)

	store := state.NewStore()

	manager := client.NewManager(*addr, client.Options{
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
		MaxAttempts:    10,
		ConnectTimeout: 10 * time.Second,
		OnStateChange: func(s client.State) {
			fmt.Printf("\n[connection: %s]\n", s)
		},
		OnProtocolError: func(f protocol.ErrorFrame) {
			fmt.Printf("\n[server error %s: %s]\n", f.Code, f.Message)
		},
	})

	unsubscribe := manager.AddEventListener(func(ev protocol.Event) {
		store.Apply(ev)
		printEvent(ev)
	})
	defer unsubscribe()

	fmt.Printf("Connecting to %s...\n", *addr)
	manager.Connect()

	fmt.Println("Type a message and press Enter to send.")
	fmt.Println("Commands: /approve, /reject, /state, /quit")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Println("\nInterrupted")
		manager.Disconnect()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			manager.Disconnect()
			return
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch {
		case input == "/quit":
			manager.Disconnect()
			fmt.Println("Bye!")
			return

		case input == "/state":
			printThread(store, *threadID)

		case input == "/approve" || input == "/reject":
			respondHITL(store, manager, *threadID, input == "/approve")

		default:
			store.AppendUserMessage(*threadID, input)
			err := manager.SendMessage(protocol.ControlMessage{
				Type:     protocol.TypeChat,
				ThreadID: *threadID,
				Message:  input,
			})
			if err != nil {
				log.Printf("Send error: %v", err)
			}
		}
	}
}

// respondHITL claims the outstanding approval request and sends the
// decision. The claim clears the request, so a repeated command is rejected
// locally instead of producing a second response on the wire.
func respondHITL(store *state.Store, manager *client.Manager, threadID string, approved bool) {
	req, err := store.TakePendingHITL(threadID, pendingRunID(store, threadID))
	if err != nil {
		fmt.Printf("No approval to answer: %v\n", err)
		return
	}

	err = manager.SendMessage(protocol.ControlMessage{
		Type:     protocol.TypeHITLResponse,
		RunID:    req.RunID,
		Approved: &approved,
	})
	if err != nil {
		log.Printf("Send error: %v", err)
	}
}

func pendingRunID(store *state.Store, threadID string) string {
	t, ok := store.Thread(threadID)
	if !ok || t.PendingHITL == nil {
		return ""
	}
	return t.PendingHITL.RunID
}

func printEvent(ev protocol.Event) {
	switch ev.Event {
	case protocol.EventToken:
		var data protocol.TokenData
		_ = json.Unmarshal(ev.Data, &data)
		fmt.Print(data.Text)

	case protocol.EventRunFinished:
		fmt.Println()

	case protocol.EventRunError:
		var data protocol.RunErrorData
		_ = json.Unmarshal(ev.Data, &data)
		fmt.Printf("\n[error %s] %s\n", data.Kind, data.Message)

	case protocol.EventHITLRequest:
		var data protocol.HITLRequestData
		_ = json.Unmarshal(ev.Data, &data)
		fmt.Printf("\n[approval required] %s %s (/approve or /reject)\n", data.ToolName, string(data.ToolArgs))

	case protocol.EventToolCallStarted:
		var data protocol.ToolCallStartedData
		_ = json.Unmarshal(ev.Data, &data)
		fmt.Printf("\n[tool] %s started\n", data.ToolName)

	case protocol.EventToolCallCompleted:
		var data protocol.ToolCallCompletedData
		_ = json.Unmarshal(ev.Data, &data)
		fmt.Printf("[tool] %s: %s\n", data.ToolCallID, data.Status)
	}
}

func printThread(store *state.Store, threadID string) {
	t, ok := store.Thread(threadID)
	if !ok {
		fmt.Println("(empty thread)")
		return
	}
	fmt.Printf("thread %s status=%s\n", t.ID, t.Status)
	for _, m := range t.Messages {
		fmt.Printf("  [%s] %s\n", m.Role, m.Content)
	}
	for _, tc := range t.ToolCalls {
		fmt.Printf("  tool %s (%s): %s\n", tc.Name, tc.ID, tc.Status)
	}
}
