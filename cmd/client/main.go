package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cbodonnell/governor/pkg/client"
	clientnetwork "github.com/cbodonnell/governor/pkg/client/network"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/queue"
	"github.com/cbodonnell/governor/pkg/rules/tally"
	"github.com/cbodonnell/governor/pkg/version"
)

func main() {
	defaultServerURL := fmt.Sprintf("tcp://%s:%d", clientnetwork.DefaultServerHostname, clientnetwork.DefaultServerTCPPort)
	serverURL := flag.String("server-url", defaultServerURL, "Server URL (tcp://, ws://, or wss://)")
	sessionID := flag.String("session", "", "Session ID to join")
	participantID := flag.String("participant", "", "Participant ID to join as")
	token := flag.String("token", "", "Join token")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)

	if *sessionID == "" || *participantID == "" {
		fmt.Println("Both -session and -participant must be set.")
		os.Exit(1)
	}

	fmt.Printf("Session client version %s connecting to %s\n", version.Get(), *serverURL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageQueue := queue.NewInMemoryQueue(1000)
	networkManager, err := clientnetwork.NewNetworkManager(clientnetwork.NewNetworkManagerOptions{
		ServerURL:    *serverURL,
		MessageQueue: messageQueue,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create network manager: %v", err))
	}

	go func(cancel context.CancelFunc) {
		if err := networkManager.Start(ctx); err != nil {
			fmt.Println("Server disconnected:", err)
		}
		cancel()
	}(cancel)

	sessionClient := client.NewSessionClient(client.NewSessionClientOptions{
		SessionID:     *sessionID,
		ParticipantID: *participantID,
		Token:         *token,
		Transport:     networkManager,
		Rules:         tally.NewEngine(tally.NewEngineOptions{}),
		OnRejected: func(rejected *messages.ServerRejected) {
			fmt.Printf("Rejected (%s): %s\n", rejected.Code, rejected.Reason)
		},
		OnRedirect: func(redirect *messages.ServerRedirect) {
			fmt.Printf("Session is served by %s at %s, reconnect there.\n", redirect.Owner, redirect.Addr)
		},
	})
	go sessionClient.Run(ctx, messageQueue)

	if err := sessionClient.Join(); err != nil {
		panic(fmt.Sprintf("Failed to join session: %v", err))
	}

	go readCommands(sessionClient, cancel)

	// Gracefully handle Ctrl+C to stop the program
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stopSignal:
		fmt.Println("Received stop signal, exiting.")
	case <-ctx.Done():
	}

	fmt.Println("Exiting session client.")
}

func readCommands(sessionClient *client.SessionClient, cancel context.CancelFunc) {
	fmt.Println("Commands: add <amount>, forfeit, resync, state, exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "add":
			if len(fields) != 2 {
				fmt.Println("Usage: add <amount>")
				continue
			}
			amount, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("Amount must be a number:", err)
				continue
			}
			payload, err := json.Marshal(map[string]interface{}{"type": "add", "amount": amount})
			if err != nil {
				fmt.Println("Error building action:", err)
				continue
			}
			clientSeq, err := sessionClient.SubmitAction(payload)
			if err != nil {
				fmt.Println("Error submitting action:", err)
				continue
			}
			fmt.Printf("Submitted action %d\n", clientSeq)
		case "forfeit":
			if _, err := sessionClient.Forfeit(); err != nil {
				fmt.Println("Error forfeiting:", err)
			}
		case "resync":
			if err := sessionClient.RequestResync(); err != nil {
				fmt.Println("Error requesting resync:", err)
			}
		case "state":
			printState(sessionClient)
		case "exit":
			fmt.Println("Received exit command, exiting.")
			cancel()
			return
		default:
			fmt.Println("Commands: add <amount>, forfeit, resync, state, exit")
		}
	}
}

func printState(sessionClient *client.SessionClient) {
	status, winner := sessionClient.Status()
	_, sequence := sessionClient.State()
	fmt.Printf("Status: %s, sequence %d\n", status, sequence)
	if winner != "" {
		fmt.Printf("Winner: %s\n", winner)
	}
	if disconnected := sessionClient.Disconnected(); len(disconnected) > 0 {
		fmt.Printf("Disconnected: %s\n", strings.Join(disconnected, ", "))
	}
	if pending := sessionClient.PendingActions(); pending > 0 {
		fmt.Printf("Pending actions: %d\n", pending)
	}
	if predicted := sessionClient.PredictedState(); predicted != nil {
		fmt.Printf("State: %s\n", string(predicted))
	}
}
