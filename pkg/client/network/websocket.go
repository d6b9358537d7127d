package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	servernetwork "github.com/cbodonnell/governor/pkg/network"
	"github.com/cbodonnell/governor/pkg/queue"
	"nhooyr.io/websocket"
)

// WSClient represents a WebSocket client.
type WSClient struct {
	serverURL    string
	messageQueue queue.Queue

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a new WebSocket client.
func NewWSClient(serverURL string, messageQueue queue.Queue) *WSClient {
	return &WSClient{
		serverURL:    serverURL,
		messageQueue: messageQueue,
	}
}

// Start connects to the server and reads messages into the queue until
// the context is canceled or the connection closes.
func (c *WSClient) Start(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %v", err)
	}
	conn.SetReadLimit(messages.MessageBufferSize)
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	for {
		msg, err := servernetwork.ReadMessageFromWS(ctx, conn)
		if err != nil {
			if _, ok := err.(*servernetwork.ErrConnectionClosed); ok {
				log.Debug("WebSocket connection closed")
				return nil
			}
			return fmt.Errorf("failed to read message: %v", err)
		}

		if err := c.messageQueue.Enqueue(msg); err != nil {
			log.Error("Failed to enqueue message: %v", err)
		}
	}
}

// SendMessage sends a message to the WebSocket server.
func (c *WSClient) SendMessage(msg *messages.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return servernetwork.WriteMessageToWS(context.Background(), conn, msg)
}
