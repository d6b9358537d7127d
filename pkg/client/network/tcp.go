package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	servernetwork "github.com/cbodonnell/governor/pkg/network"
	"github.com/cbodonnell/governor/pkg/queue"
)

// TCPClient represents a TCP client.
type TCPClient struct {
	serverAddr   string
	messageQueue queue.Queue

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPClient creates a new TCP client.
func NewTCPClient(serverAddr string, messageQueue queue.Queue) *TCPClient {
	return &TCPClient{
		serverAddr:   serverAddr,
		messageQueue: messageQueue,
	}
}

// Start connects to the server and reads messages into the queue until
// the context is canceled or the connection closes.
func (c *TCPClient) Start(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %v", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msg, err := servernetwork.ReadMessageFromTCP(conn)
		if err != nil {
			if _, ok := err.(*servernetwork.ErrConnectionClosed); ok {
				log.Debug("TCP connection closed")
				return nil
			}
			return fmt.Errorf("failed to read message: %v", err)
		}

		if err := c.messageQueue.Enqueue(msg); err != nil {
			log.Error("Failed to enqueue message: %v", err)
		}
	}
}

// SendMessage sends a message to the TCP server.
func (c *TCPClient) SendMessage(msg *messages.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return servernetwork.WriteMessageToTCP(conn, msg)
}
