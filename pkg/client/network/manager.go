package network

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/queue"
)

const (
	DefaultServerHostname = "localhost"
	DefaultServerTCPPort  = 8888
	DefaultServerWSPort   = 8889
)

// NetworkManager connects to a server over one reliable transport and
// feeds received messages into a queue for the session client to drain.
type NetworkManager struct {
	tcpClient *TCPClient
	wsClient  *WSClient
}

type NewNetworkManagerOptions struct {
	// ServerURL selects the transport: tcp://host:port, ws://host:port
	// or wss://host:port.
	ServerURL    string
	MessageQueue queue.Queue
}

// NewNetworkManager creates a new network manager.
func NewNetworkManager(opts NewNetworkManagerOptions) (*NetworkManager, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %v", err)
	}

	switch u.Scheme {
	case "tcp":
		return &NetworkManager{
			tcpClient: NewTCPClient(u.Host, opts.MessageQueue),
		}, nil
	case "ws", "wss":
		return &NetworkManager{
			wsClient: NewWSClient(opts.ServerURL, opts.MessageQueue),
		}, nil
	}
	return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
}

// Start runs the transport until the context is canceled or the
// connection closes.
func (m *NetworkManager) Start(ctx context.Context) error {
	if m.tcpClient != nil {
		return m.tcpClient.Start(ctx)
	}
	return m.wsClient.Start(ctx)
}

// SendMessage sends a message to the server.
func (m *NetworkManager) SendMessage(msg *messages.Message) error {
	if m.tcpClient != nil {
		return m.tcpClient.SendMessage(msg)
	}
	return m.wsClient.SendMessage(msg)
}
