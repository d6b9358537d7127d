package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	authproviders "github.com/cbodonnell/governor/pkg/auth/providers"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/queue"
	"nhooyr.io/websocket"
)

type NetworkManager struct {
	AuthProvider  authproviders.AuthProvider
	ClientManager *ClientManager
	MessageQueue  queue.Queue
	TCPServer     *TCPServer
	WSServer      *WSServer
}

type NewNetworkManagerOptions struct {
	AuthProvider  authproviders.AuthProvider
	ClientManager *ClientManager
	MessageQueue  queue.Queue
	TCPPort       int
	WSPort        int
	WSServerTLS   *TLSConfig
}

func NewNetworkManager(options NewNetworkManagerOptions) *NetworkManager {
	return &NetworkManager{
		AuthProvider:  options.AuthProvider,
		ClientManager: options.ClientManager,
		MessageQueue:  options.MessageQueue,
		TCPServer: NewTCPServer(NewTCPServerOptions{
			Port: options.TCPPort,
		}),
		WSServer: NewWSServer(NewWSServerOptions{
			Port: options.WSPort,
			TLS:  options.WSServerTLS,
		}),
	}
}

func (n *NetworkManager) Start(ctx context.Context) {
	go n.TCPServer.Start(ctx, n.handleDisconnect, n.handleMessage)
	go n.WSServer.Start(ctx, n.handleDisconnect, n.handleMessage)
}

// DisconnectHandler is called when a transport connection closes.
type DisconnectHandler func(tcpConn net.Conn, wsConn *websocket.Conn)

func (n *NetworkManager) handleDisconnect(tcpConn net.Conn, wsConn *websocket.Conn) {
	var clientID uint32
	if tcpConn != nil {
		clientID = n.ClientManager.GetClientIDByTCPConn(tcpConn)
	}
	if clientID == 0 && wsConn != nil {
		clientID = n.ClientManager.GetClientIDByWSConn(wsConn)
	}
	if clientID == 0 {
		// Connections that never joined a session are not tracked.
		log.Debug("Unjoined connection closed")
		return
	}

	n.ClientManager.DisconnectClient(clientID)
	log.Info("Client %d disconnected", clientID)
}

// MessageHandler is called with each message read from a transport.
type MessageHandler func(ctx context.Context, tcpConn net.Conn, wsConn *websocket.Conn, message *messages.Message)

func (n *NetworkManager) handleMessage(ctx context.Context, tcpConn net.Conn, wsConn *websocket.Conn, message *messages.Message) {
	if message.ClientID == 0 && message.Type != messages.MessageTypeClientJoinSession {
		log.Warn("Received message from unknown client that is not a join message")
		return
	}
	if message.ClientID != 0 && !n.ClientManager.Exists(message.ClientID) {
		log.Warn("Received message from client %d, but it is not connected", message.ClientID)
		return
	}

	switch message.Type {
	case messages.MessageTypeClientJoinSession:
		clientID, err := n.handleClientJoin(ctx, tcpConn, wsConn, message)
		if err != nil {
			log.Error("Failed to handle client join: %v", err)
			if err := n.sendJoinRejected(ctx, tcpConn, wsConn, err.Error()); err != nil {
				log.Error("Failed to send join rejection: %v", err)
			}
			return
		}
		log.Info("Client %d connected", clientID)
	case messages.MessageTypeClientPing:
		if err := n.handleClientPing(ctx, message); err != nil {
			log.Error("Failed to handle client ping: %v", err)
		}
	default:
		if err := n.MessageQueue.Enqueue(message); err != nil {
			log.Error("Failed to enqueue message: %v", err)
		}
	}
}

// handleClientJoin registers the transport as a client and forwards the
// join to the session engine. The engine answers with a join result,
// a redirect, or a rejection.
func (n *NetworkManager) handleClientJoin(ctx context.Context, tcpConn net.Conn, wsConn *websocket.Conn, message *messages.Message) (uint32, error) {
	join := &messages.ClientJoinSession{}
	if err := json.Unmarshal(message.Payload, join); err != nil {
		return 0, fmt.Errorf("failed to unmarshal join message: %v", err)
	}

	claims, err := n.AuthProvider.VerifyToken(ctx, join.Token)
	if err != nil {
		return 0, fmt.Errorf("failed to verify token: %v", err)
	}
	if claims.UID != "" && claims.UID != join.ParticipantID {
		return 0, fmt.Errorf("token does not match participant %s", join.ParticipantID)
	}

	// Rejoining over a fresh transport replaces the old registration.
	clientID := message.ClientID
	if clientID == 0 || !n.ClientManager.Exists(clientID) {
		clientID, err = n.ClientManager.ConnectClient(tcpConn, wsConn)
		if err != nil {
			return 0, fmt.Errorf("failed to connect client: %v", err)
		}
	}

	// Stamp the envelope so the engine can address its reply.
	message.ClientID = clientID
	if err := n.MessageQueue.Enqueue(message); err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %v", err)
	}

	return clientID, nil
}

func (n *NetworkManager) sendJoinRejected(ctx context.Context, tcpConn net.Conn, wsConn *websocket.Conn, reason string) error {
	rejected := &messages.ServerRejected{
		Code:   messages.RejectionCodeValidation,
		Reason: reason,
	}
	payload, err := json.Marshal(rejected)
	if err != nil {
		return fmt.Errorf("failed to marshal join rejection: %v", err)
	}

	msg := &messages.Message{
		ClientID: 0,
		Type:     messages.MessageTypeServerRejected,
		Payload:  payload,
	}

	if tcpConn != nil {
		return WriteMessageToTCP(tcpConn, msg)
	}
	if wsConn != nil {
		return WriteMessageToWS(ctx, wsConn, msg)
	}
	return fmt.Errorf("no connection to send join rejection on")
}

func (n *NetworkManager) handleClientPing(ctx context.Context, message *messages.Message) error {
	msg := &messages.Message{
		ClientID: 0,
		Type:     messages.MessageTypeServerPong,
		Payload:  json.RawMessage(`{}`),
	}

	if err := n.SendMessageToClient(ctx, message.ClientID, msg); err != nil {
		return fmt.Errorf("failed to send pong message: %v", err)
	}

	return nil
}

// SendMessageToClient sends a message to a single client over whichever
// transport it connected with.
func (n *NetworkManager) SendMessageToClient(ctx context.Context, clientID uint32, msg *messages.Message) error {
	client, err := n.ClientManager.GetClient(clientID)
	if err != nil {
		return fmt.Errorf("failed to get client %d: %v", clientID, err)
	}

	if err := n.sendMessageToClient(ctx, client, msg); err != nil {
		return fmt.Errorf("failed to send message to client %d: %v", clientID, err)
	}

	return nil
}

func (n *NetworkManager) sendMessageToClient(ctx context.Context, client *Client, msg *messages.Message) error {
	switch client.ConnectionType {
	case ClientConnectionTypeTCP:
		if err := WriteMessageToTCP(client.TCPConn, msg); err != nil {
			return fmt.Errorf("failed to write message to TCP connection for client %d: %v", client.ID, err)
		}
	case ClientConnectionTypeWebSocket:
		if err := WriteMessageToWS(ctx, client.WSConn, msg); err != nil {
			return fmt.Errorf("failed to write message to WebSocket connection for client %d: %v", client.ID, err)
		}
	default:
		return fmt.Errorf("unknown connection type for client %d: %v", client.ID, client.ConnectionType)
	}

	return nil
}

// BroadcastToSession sends a message to every client joined to the
// given session. Send failures are logged, not returned; the transport
// read loop handles the disconnect.
func (n *NetworkManager) BroadcastToSession(ctx context.Context, sessionID string, msg *messages.Message) {
	for _, client := range n.ClientManager.GetSessionClients(sessionID) {
		if err := n.sendMessageToClient(ctx, client, msg); err != nil {
			log.Error("Failed to send message to client %d: %v", client.ID, err)
		}
	}
}
