package network

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"nhooyr.io/websocket"
)

const (
	// ClientIDMaxRetries represents the maximum number of retries when generating a unique ID
	ClientIDMaxRetries = 1024
	// ClientEventChannelSize represents the size of the client event channel
	ClientEventChannelSize = 1024
)

// ClientConnectionType represents the transport a client connected over
type ClientConnectionType int

const (
	ClientConnectionTypeTCP ClientConnectionType = iota
	ClientConnectionTypeWebSocket
)

// Client represents a connected client
type Client struct {
	ID             uint32
	ConnectionType ClientConnectionType
	TCPConn        net.Conn
	WSConn         *websocket.Conn
	// SessionID and ParticipantID are set once the client has joined a
	// session. They are empty for clients that have connected but not
	// yet joined.
	SessionID     string
	ParticipantID string
}

// ClientEvent represents an event that happened to a client
type ClientEvent struct {
	ClientID uint32
	Type     ClientEventType
	Data     interface{}
}

// ClientEventType represents the type of a client event
type ClientEventType int

const (
	ClientEventTypeConnect ClientEventType = iota
	ClientEventTypeDisconnect
)

// ClientDisconnectData carries the session association of a
// disconnecting client, if it had one.
type ClientDisconnectData struct {
	SessionID     string
	ParticipantID string
}

// ClientManager manages connected clients
type ClientManager struct {
	clients         map[uint32]*Client
	clientsLock     sync.RWMutex
	clientEventChan chan ClientEvent
}

// NewClientManager creates a new ClientManager
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients:         make(map[uint32]*Client),
		clientEventChan: make(chan ClientEvent, ClientEventChannelSize),
	}
}

// GetClientEventChan returns a one-way channel for receiving client events
func (cm *ClientManager) GetClientEventChan() <-chan ClientEvent {
	return cm.clientEventChan
}

// GetClients returns a slice with a copy of all connected clients.
func (cm *ClientManager) GetClients() []*Client {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	clients := make([]*Client, 0, len(cm.clients))
	for _, client := range cm.clients {
		copied := *client
		clients = append(clients, &copied)
	}
	return clients
}

// GetClient returns a copy of the client with the given ID
func (cm *ClientManager) GetClient(clientID uint32) (*Client, error) {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	client, ok := cm.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %d not found", clientID)
	}
	copied := *client
	return &copied, nil
}

// GetSessionClients returns copies of all clients joined to a session
func (cm *ClientManager) GetSessionClients(sessionID string) []*Client {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	clients := make([]*Client, 0)
	for _, client := range cm.clients {
		if client.SessionID == sessionID {
			copied := *client
			clients = append(clients, &copied)
		}
	}
	return clients
}

// ConnectClient adds a new client to the manager and returns its ID
func (cm *ClientManager) ConnectClient(tcpConn net.Conn, wsConn *websocket.Conn) (uint32, error) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	clientID, err := cm.generateUniqueID(ClientIDMaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to generate a unique ID: %v", err)
	}

	client := &Client{
		ID:      clientID,
		TCPConn: tcpConn,
		WSConn:  wsConn,
	}
	if wsConn != nil {
		client.ConnectionType = ClientConnectionTypeWebSocket
	} else {
		client.ConnectionType = ClientConnectionTypeTCP
	}
	cm.clients[clientID] = client

	cm.clientEventChan <- ClientEvent{
		ClientID: clientID,
		Type:     ClientEventTypeConnect,
	}

	return clientID, nil
}

// AssociateSession records which session seat a client occupies
func (cm *ClientManager) AssociateSession(clientID uint32, sessionID, participantID string) error {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return fmt.Errorf("client %d not found", clientID)
	}
	client.SessionID = sessionID
	client.ParticipantID = participantID
	return nil
}

// GetClientIDByTCPConn returns the ID of a client by its TCP connection.
// Returns 0 if the client is not found
func (cm *ClientManager) GetClientIDByTCPConn(conn net.Conn) uint32 {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	for _, client := range cm.clients {
		if client.TCPConn == conn {
			return client.ID
		}
	}
	return 0
}

// GetClientIDByWSConn returns the ID of a client by its WebSocket
// connection. Returns 0 if the client is not found
func (cm *ClientManager) GetClientIDByWSConn(conn *websocket.Conn) uint32 {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	for _, client := range cm.clients {
		if client.WSConn == conn {
			return client.ID
		}
	}
	return 0
}

// DisconnectClient removes a client from the manager
func (cm *ClientManager) DisconnectClient(clientID uint32) {
	cm.clientsLock.Lock()
	defer cm.clientsLock.Unlock()

	client, ok := cm.clients[clientID]
	if !ok {
		return
	}

	event := ClientEvent{
		ClientID: client.ID,
		Type:     ClientEventTypeDisconnect,
	}
	if client.SessionID != "" {
		event.Data = ClientDisconnectData{
			SessionID:     client.SessionID,
			ParticipantID: client.ParticipantID,
		}
	}
	cm.clientEventChan <- event

	delete(cm.clients, clientID)
}

func (cm *ClientManager) Exists(clientID uint32) bool {
	cm.clientsLock.RLock()
	defer cm.clientsLock.RUnlock()
	_, ok := cm.clients[clientID]
	return ok
}

// generateUniqueID generates a unique client ID with a maximum number of retries
// it reads from the clients, so it needs to be locked before calling
func (cm *ClientManager) generateUniqueID(maxRetries int) (uint32, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, ok := cm.clients[id]; !ok {
			return id, nil
		}
	}

	return 0, fmt.Errorf("failed to generate a unique ID after %d attempts", maxRetries)
}
