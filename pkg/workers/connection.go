package workers

import (
	"context"

	enginetypes "github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/network"
	"github.com/cbodonnell/governor/pkg/queue"
)

type ConnectionEventWorker struct {
	clientManager        *network.ClientManager
	connectionEventQueue queue.Queue
}

type NewConnectionEventWorkerOptions struct {
	ClientManager        *network.ClientManager
	ConnectionEventQueue queue.Queue
}

// NewConnectionEventWorker creates a new ConnectionEventWorker.
// The worker processes client events like connect and disconnect
// and writes session events to a queue for the session engine to process.
func NewConnectionEventWorker(opts NewConnectionEventWorkerOptions) *ConnectionEventWorker {
	return &ConnectionEventWorker{
		clientManager:        opts.ClientManager,
		connectionEventQueue: opts.ConnectionEventQueue,
	}
}

func (w *ConnectionEventWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.clientManager.GetClientEventChan():
			switch event.Type {
			case network.ClientEventTypeConnect:
				log.Debug("Client %d connected", event.ClientID)
			case network.ClientEventTypeDisconnect:
				w.handleClientDisconnect(event)
			default:
				log.Error("Unknown client event type: %v", event.Type)
			}
		}
	}
}

func (w *ConnectionEventWorker) handleClientDisconnect(event network.ClientEvent) {
	data, ok := event.Data.(network.ClientDisconnectData)
	if !ok {
		// The client disconnected before joining a session, so there
		// is nothing for the engine to do.
		log.Debug("Client %d disconnected before joining a session", event.ClientID)
		return
	}

	if err := w.connectionEventQueue.Enqueue(&enginetypes.DisconnectSessionEvent{
		ClientID:      event.ClientID,
		SessionID:     data.SessionID,
		ParticipantID: data.ParticipantID,
	}); err != nil {
		log.Error("Failed to enqueue disconnect event: %v", err)
	}
}
