package workers

import (
	"context"
	"encoding/json"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/network"
)

const (
	// OutboundChannelSize bounds the number of pending outbound messages.
	OutboundChannelSize = 1024
)

// Outbound is a message the session engine wants delivered. ClientID
// addresses a single client; otherwise SessionID broadcasts to every
// client joined to the session.
type Outbound struct {
	ClientID  uint32
	SessionID string
	Type      messages.MessageType
	Message   interface{}
}

type OutboundWorker struct {
	networkManager *network.NetworkManager
	clientManager  *network.ClientManager
	outboundChan   <-chan Outbound
}

type NewOutboundWorkerOptions struct {
	NetworkManager *network.NetworkManager
	ClientManager  *network.ClientManager
	OutboundChan   <-chan Outbound
}

// NewOutboundWorker creates a new OutboundWorker.
// The worker delivers messages from the session engine to clients so
// that slow connections never block the session loops.
func NewOutboundWorker(opts NewOutboundWorkerOptions) *OutboundWorker {
	return &OutboundWorker{
		networkManager: opts.NetworkManager,
		clientManager:  opts.ClientManager,
		outboundChan:   opts.OutboundChan,
	}
}

func (w *OutboundWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case outbound := <-w.outboundChan:
			w.deliver(ctx, outbound)
		}
	}
}

func (w *OutboundWorker) deliver(ctx context.Context, outbound Outbound) {
	payload, err := json.Marshal(outbound.Message)
	if err != nil {
		log.Error("Failed to marshal outbound %s message: %v", outbound.Type, err)
		return
	}

	msg := &messages.Message{
		ClientID: 0,
		Type:     outbound.Type,
		Payload:  payload,
	}

	// A join result seats the client, so record the association before
	// anything is broadcast to the session.
	if outbound.Type == messages.MessageTypeServerJoinResult {
		if joinResult, ok := outbound.Message.(*messages.ServerJoinResult); ok {
			if err := w.clientManager.AssociateSession(outbound.ClientID, joinResult.SessionID, joinResult.ParticipantID); err != nil {
				log.Error("Failed to associate client %d with session %s: %v", outbound.ClientID, joinResult.SessionID, err)
			}
		}
	}

	if outbound.ClientID != 0 {
		if err := w.networkManager.SendMessageToClient(ctx, outbound.ClientID, msg); err != nil {
			log.Error("Failed to send %s message to client %d: %v", outbound.Type, outbound.ClientID, err)
		}
		return
	}

	w.networkManager.BroadcastToSession(ctx, outbound.SessionID, msg)
}
