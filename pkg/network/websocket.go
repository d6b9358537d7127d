package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"nhooyr.io/websocket"
)

// WSServer represents a WebSocket server.
type WSServer struct {
	port int
	tls  *TLSConfig
}

// TLSConfig holds the certificate paths for a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewWSServerOptions struct {
	Port int
	TLS  *TLSConfig
}

// NewWSServer creates a new WebSocket server.
func NewWSServer(opts NewWSServerOptions) *WSServer {
	return &WSServer{
		port: opts.Port,
		tls:  opts.TLS,
	}
}

// Start starts the WebSocket server.
func (s *WSServer) Start(ctx context.Context, onDisconnect DisconnectHandler, onMessage MessageHandler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(ctx, w, r, onDisconnect, onMessage)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	log.Info("WebSocket server listening on %s", server.Addr)

	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("WebSocket server error: %v", err)
	}
}

func (s *WSServer) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request, onDisconnect DisconnectHandler, onMessage MessageHandler) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Error("Failed to accept WebSocket connection: %v", err)
		return
	}
	wsConn.SetReadLimit(messages.MessageBufferSize)
	defer func() {
		onDisconnect(nil, wsConn)
		wsConn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		message, err := ReadMessageFromWS(ctx, wsConn)
		if err != nil {
			if _, ok := err.(*ErrConnectionClosed); ok {
				log.Debug("WebSocket connection closed")
				return
			}
			log.Error("Error reading WebSocket message: %v", err)
			return
		}

		onMessage(ctx, nil, wsConn, message)
	}
}

// WriteMessageToWS writes a Message to a WebSocket connection
func WriteMessageToWS(ctx context.Context, conn *websocket.Conn, msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return fmt.Errorf("failed to write message to WebSocket connection: %v", err)
	}

	return nil
}

// ReadMessageFromWS reads a Message from a WebSocket connection
func ReadMessageFromWS(ctx context.Context, conn *websocket.Conn) (*messages.Message, error) {
	_, b, err := conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || isClosedError(err) || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
			return nil, &ErrConnectionClosed{}
		}
		return nil, fmt.Errorf("failed to read message from WebSocket connection: %v", err)
	}

	msg, err := messages.DeserializeMessage(b)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %v", err)
	}

	return msg, nil
}
