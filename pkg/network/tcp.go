package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
)

// TCPServer represents a TCP server.
type TCPServer struct {
	port int
}

type NewTCPServerOptions struct {
	Port int
}

// NewTCPServer creates a new TCP server.
func NewTCPServer(opts NewTCPServerOptions) *TCPServer {
	return &TCPServer{
		port: opts.Port,
	}
}

// Start starts the TCP server.
func (s *TCPServer) Start(ctx context.Context, onDisconnect DisconnectHandler, onMessage MessageHandler) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		log.Error("Failed to listen on TCP port %d: %v", s.port, err)
		return
	}
	defer listener.Close()

	log.Info("TCP server listening on %s", listener.Addr().String())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Error("Failed to accept TCP connection: %v", err)
			continue
		}

		go s.handleTCPConnection(ctx, conn, onDisconnect, onMessage)
	}
}

// handleTCPConnection handles a TCP connection.
func (s *TCPServer) handleTCPConnection(ctx context.Context, conn net.Conn, onDisconnect DisconnectHandler, onMessage MessageHandler) {
	defer func() {
		onDisconnect(conn, nil)
		conn.Close()
	}()

	for {
		message, err := ReadMessageFromTCP(conn)
		if err != nil {
			if _, ok := err.(*ErrConnectionClosed); ok {
				log.Debug("TCP connection closed")
				return
			}
			// A framing error poisons the rest of the stream.
			log.Error("Error reading TCP message: %v", err)
			return
		}

		onMessage(ctx, conn, nil, message)
	}
}

// WriteMessageToTCP writes a length-prefixed Message to a TCP connection
func WriteMessageToTCP(conn net.Conn, msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}
	if len(b) > messages.MessageBufferSize {
		return fmt.Errorf("message of %d bytes exceeds the maximum of %d", len(b), messages.MessageBufferSize)
	}

	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(b)))
	copy(frame[4:], b)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write message to TCP connection: %v", err)
	}

	return nil
}

// ErrConnectionClosed is returned when the TCP connection is closed
type ErrConnectionClosed struct{}

func (e *ErrConnectionClosed) Error() string {
	return "connection closed"
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// ReadMessageFromTCP reads a length-prefixed Message from a TCP connection
func ReadMessageFromTCP(conn net.Conn) (*messages.Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		if isClosedError(err) {
			return nil, &ErrConnectionClosed{}
		}
		return nil, fmt.Errorf("failed to read message header from TCP connection: %v", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > messages.MessageBufferSize {
		return nil, fmt.Errorf("invalid message length %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		if isClosedError(err) {
			return nil, &ErrConnectionClosed{}
		}
		return nil, fmt.Errorf("failed to read message from TCP connection: %v", err)
	}

	msg, err := messages.DeserializeMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %v", err)
	}

	return msg, nil
}
