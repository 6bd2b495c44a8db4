package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn wraps a connection to the guest agent inside a Firecracker microVM.
// Each GuestConn carries one request and is used by a single goroutine.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// NewGuestConn wraps an established connection to a guest agent.
func NewGuestConn(conn net.Conn) *GuestConn {
	return &GuestConn{conn: conn, reader: conn}
}

// Dialer opens a fresh connection to one guest agent.
type Dialer func(ctx context.Context) (*GuestConn, error)

// UDSDialer returns a Dialer for Firecracker's vsock UDS bridge.
func UDSDialer(udsPath string, port uint32) Dialer {
	return func(ctx context.Context) (*GuestConn, error) {
		return DialGuest(ctx, udsPath, port)
	}
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge.
// The udsPath is the Unix socket created by Firecracker for vsock communication.
// Retries with exponential backoff on connection failure.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all later reads; it may hold bytes past
	// the handshake line.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Call sends req and reads streamed log lines until the final result. Log
// lines go to onLine when it is set. Ending ctx closes the connection, which
// the guest treats as cancellation.
func (gc *GuestConn) Call(ctx context.Context, req GuestRequest, onLine func(stream, line string)) (GuestResponse, error) {
	stop := context.AfterFunc(ctx, func() { gc.conn.Close() })
	defer stop()

	if err := WriteMessage(gc.conn, &req); err != nil {
		if ctx.Err() != nil {
			return GuestResponse{}, fmt.Errorf("guest %s: %w", req.Op, ctx.Err())
		}
		return GuestResponse{}, fmt.Errorf("send %s request: %w", req.Op, err)
	}

	resp, err := gc.readMessages(onLine)
	if err != nil && ctx.Err() != nil {
		return GuestResponse{}, fmt.Errorf("guest %s: %w", req.Op, ctx.Err())
	}
	return resp, err
}

// readMessages reads GuestMessage frames from the connection in a loop.
// Log lines are delivered to onLine; the final result message terminates the loop.
func (gc *GuestConn) readMessages(onLine func(stream, line string)) (GuestResponse, error) {
	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if onLine != nil {
				onLine(msg.Stream, msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, fmt.Errorf("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
