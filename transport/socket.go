package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/refinewatch/sse"
	"github.com/pithecene-io/refinewatch/types"
)

// closeWriteWait bounds writing the close frame.
const closeWriteWait = 5 * time.Second

// socketResult reports how a push-socket ended.
type socketResult struct {
	// Normal is true for a close with code 1000.
	Normal bool
	// Code is the close code, or -1 when the socket never opened or failed
	// without a close frame.
	Code int
	Err  error
}

// socket is a server→client push-socket for one job.
type socket struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	deliver func(types.Event) bool

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newSocket(url string, header http.Header, handshake time.Duration, deliver func(types.Event) bool) *socket {
	return &socket{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		deliver: deliver,
	}
}

// run dials and reads until the socket ends. Messages are decoded and
// handed to deliver; run stops early if deliver returns false.
func (s *socket) run(ctx context.Context) socketResult {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return socketResult{Code: -1, Err: newError(ErrorSocket, "dial", err)}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeNormal(conn)
		return socketResult{Normal: true, Code: websocket.CloseNormalClosure}
	}
	s.conn = conn
	s.mu.Unlock()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return s.classify(err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		ev, ok := sse.DecodeMessage(msg)
		if !ok {
			continue
		}
		if ev.Source == "" {
			ev.Source = types.SourceSocket
		}
		if !s.deliver(ev) {
			return socketResult{Normal: true, Code: websocket.CloseNormalClosure}
		}
	}
}

func (s *socket) classify(err error) socketResult {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return socketResult{
			Normal: ce.Code == websocket.CloseNormalClosure,
			Code:   ce.Code,
			Err:    newError(ErrorSocket, "read", err),
		}
	}

	s.mu.Lock()
	closedLocally := s.closed
	s.mu.Unlock()
	if closedLocally {
		return socketResult{Normal: true, Code: websocket.CloseNormalClosure}
	}
	return socketResult{Code: -1, Err: newError(ErrorSocket, "read", err)}
}

// Close sends a normal closure and closes the connection. A socket still
// dialing is closed as soon as the dial completes.
func (s *socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		closeNormal(s.conn)
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	_ = conn.Close()
}
