package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"argus/internal/logging"
	"argus/internal/protocol"
)

// DialError marks a failure to reach the endpoint at all.
type DialError struct {
	URL string
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// WSCaller speaks the framed websocket protocol to analyzer replicas over
// long-lived connections, one per endpoint URL.
type WSCaller struct {
	dialer *websocket.Dialer
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// wsSession holds the cached connection to one endpoint. Its lock serialises
// requests: the protocol runs one exchange at a time per connection.
type wsSession struct {
	mu   sync.Mutex
	conn *protocol.Conn
}

// NewWSCaller builds the production caller.
func NewWSCaller(logger logging.Logger) *WSCaller {
	return &WSCaller{
		dialer:   websocket.DefaultDialer,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*wsSession),
	}
}

func (c *WSCaller) session(url string) *wsSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[url]
	if !ok {
		s = &wsSession{}
		c.sessions[url] = s
	}
	return s
}

func (c *WSCaller) dial(ctx context.Context, url string) (*protocol.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &DialError{URL: url, Err: err}
	}
	return protocol.NewConn(ws), nil
}

// Call sends the request over the endpoint's connection, dialing on first use
// and redialing once when a cached connection has gone stale. Progress frames
// forward to onProgress; error and overload frames map to RemoteError so the
// pool can decide whether to fail over. Those frames end the exchange
// cleanly, so the connection stays cached; transport failures drop it.
func (c *WSCaller) Call(ctx context.Context, url string, req protocol.Request, onProgress func(protocol.Progress)) (*protocol.Result, error) {
	s := c.session(url)
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	s.conn = nil
	reused := conn != nil
	if conn == nil {
		var err error
		if conn, err = c.dial(ctx, url); err != nil {
			return nil, err
		}
	}

	if err := conn.SendBody(protocol.FrameRequest, req.TaskID, req); err != nil {
		conn.Close()
		if !reused {
			return nil, &DialError{URL: url, Err: err}
		}
		// an idle connection dropped under us; redial once and resend
		if conn, err = c.dial(ctx, url); err != nil {
			return nil, err
		}
		if err = conn.SendBody(protocol.FrameRequest, req.TaskID, req); err != nil {
			conn.Close()
			return nil, &DialError{URL: url, Err: err}
		}
	}

	// close the socket when the context ends so blocked reads unwind
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	result, err := c.receive(ctx, conn, url, onProgress)
	var remote *RemoteError
	if err != nil && !errors.As(err, &remote) {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return result, err
}

// receive pumps frames until the exchange's terminal frame arrives.
func (c *WSCaller) receive(ctx context.Context, conn *protocol.Conn, url string, onProgress func(protocol.Progress)) (*protocol.Result, error) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &DialError{URL: url, Err: err}
		}

		switch frame.Type {
		case protocol.FrameProgress:
			var progress protocol.Progress
			if err := frame.DecodePayload(protocol.FrameProgress, &progress); err != nil {
				c.logger.Warn("pool: bad progress frame from %s: %v", url, err)
				continue
			}
			if onProgress != nil {
				onProgress(progress)
			}

		case protocol.FrameResult:
			var result protocol.Result
			if err := frame.DecodePayload(protocol.FrameResult, &result); err != nil {
				return nil, fmt.Errorf("result frame from %s: %w", url, err)
			}
			return &result, nil

		case protocol.FrameError:
			var remote protocol.ErrorFrame
			if err := frame.DecodePayload(protocol.FrameError, &remote); err != nil {
				return nil, fmt.Errorf("error frame from %s: %w", url, err)
			}
			return nil, &RemoteError{Code: remote.Code, Message: remote.Message, Transient: remote.Transient}

		case protocol.FrameOverload:
			var overload protocol.Overload
			if err := frame.DecodePayload(protocol.FrameOverload, &overload); err != nil {
				return nil, fmt.Errorf("overload frame from %s: %w", url, err)
			}
			return nil, &RemoteError{
				Code:      protocol.CodeQueueFull,
				Message:   fmt.Sprintf("queue full (%d/%d)", overload.QueueDepth, overload.QueueLimit),
				Transient: true,
			}

		default:
			c.logger.Warn("pool: unexpected %s frame from %s", frame.Type, url)
		}
	}
}

// Close drops every cached connection.
func (c *WSCaller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, s := range c.sessions {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		delete(c.sessions, url)
	}
}
