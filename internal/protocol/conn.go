package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	// analyses run for minutes between frames; progress frames act as
	// keepalive alongside pings
	readDeadline = 5 * time.Minute
)

// Conn wraps a websocket connection with frame-level send and receive.
// gorilla/websocket allows one concurrent writer, so sends are serialised.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one frame.
func (c *Conn) Send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	return nil
}

// SendBody marshals body and writes it as a frame of the given type.
func (c *Conn) SendBody(frameType FrameType, taskID string, body any) error {
	f, err := New(frameType, taskID, body)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Receive reads the next frame and validates its envelope.
func (c *Conn) Receive() (Frame, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the underlying websocket with a normal closure frame.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
