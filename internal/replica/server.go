package replica

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"argus/internal/logging"
	"argus/internal/protocol"
)

// Server exposes the worker over websocket plus a small health surface.
type Server struct {
	worker   *Worker
	kind     string
	logger   logging.Logger
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer builds the replica server for one analyzer kind.
func NewServer(worker *Worker, kind string, logger logging.Logger) *Server {
	return &Server{
		worker: worker,
		kind:   kind,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8 * 1024,
			WriteBufferSize: 8 * 1024,
			// replicas sit on an internal network behind the orchestrator
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the gin routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"kind":        s.kind,
			"queue_depth": s.worker.QueueDepth(),
			"queue_limit": QueueLimit,
		})
	})
	router.GET("/ws", s.handleWS)
	return router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.worker.Start()
	defer s.worker.Stop()

	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.logger.Info("replica: %s analyzer listening on %s", s.kind, addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// connSink routes job frames back over one orchestrator connection.
type connSink struct {
	conn *protocol.Conn
}

func (s *connSink) Progress(taskID string, p protocol.Progress) error {
	return s.conn.SendBody(protocol.FrameProgress, taskID, p)
}

func (s *connSink) Result(taskID string, r protocol.Result) error {
	return s.conn.SendBody(protocol.FrameResult, taskID, r)
}

func (s *connSink) Error(taskID string, e protocol.ErrorFrame) error {
	return s.conn.SendBody(protocol.FrameError, taskID, e)
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("replica: websocket upgrade failed: %v", err)
		return
	}
	conn := protocol.NewConn(ws)
	defer conn.Close()

	// jobs submitted on this connection die with it
	connCtx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := &connSink{conn: conn}
	for {
		frame, err := conn.Receive()
		if err != nil {
			s.logger.Debug("replica: connection closed: %v", err)
			return
		}
		if frame.Type != protocol.FrameRequest {
			s.logger.Warn("replica: unexpected %s frame ignored", frame.Type)
			continue
		}

		var req protocol.Request
		if err := frame.DecodePayload(protocol.FrameRequest, &req); err != nil {
			_ = sink.Error(frame.TaskID, protocol.ErrorFrame{
				TaskID: frame.TaskID, Code: protocol.CodeInvalidRequest, Message: err.Error(),
			})
			continue
		}
		if req.Kind != s.kind {
			_ = sink.Error(req.TaskID, protocol.ErrorFrame{
				TaskID: req.TaskID, Code: protocol.CodeUnknownKind,
				Message: fmt.Sprintf("this replica serves %s, not %s", s.kind, req.Kind),
			})
			continue
		}

		if err := s.worker.Submit(connCtx, req, sink); err != nil {
			if errors.Is(err, ErrQueueFull) {
				_ = conn.SendBody(protocol.FrameOverload, req.TaskID, protocol.Overload{
					QueueDepth: s.worker.QueueDepth(),
					QueueLimit: QueueLimit,
				})
				continue
			}
			_ = sink.Error(req.TaskID, protocol.ErrorFrame{
				TaskID: req.TaskID, Code: protocol.CodeInvalidRequest, Message: err.Error(),
			})
		}
	}
}
