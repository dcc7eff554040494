package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"athena/internal/domain"
	"athena/internal/usecase/bridge"
)

const wsWriteTimeout = 5 * time.Second

// handleRunEvents serves GET /api/runs/{run_id}/events as text/event-stream.
// The stream stays open until the client leaves or the broker fails.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	defer s.deps.Metrics.BridgeOpened("sse")()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, rc: http.NewResponseController(w)}
	if err := sink.write(bridge.SSEHello); err != nil {
		return
	}

	ctx := r.Context()
	err := s.sse.Stream(ctx, runID, sink)
	if err == nil || sink.failed || ctx.Err() != nil {
		return
	}
	s.deps.Logger.Warn("sse stream aborted", "run_id", runID, "error", err)
	sink.write(bridge.SSEError)
}

// sseSink writes pump output as SSE frames.
type sseSink struct {
	w      io.Writer
	rc     *http.ResponseController
	failed bool
}

func (s *sseSink) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.failed = true
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.failed = true
		return err
	}
	return nil
}

func (s *sseSink) Event(_ context.Context, ev *domain.RunEvent) error {
	if err := bridge.WriteSSE(s.w, ev); err != nil {
		s.failed = true
		return err
	}
	return s.write("")
}

func (s *sseSink) Heartbeat(context.Context) error {
	return s.write(bridge.SSEHeartbeat)
}

// handleSocket serves GET /ws/{agent}/{session_id}: inbound frames start
// runs keyed by the session, whose events are streamed back.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	session, err := bridge.NewSession(s.deps.Admission, r.PathValue("agent"), r.PathValue("session_id"), "socket:"+connID, s.deps.Logger)
	if err != nil {
		s.writeError(w, "ws.open", err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.deps.HTTP.WSOriginPatterns})
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	defer s.deps.Metrics.BridgeOpened("ws")()

	log := s.deps.Logger.With("conn_id", connID, "session_id", session.SessionID, "agent_id", session.Agent)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.ws.Open(ctx, session.SessionID)
	if err != nil {
		log.Warn("socket subscription failed", "error", err)
		conn.Close(websocket.StatusInternalError, "events unavailable")
		return
	}
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if err := s.ws.Run(ctx, sub, &wsSink{conn: conn}); err != nil {
			log.Warn("socket stream aborted", "error", err)
			cancel()
		}
	}()

	log.Info("socket connected")
	if err := session.Connect(ctx, nil); err != nil {
		log.Warn("socket opening run not admitted", "error", err)
		writeFrame(ctx, conn, bridge.WSFrame{Type: "error", Message: err.Error()})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		writeFrame(ctx, conn, session.Inbound(ctx, data))
	}

	cancel()
	<-pumpDone

	closeCtx, done := context.WithTimeout(context.WithoutCancel(r.Context()), wsWriteTimeout)
	defer done()
	frame, err := session.Disconnect(closeCtx)
	if err != nil {
		log.Warn("socket closing run not admitted", "error", err)
	}
	if frame != nil {
		writeFrame(closeCtx, conn, *frame)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("socket disconnected")
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f bridge.WSFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// wsSink writes pump output as WebSocket frames.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Event(ctx context.Context, ev *domain.RunEvent) error {
	for _, f := range bridge.WSFrames(ev) {
		if err := writeFrame(ctx, s.conn, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *wsSink) Heartbeat(ctx context.Context) error {
	return ctx.Err()
}
