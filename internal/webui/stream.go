package webui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentcore/internal/agent"
	"agentcore/internal/webui/handlers"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// streamConn is one WebSocket client following a session.
type streamConn struct {
	conn      *websocket.Conn
	sessionID string
	send      chan StreamMessage
	ctx       context.Context
	cancel    context.CancelFunc
}

// enqueue never blocks the agent loop. A client that falls a full buffer
// behind is disconnected; it can reconnect and resume from a snapshot.
func (sc *streamConn) enqueue(msg StreamMessage) {
	select {
	case <-sc.ctx.Done():
	case sc.send <- msg:
	default:
		sc.cancel()
	}
}

// handleStream upgrades to a WebSocket that first carries a snapshot of the
// session, then every later event until the session ends.
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.deps.Manager.Get(c.Request.Context(), sessionID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, handlers.APIResponse{Success: false, Error: err.Error()})
		return
	}

	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed for session %s: %v", sessionID, err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sc := &streamConn{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan StreamMessage, streamBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.addStream(sc)
	s.wg.Add(1)
	defer func() {
		cancel()
		s.removeStream(sc)
		conn.Close()
		s.wg.Done()
	}()

	// Subscribe before taking the snapshot so no event falls in between;
	// turns already in the snapshot are skipped below.
	unsubscribe, subErr := s.deps.Manager.Subscribe(sessionID, agent.ListenerFunc(func(e agent.Event) {
		sc.enqueue(eventFrame(e))
	}))
	if subErr == nil {
		defer unsubscribe()
	}

	snap, err := s.deps.Manager.Get(ctx, sessionID)
	if err != nil {
		s.writeFrame(sc, StreamMessage{Type: StreamError, SessionID: sessionID, Error: err.Error(), Timestamp: time.Now()})
		return
	}
	if !s.writeFrame(sc, StreamMessage{Type: StreamSnapshot, SessionID: sessionID, Data: snap, Timestamp: time.Now()}) {
		return
	}
	if snap.Status.Terminal() || subErr != nil {
		s.closeFrame(sc, "session ended")
		return
	}

	seen := make(map[string]bool, len(snap.Turns))
	for _, t := range snap.Turns {
		seen[t.ID] = true
	}

	go s.readPump(sc)
	s.writePump(sc, seen)
}

// readPump drains client frames so pongs and close frames are processed.
func (s *Server) readPump(sc *streamConn) {
	defer sc.cancel()
	sc.conn.SetReadLimit(4096)
	_ = sc.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(sc *streamConn, seen map[string]bool) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-sc.send:
			if msg.Type == StreamTurn {
				if id := turnID(msg); id != "" && seen[id] {
					continue
				}
			}
			if !s.writeFrame(sc, msg) {
				return
			}
			if msg.Type == StreamStatus {
				s.closeFrame(sc, "session ended")
				return
			}
		}
	}
}

func (s *Server) writeFrame(sc *streamConn, msg StreamMessage) bool {
	_ = sc.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := sc.conn.WriteJSON(msg); err != nil {
		s.logger.Debug("Stream write for session %s failed: %v", sc.sessionID, err)
		return false
	}
	return true
}

func (s *Server) closeFrame(sc *streamConn, reason string) {
	_ = sc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(streamWriteWait))
}

func turnID(msg StreamMessage) string {
	if data, ok := msg.Data.(TurnFrame); ok {
		return data.Turn.ID
	}
	return ""
}

// eventFrame converts a session event to its wire form.
func eventFrame(e agent.Event) StreamMessage {
	msg := StreamMessage{SessionID: e.GetSessionID(), Timestamp: e.Timestamp()}
	switch ev := e.(type) {
	case *agent.TurnEvent:
		msg.Type = StreamTurn
		msg.Data = TurnFrame{Turn: ev.Turn}
	case *agent.SummaryEvent:
		msg.Type = StreamSummary
		msg.Data = SummaryFrame{Folded: ev.Folded, Degraded: ev.Degraded, Summary: ev.Summary}
	case *agent.MessageEvent:
		msg.Type = StreamNotice
		msg.Data = MessageFrame{Message: ev.Message, Attachments: ev.Attachments}
	case *agent.QuestionEvent:
		msg.Type = StreamQuestion
		msg.Data = QuestionFrame{
			Message:     ev.Message,
			Attachments: ev.Attachments,
			Takeover:    ev.Takeover,
			AnswerURL:   fmt.Sprintf("/api/sessions/%s/answer", ev.GetSessionID()),
		}
	case *agent.PlanEvent:
		msg.Type = StreamPlan
		msg.Data = PlanFrame{Plan: ev.Plan}
	case *agent.StatusEvent:
		msg.Type = StreamStatus
		msg.Data = StatusFrame{
			Status:     ev.Status,
			Reason:     ev.Reason,
			Result:     ev.Result,
			Iterations: ev.Iterations,
			DurationMS: ev.Duration.Milliseconds(),
		}
	default:
		msg.Type = e.EventType()
	}
	return msg
}
