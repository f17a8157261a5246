package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/types"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 << 10
)

// Client commands accepted over a socket
const (
	cmdPauseInvestigation    = "pause_investigation"
	cmdResumeInvestigation   = "resume_investigation"
	cmdRedirectFocus         = "redirect_focus"
	cmdRequestUpdate         = "request_update"
	cmdRequestBoardState     = "request_board_state"
	cmdUpdateEntityPosition  = "update_entity_position"
	cmdUpdateLayout          = "update_layout"
	msgConnectionEstablished = "connection_established"
	msgAck                   = "ack"
	msgError                 = "error"
)

// WSCommand is a message sent by a socket client
type WSCommand struct {
	Type     string         `json:"type"`
	Focus    string         `json:"focus,omitempty"`
	Priority types.Priority `json:"priority,omitempty"`
	EntityID uuid.UUID      `json:"entity_id,omitempty"`
	X        float64        `json:"x,omitempty"`
	Y        float64        `json:"y,omitempty"`
	Layout   string         `json:"layout,omitempty"`
}

// WSMessage is a control message sent to a socket client. Events are sent as-is.
type WSMessage struct {
	Type            string    `json:"type"`
	InvestigationID uuid.UUID `json:"investigation_id"`
	Command         string    `json:"command,omitempty"`
	Message         string    `json:"message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// wsConn serializes writes to one socket
type wsConn struct {
	conn *websocket.Conn
	id   uuid.UUID
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) reply(typ, command, message string) error {
	return c.send(WSMessage{
		Type:            typ,
		InvestigationID: c.id,
		Command:         command,
		Message:         message,
		Timestamp:       time.Now().UTC(),
	})
}

// handleInvestigationSocket streams status, thought and discovery events and
// accepts lifecycle commands
func (s *Server) handleInvestigationSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, events.InvestigationTopic)
}

// handleBoardSocket streams board events and accepts placement commands
func (s *Server) handleBoardSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, events.BoardTopic)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, topic func(uuid.UUID) string) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}

	sub := s.subscriber.Subscribe(topic(id))
	defer sub.Close()

	full, err := s.engine.RequestFullState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	c := &wsConn{conn: conn, id: id}
	s.logger.Info("websocket connected",
		zap.String("investigation_id", id.String()),
		zap.String("topic", sub.Topic()))

	if err := c.reply(msgConnectionEstablished, "", sub.Topic()); err != nil {
		return
	}
	if err := c.send(full); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		s.readCommands(ctx, c)
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case ev, open := <-sub.C():
			if !open {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := c.send(ev); err != nil {
				return
			}
		}
	}
}

// readCommands handles client commands until the socket fails or closes
func (s *Server) readCommands(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd WSCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error",
					zap.String("investigation_id", c.id.String()),
					zap.Error(err))
			}
			return
		}
		if err := s.handleCommand(ctx, c, cmd); err != nil {
			if sendErr := c.reply(msgError, cmd.Type, err.Error()); sendErr != nil {
				return
			}
		}
	}
}

// handleCommand applies one client command. Status and board changes reach the
// client through the event stream; the reply only acknowledges.
func (s *Server) handleCommand(ctx context.Context, c *wsConn, cmd WSCommand) error {
	var err error
	switch cmd.Type {
	case cmdPauseInvestigation:
		_, err = s.engine.PauseInvestigation(ctx, c.id)
	case cmdResumeInvestigation:
		_, err = s.engine.ResumeInvestigation(ctx, c.id)
	case cmdRedirectFocus:
		priority := cmd.Priority
		if priority == "" {
			priority = types.PriorityMedium
		}
		_, err = s.engine.RedirectFocus(ctx, c.id, types.RedirectFocusRequest{NewFocus: cmd.Focus, Priority: priority})
	case cmdRequestUpdate, cmdRequestBoardState:
		full, fullErr := s.engine.RequestFullState(ctx, c.id)
		if fullErr != nil {
			return fullErr
		}
		return c.send(full)
	case cmdUpdateEntityPosition:
		_, err = s.engine.MoveEntity(ctx, c.id, types.MoveEntityRequest{EntityID: cmd.EntityID, X: cmd.X, Y: cmd.Y})
	case cmdUpdateLayout:
		err = s.engine.ChangeLayout(ctx, c.id, types.ChangeLayoutRequest{Layout: cmd.Layout})
	default:
		return fmt.Errorf("unknown message type: %s", cmd.Type)
	}
	if err != nil {
		return err
	}
	return c.reply(msgAck, cmd.Type, "")
}
