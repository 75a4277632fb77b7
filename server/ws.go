package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type sendResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleWebSocket streams every notification as a JSON Message. Incoming
// JSON objects are send requests; each is answered with a send_result.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	msgs, cancel := s.hub.Subscribe()
	defer cancel()

	replies := make(chan Message, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req sendRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
			select {
			case replies <- Message{Type: TypeSendResult, Data: s.wsSend(req)}:
			case <-c.Request.Context().Done():
				return
			}
		}
	}()

	// Single writer: gorilla connections allow one concurrent writer.
	for {
		var msg Message
		select {
		case <-done:
			return
		case msg = <-replies:
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) wsSend(req sendRequest) sendResult {
	if s.controller == nil {
		return sendResult{Status: statusFail, Error: errNoController.Error()}
	}
	body, err := req.payload()
	if err != nil {
		return sendResult{Status: statusFail, Error: err.Error()}
	}
	if err := s.controller.Send(body); err != nil {
		return sendResult{Status: statusFail, Error: err.Error()}
	}
	return sendResult{Status: statusSuccess}
}

var errNoController = errors.New("controller role is not enabled")
