package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"signal-hub/src/helpers"
	"signal-hub/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *HTTPServer) handleWebSocket(c *gin.Context) {
	userID := userIDFrom(c)
	if userID == "" {
		writeError(c, http.StatusBadRequest, errMissingUser)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	pongWait := time.Duration(s.Config.Fanout.HeartbeatTimeoutSeconds) * time.Second
	client := newClient(uuid.NewString(), userID, s, conn, s.Config.Fanout.ControlMessagesPerSec, pongWait)

	if _, err := s.Hub.RegisterConnection(userID, client); err != nil {
		s.Logger.Warning("Rejected connection for %s: %v", userID, err)
		client.Close()
		return
	}
	s.Logger.Debug("Client %s connected for %s", client.id, userID)

	// Start goroutines for reading/pinging
	go client.pingLoop()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

// HandleClientMessage applies one subscribe or unsubscribe command and replies
// on the same connection.
func (s *HTTPServer) HandleClientMessage(client *Client, message []byte) {
	if !client.limiter.Allow() {
		s.reply(client, models.MControlReply{Type: models.MessageError, Error: helpers.ErrRateLimited.Error()})
		return
	}

	var cmd models.MClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.reply(client, models.MControlReply{Type: models.MessageError, Error: fmt.Sprintf("malformed command: %v", err)})
		return
	}

	switch cmd.Action {
	case models.ActionSubscribe:
		if cmd.Criteria == nil {
			s.reply(client, models.MControlReply{Type: models.MessageError, Error: "criteria is required"})
			return
		}
		subID, err := s.Hub.Subscribe(client.userID, *cmd.Criteria)
		if err != nil {
			s.reply(client, models.MControlReply{Type: models.MessageError, Error: err.Error()})
			return
		}
		s.reply(client, models.MControlReply{Type: models.MessageSubscribed, SubscriptionID: subID})

	case models.ActionUnsubscribe:
		if !ownsSubscription(s.Hub.Subscriptions(client.userID), cmd.SubscriptionID) || !s.Hub.Unsubscribe(cmd.SubscriptionID) {
			s.reply(client, models.MControlReply{
				Type:           models.MessageError,
				SubscriptionID: cmd.SubscriptionID,
				Error:          "subscription not found",
			})
			return
		}
		s.reply(client, models.MControlReply{Type: models.MessageUnsubscribed, SubscriptionID: cmd.SubscriptionID})

	default:
		s.reply(client, models.MControlReply{Type: models.MessageError, Error: fmt.Sprintf("unknown action %q", cmd.Action)})
	}
}

// -----------------------------------------------------------------------------

func (s *HTTPServer) reply(client *Client, msg models.MControlReply) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.Logger.Error("Failed to encode reply: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := client.Send(ctx, data); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.Logger.Debug("Reply to %s failed: %v", client.id, err)
	}
}
