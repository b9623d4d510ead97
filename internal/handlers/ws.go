// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/game"
	"github.com/promptmaster/promptmaster/internal/lobby"
	"github.com/promptmaster/promptmaster/internal/models"
)

// ClientMessage is the single envelope for every inbound WebSocket
// message. Only the fields relevant to a given type are populated.
type ClientMessage struct {
	Type     string                 `json:"type"`
	Code     string                 `json:"code,omitempty"`
	Username string                 `json:"username,omitempty"`
	Settings *models.SettingsUpdate `json:"settings,omitempty"`
	PlayerID string                 `json:"playerId,omitempty"`
	Prompt   string                 `json:"prompt,omitempty"`
	Guess    string                 `json:"guess,omitempty"`
	Text     string                 `json:"text,omitempty"`
}

// WSHandler accepts WebSocket connections, assigns each a connection
// id, and routes every inbound message to exactly one manager or
// orchestrator call. Connection identity is transport-scoped: players
// who reconnect get a fresh id and re-bind via lobby:validate.
func WSHandler(logger *logrus.Logger, hub *Hub, lm *lobby.Manager, orch *game.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"promptmaster"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("WebSocket accept error: %v", err)
			return
		}
		defer ws.Close(websocket.StatusInternalError, "internal error")

		if ws.Subprotocol() != "promptmaster" {
			ws.Close(websocket.StatusPolicyViolation, "client must use the 'promptmaster' subprotocol")
			return
		}

		connID := uuid.NewString()
		conn := newConn(connID, ws)
		hub.Register(conn)
		logger.WithFields(logrus.Fields{"conn": connID, "remote": r.RemoteAddr}).Info("websocket connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		readMessages(ctx, ws, connID, hub, lm, orch, logger)

		// Read loop exited: start the grace window rather than removing
		// the seat outright.
		code := hub.RoomFor(connID)
		hub.Unregister(connID)
		if code != "" {
			lm.MarkDisconnected(context.Background(), code, connID)
		}
		logger.WithField("conn", connID).Info("websocket disconnected")
		ws.Close(websocket.StatusNormalClosure, "")
	}
}

// readMessages is the per-connection read loop. Each message maps to
// one manager or orchestrator call; domain errors come back typed and
// are forwarded to the client as lobby:error.
func readMessages(ctx context.Context, ws *websocket.Conn, connID string, hub *Hub, lm *lobby.Manager, orch *game.Orchestrator, logger *logrus.Logger) {
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.WithField("conn", connID).Debug("websocket closed normally")
			} else if !strings.Contains(err.Error(), "context canceled") {
				logger.WithError(err).WithField("conn", connID).Debug("websocket read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.WithField("conn", connID).Warnf("invalid JSON: %v", err)
			sendError(hub, connID, models.NewLobbyError(models.ErrInvalidAction, "invalid JSON"))
			continue
		}

		logger.WithFields(logrus.Fields{"conn": connID, "type": msg.Type}).Debug("message received")

		switch msg.Type {
		case "lobby:create":
			l, lerr := lm.CreateLobby(ctx, msg.Username, connID)
			if lerr != nil {
				sendError(hub, connID, lerr)
				continue
			}
			hub.JoinRoom(connID, l.Code)
			hub.SendTo(connID, map[string]interface{}{"type": "lobby:created", "payload": l})

		case "lobby:join":
			l, lerr := lm.JoinLobby(ctx, msg.Code, msg.Username, connID)
			if lerr != nil {
				sendError(hub, connID, lerr)
				continue
			}
			hub.JoinRoom(connID, l.Code)
			hub.SendTo(connID, map[string]interface{}{"type": "lobby:joined", "payload": l})

		case "lobby:validate":
			// First socket attach after an HTTP join, or a reconnect.
			// Join the room before validating so the resync targeted
			// send and the lobby:updated broadcast both reach us.
			hub.JoinRoom(connID, msg.Code)
			l, lerr := lm.ValidateConnection(ctx, msg.Code, msg.Username, connID)
			if lerr != nil {
				sendError(hub, connID, lerr)
				continue
			}
			hub.SendTo(connID, map[string]interface{}{"type": "lobby:validated", "payload": l})

		case "lobby:update_settings":
			if msg.Settings == nil {
				sendError(hub, connID, models.NewLobbyError(models.ErrInvalidSettings, "missing settings"))
				continue
			}
			if _, lerr := lm.UpdateSettings(ctx, roomOf(hub, connID, msg), connID, *msg.Settings); lerr != nil {
				sendError(hub, connID, lerr)
			}

		case "lobby:leave":
			code := roomOf(hub, connID, msg)
			if lerr := lm.Leave(ctx, code, connID); lerr != nil {
				sendError(hub, connID, lerr)
				continue
			}
			hub.SendTo(connID, map[string]interface{}{"type": "lobby:left"})

		case "lobby:kick_player":
			if lerr := lm.Kick(ctx, roomOf(hub, connID, msg), connID, msg.PlayerID); lerr != nil {
				sendError(hub, connID, lerr)
			}

		case "lobby:start_game":
			if lerr := lm.StartGame(ctx, roomOf(hub, connID, msg), connID); lerr != nil {
				sendError(hub, connID, lerr)
			}

		case "game:submit_prompt":
			if lerr := orch.HandlePromptSubmission(ctx, roomOf(hub, connID, msg), connID, msg.Prompt); lerr != nil {
				sendError(hub, connID, lerr)
			}

		case "game:submit_draft":
			orch.HandleDraft(roomOf(hub, connID, msg), connID, msg.Text)

		case "game:submit_guess":
			if lerr := orch.HandleGuessSubmission(ctx, roomOf(hub, connID, msg), connID, msg.Guess); lerr != nil {
				sendError(hub, connID, lerr)
			}

		case "game:submit_guess_draft":
			orch.HandleGuessDraft(roomOf(hub, connID, msg), connID, msg.Text)

		case "ping":
			hub.SendTo(connID, map[string]string{"type": "pong"})

		default:
			logger.WithFields(logrus.Fields{"conn": connID, "type": msg.Type}).Warn("unknown message type")
			sendError(hub, connID, models.NewLobbyError(models.ErrInvalidAction, "unknown message type: "+msg.Type))
		}
	}
}

// roomOf resolves the lobby code for a message, preferring the room
// the connection already joined over a client-supplied code.
func roomOf(hub *Hub, connID string, msg ClientMessage) string {
	if code := hub.RoomFor(connID); code != "" {
		return code
	}
	return msg.Code
}

// sendError forwards a typed domain error to the client.
func sendError(hub *Hub, connID string, lerr *models.LobbyError) {
	hub.SendTo(connID, map[string]interface{}{
		"type": "lobby:error",
		"payload": map[string]string{
			"code":    string(lerr.Type),
			"message": lerr.Message,
		},
	})
}
