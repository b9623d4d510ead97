// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/lobby"
	"github.com/promptmaster/promptmaster/internal/models"
)

type createLobbyRequest struct {
	Username string `json:"username"`
}

type joinLobbyRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
}

// CreateLobbyHandler handles POST /lobby/create. The caller gets a
// lobby record back and then attaches over WebSocket with
// lobby:validate to bind their connection.
func CreateLobbyHandler(logger *logrus.Logger, lm *lobby.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req createLobbyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, models.NewLobbyError(models.ErrInvalidAction, "invalid request body"))
			return
		}
		l, lerr := lm.CreateLobby(r.Context(), req.Username, "")
		if lerr != nil {
			writeError(w, statusFor(lerr), lerr)
			return
		}
		writeJSON(w, http.StatusCreated, l)
	}
}

// JoinLobbyHandler handles POST /lobby/join.
func JoinLobbyHandler(logger *logrus.Logger, lm *lobby.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req joinLobbyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, models.NewLobbyError(models.ErrInvalidAction, "invalid request body"))
			return
		}
		l, lerr := lm.JoinLobby(r.Context(), req.Code, req.Username, "")
		if lerr != nil {
			writeError(w, statusFor(lerr), lerr)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// HealthHandler handles GET /health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(lerr *models.LobbyError) int {
	switch lerr.Type {
	case models.ErrLobbyNotFound, models.ErrPlayerNotFound:
		return http.StatusNotFound
	case models.ErrLobbyFull, models.ErrLobbyNotJoinable, models.ErrUsernameTaken:
		return http.StatusConflict
	case models.ErrUsernameInvalid, models.ErrInvalidSettings:
		return http.StatusBadRequest
	case models.ErrNotHost:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, lerr *models.LobbyError) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    string(lerr.Type),
			"message": lerr.Message,
		},
	})
}
