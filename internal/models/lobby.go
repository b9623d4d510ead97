// internal/models/lobby.go
package models

import "time"

// Lobby constraint constants. These mirror the limits enforced by the
// HTTP join flow and the settings validation on the socket side.
const (
	CodeLength         = 6
	MinPlayers         = 2
	MaxPlayers         = 8
	UsernameMinLength  = 1
	UsernameMaxLength  = 25
	MinRoundsPerPlayer = 1
	MaxRoundsPerPlayer = 4
	MinTimeLimitSec    = 5
	MaxTimeLimitSec    = 30
)

// Timing constants shared by the lobby manager and the orchestrator.
const (
	// ReconnectGrace is how long a disconnected player's seat is kept
	// before the sweeper removes them.
	ReconnectGrace = 15 * time.Second

	// ResultsBreather is the fixed pause between a round's results and
	// the next round (or game end). Not cancelable by player action.
	ResultsBreather = 5 * time.Second

	// DraftGrace is how long the server waits for a last-moment draft
	// after a prompt or guess deadline elapses.
	DraftGrace = time.Second

	// RecordTTL is the absolute expiry on lobby and game records.
	RecordTTL = 24 * time.Hour

	// UsernameReservationTTL covers the gap between the HTTP join and
	// the socket validate that actually seats the player.
	UsernameReservationTTL = 5 * time.Minute
)

// LobbyStatus is the lifecycle state of a lobby.
type LobbyStatus string

const (
	LobbyWaiting LobbyStatus = "waiting"
	LobbyPlaying LobbyStatus = "playing"
)

// LobbyPlayer is one seat in a lobby. ID is the transport-assigned
// connection identifier and is only stable while the player is
// connected; Username is the durable identity within the lobby and is
// what a reconnecting player re-binds against.
type LobbyPlayer struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	IsHost    bool       `json:"isHost"`
	Connected bool       `json:"connected"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

// LobbySettings are the host-tunable game parameters.
type LobbySettings struct {
	RoundsPerPlayer int `json:"roundsPerPlayer"` // 1-4
	TimeLimit       int `json:"timeLimit"`       // seconds, 5-30
}

// DefaultSettings returns the settings a fresh lobby starts with.
func DefaultSettings() LobbySettings {
	return LobbySettings{RoundsPerPlayer: 2, TimeLimit: 30}
}

// SettingsUpdate is a partial settings change from the host. Nil
// fields are left untouched.
type SettingsUpdate struct {
	RoundsPerPlayer *int `json:"roundsPerPlayer,omitempty"`
	TimeLimit       *int `json:"timeLimit,omitempty"`
}

// Lobby is the durable lobby record, stored whole in the key-value
// store under lobby:{code}. Players preserves join order.
type Lobby struct {
	Code      string        `json:"code"`
	HostID    string        `json:"hostId"`
	Players   []LobbyPlayer `json:"players"`
	Settings  LobbySettings `json:"settings"`
	Status    LobbyStatus   `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// PlayerByID returns the player bound to the given connection id.
func (l *Lobby) PlayerByID(id string) *LobbyPlayer {
	for i := range l.Players {
		if l.Players[i].ID == id {
			return &l.Players[i]
		}
	}
	return nil
}

// PlayerByUsername returns the player with the given username.
func (l *Lobby) PlayerByUsername(username string) *LobbyPlayer {
	for i := range l.Players {
		if l.Players[i].Username == username {
			return &l.Players[i]
		}
	}
	return nil
}

// ConnectedCount returns the number of players currently connected.
func (l *Lobby) ConnectedCount() int {
	n := 0
	for i := range l.Players {
		if l.Players[i].Connected {
			n++
		}
	}
	return n
}

// LobbyErrorType classifies client-visible lobby and game request
// failures. These are sent only to the offending connection and never
// mutate state.
type LobbyErrorType string

const (
	ErrLobbyNotFound    LobbyErrorType = "LOBBY_NOT_FOUND"
	ErrLobbyNotJoinable LobbyErrorType = "LOBBY_NOT_JOINABLE"
	ErrLobbyFull        LobbyErrorType = "LOBBY_FULL"
	ErrUsernameTaken    LobbyErrorType = "USERNAME_TAKEN"
	ErrUsernameInvalid  LobbyErrorType = "USERNAME_INVALID"
	ErrNotHost          LobbyErrorType = "NOT_HOST"
	ErrPlayerNotFound   LobbyErrorType = "PLAYER_NOT_FOUND"
	ErrMinPlayersNotMet LobbyErrorType = "MIN_PLAYERS_NOT_MET"
	ErrInvalidSettings  LobbyErrorType = "INVALID_SETTINGS"
	ErrNotYourTurn      LobbyErrorType = "NOT_YOUR_TURN"
	ErrInvalidAction    LobbyErrorType = "INVALID_ACTION"
)

// LobbyError is the typed error payload for a rejected request.
type LobbyError struct {
	Type    LobbyErrorType `json:"type"`
	Message string         `json:"message"`
}

func (e *LobbyError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// NewLobbyError builds a typed client error.
func NewLobbyError(t LobbyErrorType, msg string) *LobbyError {
	return &LobbyError{Type: t, Message: msg}
}

// ValidUsername reports whether a username satisfies the length
// constraints.
func ValidUsername(username string) bool {
	return len(username) >= UsernameMinLength && len(username) <= UsernameMaxLength
}
