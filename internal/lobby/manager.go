// internal/lobby/manager.go
package lobby

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/cache"
	"github.com/promptmaster/promptmaster/internal/models"
)

// Bus is the slice of the transport the manager needs: room-scoped
// broadcasts and single-connection sends.
type Bus interface {
	Broadcast(code string, msg interface{})
	SendTo(connID string, msg interface{})
}

// GameControl is the slice of the round orchestrator the manager
// needs: handing a lobby off at game start, tearing a game down when
// its lobby dies, and re-binding reconnected players.
type GameControl interface {
	StartGame(ctx context.Context, lobby *models.Lobby) error
	AbortGame(ctx context.Context, code string)
	RebindPlayer(ctx context.Context, code, oldID, newID string)
	Resync(ctx context.Context, code, connID string)
}

// Manager owns lobby lifecycle: create/join/leave/kick, connection
// binding with a reconnection grace window, host promotion, settings,
// and the background sweep that removes players whose disconnect
// outlived the grace window. It is the sole writer of lobby records
// while a lobby is waiting.
type Manager struct {
	store cache.Store
	bus   Bus
	games GameControl
	log   *logrus.Logger

	// Grace is how long a disconnected seat survives before the sweep
	// removes it.
	Grace time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a lobby manager over the given collaborators.
func NewManager(store cache.Store, bus Bus, games GameControl, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		store: store,
		bus:   bus,
		games: games,
		log:   log,
		Grace: models.ReconnectGrace,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(code string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[code]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[code] = mu
	}
	return mu
}

// generateCode returns a random 6-digit lobby code.
func generateCode() string {
	return fmt.Sprintf("%06d", rand.Intn(900000)+100000)
}

// CreateLobby builds a new lobby with a unique code and the creator
// seated as host. connID may be empty when the lobby is created over
// HTTP before the socket connects; the host's id is bound at validate
// time in that case.
func (m *Manager) CreateLobby(ctx context.Context, username, connID string) (*models.Lobby, *models.LobbyError) {
	if !models.ValidUsername(username) {
		return nil, models.NewLobbyError(models.ErrUsernameInvalid, "username must be 1-25 characters")
	}

	var code string
	for attempt := 0; ; attempt++ {
		code = generateCode()
		_, exists, err := m.store.Get(ctx, cache.LobbyKey(code))
		if err != nil {
			return nil, m.internalError(err, "failed to check lobby code")
		}
		if !exists {
			break
		}
		if attempt >= 20 {
			return nil, m.internalError(fmt.Errorf("code space exhausted after %d attempts", attempt), "failed to allocate lobby code")
		}
	}

	lobby := &models.Lobby{
		Code:   code,
		HostID: connID,
		Players: []models.LobbyPlayer{{
			ID:        connID,
			Username:  username,
			IsHost:    true,
			Connected: connID != "",
		}},
		Settings:  models.DefaultSettings(),
		Status:    models.LobbyWaiting,
		CreatedAt: time.Now(),
	}
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		return nil, m.internalError(err, "failed to save lobby")
	}
	m.reserveUsername(ctx, code, username)
	m.log.WithFields(logrus.Fields{"lobby": code, "host": username}).Info("lobby created")
	return lobby, nil
}

// JoinLobby seats a new player in a waiting lobby. connID may be empty
// for the HTTP pre-socket flow.
func (m *Manager) JoinLobby(ctx context.Context, code, username, connID string) (*models.Lobby, *models.LobbyError) {
	if !models.ValidUsername(username) {
		return nil, models.NewLobbyError(models.ErrUsernameInvalid, "username must be 1-25 characters")
	}

	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil {
		return nil, m.internalError(err, "failed to load lobby")
	}
	if !found {
		return nil, models.NewLobbyError(models.ErrLobbyNotFound, "no lobby with that code")
	}
	if lobby.Status != models.LobbyWaiting {
		return nil, models.NewLobbyError(models.ErrLobbyNotJoinable, "this lobby is no longer accepting players")
	}
	if len(lobby.Players) >= models.MaxPlayers {
		return nil, models.NewLobbyError(models.ErrLobbyFull, "lobby is full")
	}
	if lobby.PlayerByUsername(username) != nil {
		return nil, models.NewLobbyError(models.ErrUsernameTaken, "that username is already taken in this lobby")
	}

	lobby.Players = append(lobby.Players, models.LobbyPlayer{
		ID:        connID,
		Username:  username,
		Connected: connID != "",
	})
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		return nil, m.internalError(err, "failed to save lobby")
	}
	m.reserveUsername(ctx, code, username)
	m.log.WithFields(logrus.Fields{"lobby": code, "player": username}).Info("player joined lobby")
	m.broadcastUpdated(lobby)
	return lobby, nil
}

// ValidateConnection binds (or re-binds) a connection id to an
// existing player record by username match. This is both the first
// socket attach after an HTTP join and the reconnection path: the old
// connection id is a replaceable foreign key, not identity.
func (m *Manager) ValidateConnection(ctx context.Context, code, username, connID string) (*models.Lobby, *models.LobbyError) {
	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil {
		return nil, m.internalError(err, "failed to load lobby")
	}
	if !found {
		return nil, models.NewLobbyError(models.ErrLobbyNotFound, "no lobby with that code")
	}
	player := lobby.PlayerByUsername(username)
	if player == nil {
		return nil, models.NewLobbyError(models.ErrPlayerNotFound, "no seat reserved for that username")
	}

	oldID := player.ID
	player.ID = connID
	player.Connected = true
	player.LastSeen = nil
	if player.IsHost {
		lobby.HostID = connID
	}
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		return nil, m.internalError(err, "failed to save lobby")
	}
	m.log.WithFields(logrus.Fields{"lobby": code, "player": username, "conn": connID}).Info("connection validated")

	if lobby.Status == models.LobbyPlaying && m.games != nil {
		m.games.RebindPlayer(ctx, code, oldID, connID)
		m.games.Resync(ctx, code, connID)
	}
	m.broadcastUpdated(lobby)
	return lobby, nil
}

// UpdateSettings applies a host's partial settings change, validating
// each present field against its range.
func (m *Manager) UpdateSettings(ctx context.Context, code, connID string, update models.SettingsUpdate) (*models.Lobby, *models.LobbyError) {
	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil {
		return nil, m.internalError(err, "failed to load lobby")
	}
	if !found {
		return nil, models.NewLobbyError(models.ErrLobbyNotFound, "no lobby with that code")
	}
	if lobby.HostID != connID {
		return nil, models.NewLobbyError(models.ErrNotHost, "only the host can change settings")
	}
	if lobby.Status != models.LobbyWaiting {
		return nil, models.NewLobbyError(models.ErrInvalidAction, "settings cannot change during a game")
	}

	if update.RoundsPerPlayer != nil {
		v := *update.RoundsPerPlayer
		if v < models.MinRoundsPerPlayer || v > models.MaxRoundsPerPlayer {
			return nil, models.NewLobbyError(models.ErrInvalidSettings,
				fmt.Sprintf("roundsPerPlayer must be between %d and %d", models.MinRoundsPerPlayer, models.MaxRoundsPerPlayer))
		}
		lobby.Settings.RoundsPerPlayer = v
	}
	if update.TimeLimit != nil {
		v := *update.TimeLimit
		if v < models.MinTimeLimitSec || v > models.MaxTimeLimitSec {
			return nil, models.NewLobbyError(models.ErrInvalidSettings,
				fmt.Sprintf("timeLimit must be between %d and %d seconds", models.MinTimeLimitSec, models.MaxTimeLimitSec))
		}
		lobby.Settings.TimeLimit = v
	}

	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		return nil, m.internalError(err, "failed to save lobby")
	}
	m.broadcastUpdated(lobby)
	return lobby, nil
}

// Leave removes the player bound to connID. The next connected player
// in join order inherits the host seat; an emptied lobby is deleted.
func (m *Manager) Leave(ctx context.Context, code, connID string) *models.LobbyError {
	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()
	return m.removePlayer(ctx, code, connID)
}

// Kick is a host-only removal of another player. The kicked connection
// gets a targeted notification before removal.
func (m *Manager) Kick(ctx context.Context, code, connID, targetID string) *models.LobbyError {
	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil {
		return m.internalError(err, "failed to load lobby")
	}
	if !found {
		return models.NewLobbyError(models.ErrLobbyNotFound, "no lobby with that code")
	}
	if lobby.HostID != connID {
		return models.NewLobbyError(models.ErrNotHost, "only the host can kick players")
	}
	if lobby.PlayerByID(targetID) == nil {
		return models.NewLobbyError(models.ErrPlayerNotFound, "no such player in this lobby")
	}

	m.bus.SendTo(targetID, map[string]interface{}{"type": "lobby:kicked"})
	return m.removePlayer(ctx, code, targetID)
}

// MarkDisconnected flags a player's socket as closed and starts their
// grace window. The seat survives until the sweep retires it.
func (m *Manager) MarkDisconnected(ctx context.Context, code, connID string) {
	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil || !found {
		return
	}
	player := lobby.PlayerByID(connID)
	if player == nil || !player.Connected {
		return
	}
	now := time.Now()
	player.Connected = false
	player.LastSeen = &now
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		m.log.WithError(err).WithField("lobby", code).Warn("failed to save disconnect")
		return
	}
	m.log.WithFields(logrus.Fields{"lobby": code, "player": player.Username}).Info("player disconnected, grace window started")
	m.broadcastUpdated(lobby)
}

// StartGame flips a waiting lobby to playing and hands it to the round
// orchestrator. Host-only, and at least MinPlayers must be connected.
func (m *Manager) StartGame(ctx context.Context, code, connID string) *models.LobbyError {
	mu := m.lock(code)
	mu.Lock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil {
		mu.Unlock()
		return m.internalError(err, "failed to load lobby")
	}
	if !found {
		mu.Unlock()
		return models.NewLobbyError(models.ErrLobbyNotFound, "no lobby with that code")
	}
	if lobby.HostID != connID {
		mu.Unlock()
		return models.NewLobbyError(models.ErrNotHost, "only the host can start the game")
	}
	if lobby.Status != models.LobbyWaiting {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "game already in progress")
	}
	if lobby.ConnectedCount() < models.MinPlayers {
		mu.Unlock()
		return models.NewLobbyError(models.ErrMinPlayersNotMet,
			fmt.Sprintf("need at least %d connected players", models.MinPlayers))
	}

	lobby.Status = models.LobbyPlaying
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		mu.Unlock()
		return m.internalError(err, "failed to save lobby")
	}
	m.broadcastUpdated(lobby)
	mu.Unlock()

	if err := m.games.StartGame(ctx, lobby); err != nil {
		m.log.WithError(err).WithField("lobby", code).Error("failed to start game")
		return m.internalError(err, "failed to start game")
	}
	return nil
}

// removePlayer takes a seat out of the lobby and handles the fallout:
// host promotion, lobby deletion, mid-game abort. Caller holds the
// lobby lock.
func (m *Manager) removePlayer(ctx context.Context, code, playerID string) *models.LobbyError {
	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil {
		return m.internalError(err, "failed to load lobby")
	}
	if !found {
		return models.NewLobbyError(models.ErrLobbyNotFound, "no lobby with that code")
	}

	removed := false
	wasHost := false
	var username string
	for i := range lobby.Players {
		if lobby.Players[i].ID == playerID {
			wasHost = lobby.Players[i].IsHost
			username = lobby.Players[i].Username
			lobby.Players = append(lobby.Players[:i], lobby.Players[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return models.NewLobbyError(models.ErrPlayerNotFound, "no such player in this lobby")
	}

	if len(lobby.Players) == 0 {
		if err := cache.DeleteLobby(ctx, m.store, code); err != nil {
			return m.internalError(err, "failed to delete lobby")
		}
		if m.games != nil {
			m.games.AbortGame(ctx, code)
		}
		m.log.WithField("lobby", code).Info("last player left, lobby deleted")
		return nil
	}

	if wasHost {
		m.promoteHost(lobby)
	}
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		return m.internalError(err, "failed to save lobby")
	}
	m.log.WithFields(logrus.Fields{"lobby": code, "player": username}).Info("player removed from lobby")
	m.broadcastUpdated(lobby)
	return nil
}

// promoteHost hands the host seat to the first connected player in
// join order, or the first player at all when nobody is connected.
func (m *Manager) promoteHost(lobby *models.Lobby) {
	for i := range lobby.Players {
		lobby.Players[i].IsHost = false
	}
	idx := 0
	for i := range lobby.Players {
		if lobby.Players[i].Connected {
			idx = i
			break
		}
	}
	lobby.Players[idx].IsHost = true
	lobby.HostID = lobby.Players[idx].ID
	m.log.WithFields(logrus.Fields{"lobby": lobby.Code, "host": lobby.Players[idx].Username}).Info("host promoted")
}

func (m *Manager) reserveUsername(ctx context.Context, code, username string) {
	if err := m.store.SetWithExpiry(ctx, cache.UsernameKey(code, username), models.UsernameReservationTTL, "reserved"); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"lobby": code, "player": username}).Warn("failed to reserve username")
	}
}

func (m *Manager) broadcastUpdated(lobby *models.Lobby) {
	if m.bus == nil {
		return
	}
	m.bus.Broadcast(lobby.Code, map[string]interface{}{
		"type":    "lobby:updated",
		"payload": lobby,
	})
}

func (m *Manager) internalError(err error, msg string) *models.LobbyError {
	m.log.WithError(err).Error(msg)
	return models.NewLobbyError(models.ErrInvalidAction, msg)
}
