// internal/game/orchestrator.go
package game

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/ai"
	"github.com/promptmaster/promptmaster/internal/cache"
	"github.com/promptmaster/promptmaster/internal/models"
)

// Orchestrator owns the per-lobby round state machine: phase timers,
// prompter rotation, guess collection, scoring dispatch, and the
// phase-transition broadcasts. The store record is the source of truth;
// every handler re-fetches it and validates the round's status before
// mutating, because timers and player actions race. In-memory timer
// handles are ephemeral and process-local.
type Orchestrator struct {
	store  cache.Store
	images ai.ImageGenerator
	scorer ai.GuessScorer
	bus    Broadcaster
	log    *logrus.Logger

	// TimeLimitOverride, when positive, replaces the lobby's configured
	// prompt/guess time limit. Used by tests to shrink timers.
	TimeLimitOverride time.Duration

	// DraftGrace is the wait for a last-moment draft after a deadline.
	DraftGrace time.Duration

	// ResultsDelay is the pause on the results screen before the next
	// round or game end.
	ResultsDelay time.Duration

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // per-lobby handler serialization
	timers map[string]*time.Timer // at most one armed timer per lobby
	drafts map[string]chan string // pending draft replies, keyed code|playerID
}

// NewOrchestrator builds an orchestrator over the given collaborators.
func NewOrchestrator(store cache.Store, images ai.ImageGenerator, scorer ai.GuessScorer, bus Broadcaster, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		store:        store,
		images:       images,
		scorer:       scorer,
		bus:          bus,
		log:          log,
		DraftGrace:   models.DraftGrace,
		ResultsDelay: models.ResultsBreather,
		locks:        make(map[string]*sync.Mutex),
		timers:       make(map[string]*time.Timer),
		drafts:       make(map[string]chan string),
	}
}

// lobbyLock returns the mutex serializing all state transitions for
// one lobby. Lobbies proceed independently.
func (o *Orchestrator) lobbyLock(code string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.locks[code]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[code] = mu
	}
	return mu
}

// armTimer schedules fn after d, always canceling any previous timer
// for the lobby first so a stale callback can never double-fire a
// transition.
func (o *Orchestrator) armTimer(code string, d time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[code]; ok {
		t.Stop()
	}
	o.timers[code] = time.AfterFunc(d, fn)
}

// cancelTimer stops the lobby's armed timer, if any.
func (o *Orchestrator) cancelTimer(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[code]; ok {
		t.Stop()
		delete(o.timers, code)
	}
}

// cleanupLobby drops all in-memory handles for a lobby once its game
// is over or abandoned.
func (o *Orchestrator) cleanupLobby(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[code]; ok {
		t.Stop()
		delete(o.timers, code)
	}
	// Pending draft requests resolve by their own timeout; dropping the
	// channel here just makes late replies no-ops.
	for key := range o.drafts {
		if draftKeyCode(key) == code {
			delete(o.drafts, key)
		}
	}
	delete(o.locks, code)
}

// StartGame initializes a game record from the lobby's connected
// players and starts the first round. Caller (the lobby manager) has
// already flipped the lobby to playing and verified the player count.
func (o *Orchestrator) StartGame(ctx context.Context, lobby *models.Lobby) error {
	mu := o.lobbyLock(lobby.Code)
	mu.Lock()

	order := make([]string, 0, len(lobby.Players))
	scores := make([]models.PlayerScore, 0, len(lobby.Players))
	for _, p := range lobby.Players {
		if p.Connected {
			order = append(order, p.ID)
			scores = append(scores, models.PlayerScore{PlayerID: p.ID})
		}
	}
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	state := &models.GameState{
		LobbyCode:     lobby.Code,
		PrompterOrder: order,
		Scores:        scores,
	}
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		mu.Unlock()
		return err
	}
	o.log.WithFields(logrus.Fields{"lobby": lobby.Code, "players": len(order)}).Info("game started")
	o.bus.Broadcast(lobby.Code, Event{Type: EventGameStarted, Payload: state})
	mu.Unlock()

	o.startNewRound(ctx, lobby.Code)
	return nil
}

// Resync sends the full game state to a single reconnected connection
// so it can rebuild its view. At-most-once event delivery is
// reconciled through this full-state path.
func (o *Orchestrator) Resync(ctx context.Context, code, connID string) {
	mu := o.lobbyLock(code)
	mu.Lock()
	defer mu.Unlock()

	state, found, err := cache.LoadGame(ctx, o.store, code)
	if err != nil || !found {
		return
	}
	o.bus.SendTo(connID, Event{Type: EventGameStarted, Payload: state})
}

// RebindPlayer swaps a reconnecting player's old connection id for the
// new one inside the game record. Connection ids are replaceable
// foreign keys, never identity.
func (o *Orchestrator) RebindPlayer(ctx context.Context, code, oldID, newID string) {
	if oldID == "" || oldID == newID {
		return
	}
	mu := o.lobbyLock(code)
	mu.Lock()
	defer mu.Unlock()

	state, found, err := cache.LoadGame(ctx, o.store, code)
	if err != nil || !found {
		return
	}
	state.RebindPlayer(oldID, newID)
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Warn("failed to rebind player in game record")
	}
}

// AbortGame tears a game down without results, used when the lobby
// empties or is deleted mid-game.
func (o *Orchestrator) AbortGame(ctx context.Context, code string) {
	mu := o.lobbyLock(code)
	mu.Lock()
	if err := cache.DeleteGame(ctx, o.store, code); err != nil {
		o.log.WithError(err).WithField("lobby", code).Warn("failed to delete aborted game record")
	}
	mu.Unlock()
	o.cleanupLobby(code)
	o.log.WithField("lobby", code).Info("game aborted")
}

// timeLimitFor resolves the prompting/guessing deadline duration.
func (o *Orchestrator) timeLimitFor(lobby *models.Lobby) time.Duration {
	if o.TimeLimitOverride > 0 {
		return o.TimeLimitOverride
	}
	return time.Duration(lobby.Settings.TimeLimit) * time.Second
}

// publishResult pushes the finished-game summary onto the results
// queue for the historian. Best-effort: a queue failure is logged and
// never blocks game teardown.
func (o *Orchestrator) publishResult(ctx context.Context, lobby *models.Lobby, state *models.GameState) {
	record := cache.GameResultRecord{
		LobbyCode:    lobby.Code,
		RoundsPlayed: len(state.Rounds),
		EndedAt:      time.Now().UnixMilli(),
	}
	for _, score := range state.Scores {
		name := score.PlayerID
		if p := lobby.PlayerByID(score.PlayerID); p != nil {
			name = p.Username
		}
		record.Players = append(record.Players, cache.PlayerResult{
			Username:   name,
			TotalScore: score.TotalScore,
		})
	}
	payload, err := json.Marshal(record)
	if err != nil {
		o.log.WithError(err).WithField("lobby", lobby.Code).Warn("failed to encode game result record")
		return
	}
	if err := o.store.PushResult(ctx, payload); err != nil {
		o.log.WithError(err).WithField("lobby", lobby.Code).Warn("failed to enqueue game result record")
	}
}

// loadBoth fetches the lobby and game records fresh from the store.
func (o *Orchestrator) loadBoth(ctx context.Context, code string) (*models.Lobby, *models.GameState, bool) {
	lobby, found, err := cache.LoadLobby(ctx, o.store, code)
	if err != nil || !found {
		if err != nil {
			o.log.WithError(err).WithField("lobby", code).Error("failed to load lobby record")
		}
		return nil, nil, false
	}
	state, found, err := cache.LoadGame(ctx, o.store, code)
	if err != nil || !found {
		if err != nil {
			o.log.WithError(err).WithField("lobby", code).Error("failed to load game record")
		}
		return nil, nil, false
	}
	return lobby, state, true
}
