// internal/game/rounds.go
package game

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/ai"
	"github.com/promptmaster/promptmaster/internal/cache"
	"github.com/promptmaster/promptmaster/internal/models"
)

// roundAt returns the round at idx only if it is the latest round and
// sits in the expected status. Every transition passes through this
// guard: a timer firing moments after a submission raced it sees the
// status already advanced and no-ops.
func roundAt(state *models.GameState, idx int, want models.RoundStatus) *models.GameRound {
	if idx != len(state.Rounds)-1 || idx < 0 {
		return nil
	}
	r := &state.Rounds[idx]
	if r.Status != want {
		return nil
	}
	return r
}

// startNewRound appends a prompting round for the next prompter in the
// fixed rotation and arms the prompt timer. If the game has already
// played out its full schedule (skipped rounds count toward it), the
// game ends instead.
func (o *Orchestrator) startNewRound(ctx context.Context, code string) {
	mu := o.lobbyLock(code)
	mu.Lock()

	lobby, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	if state.Complete(lobby.Settings.RoundsPerPlayer) {
		mu.Unlock()
		o.endGame(ctx, code)
		return
	}

	limit := o.timeLimitFor(lobby)
	round := models.GameRound{
		PrompterID: state.PrompterForRound(len(state.Rounds)),
		Status:     models.RoundPrompting,
		EndTime:    time.Now().Add(limit).UnixMilli(),
		Guesses:    []models.Guess{},
	}
	state.Rounds = append(state.Rounds, round)
	idx := len(state.Rounds) - 1
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save new round")
		mu.Unlock()
		return
	}

	o.log.WithFields(logrus.Fields{"lobby": code, "round": idx, "prompter": round.PrompterID}).Info("round started")
	o.bus.Broadcast(code, Event{Type: EventRoundStarted, Payload: round})
	mu.Unlock()

	o.armTimer(code, limit, func() { o.onPromptTimeout(code, idx) })
}

// HandlePromptSubmission accepts the prompter's prompt during the
// prompting phase and moves the round to generating. Out-of-turn and
// out-of-phase submissions are rejected without mutating state.
func (o *Orchestrator) HandlePromptSubmission(ctx context.Context, code, connID, prompt string) *models.LobbyError {
	mu := o.lobbyLock(code)
	mu.Lock()

	_, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return models.NewLobbyError(models.ErrLobbyNotFound, "no active game for this lobby")
	}
	idx := len(state.Rounds) - 1
	round := roundAt(state, idx, models.RoundPrompting)
	if round == nil {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "round is not accepting prompts")
	}
	if round.PrompterID != connID {
		mu.Unlock()
		return models.NewLobbyError(models.ErrNotYourTurn, "only the current prompter may submit a prompt")
	}
	if prompt == "" {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "prompt must not be empty")
	}
	mu.Unlock()

	o.cancelTimer(code)
	go o.processPrompt(context.Background(), code, idx, prompt)
	return nil
}

// onPromptTimeout fires when the prompting deadline elapses. The
// prompter gets one last chance: a targeted draft request with a short
// grace wait. A non-empty draft is treated as a submission; otherwise
// the round is skipped entirely and the rotation advances.
func (o *Orchestrator) onPromptTimeout(code string, idx int) {
	ctx := context.Background()

	mu := o.lobbyLock(code)
	mu.Lock()
	_, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round := roundAt(state, idx, models.RoundPrompting)
	if round == nil {
		mu.Unlock()
		o.log.WithFields(logrus.Fields{"lobby": code, "round": idx}).Debug("stale prompt timer, ignoring")
		return
	}
	prompterID := round.PrompterID
	mu.Unlock()

	// Draft round trip happens without the lobby lock; a racing real
	// submission wins by advancing the status first.
	draft := o.requestDraft(code, prompterID, EventRequestDraft)
	if draft != "" {
		o.processPrompt(ctx, code, idx, draft)
		return
	}
	o.skipRound(ctx, code, idx, "prompt deadline elapsed with no draft")
}

// skipRound terminates the round at idx without an image and starts
// the next one. Skipped rounds still count toward the game total.
func (o *Orchestrator) skipRound(ctx context.Context, code string, idx int, reason string) {
	mu := o.lobbyLock(code)
	mu.Lock()

	_, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round := roundAt(state, idx, models.RoundPrompting)
	if round == nil {
		// A racing submission already advanced the round.
		mu.Unlock()
		return
	}
	round.Status = models.RoundResults
	round.EndTime = 0
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save skipped round")
		mu.Unlock()
		return
	}
	o.log.WithFields(logrus.Fields{"lobby": code, "round": idx, "reason": reason}).Info("round skipped")
	mu.Unlock()

	o.startNewRound(ctx, code)
}

// processPrompt runs the generating phase: records the prompt, calls
// the image provider with the lobby lock released, then either starts
// guessing or abandons the round on provider failure.
func (o *Orchestrator) processPrompt(ctx context.Context, code string, idx int, prompt string) {
	mu := o.lobbyLock(code)
	mu.Lock()

	_, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round := roundAt(state, idx, models.RoundPrompting)
	if round == nil {
		mu.Unlock()
		return
	}
	round.Prompt = prompt
	round.Status = models.RoundGenerating
	round.EndTime = 0
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save generating round")
		mu.Unlock()
		return
	}
	prompterID := round.PrompterID
	o.bus.Broadcast(code, Event{Type: EventPromptSubmitted, Payload: prompterID})
	mu.Unlock()

	imageURL, genErr := o.images.GenerateImage(ctx, prompt)

	mu.Lock()
	lobby, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round = roundAt(state, idx, models.RoundGenerating)
	if round == nil {
		mu.Unlock()
		return
	}

	if genErr != nil {
		// Generation failure abandons the round: no guessing, no
		// scoring, straight to the next prompter.
		o.log.WithError(genErr).WithFields(logrus.Fields{"lobby": code, "round": idx}).Warn("image generation failed, abandoning round")
		round.ImageGenerationError = genErr.Error()
		round.Status = models.RoundResults
		if err := cache.SaveGame(ctx, o.store, state); err != nil {
			o.log.WithError(err).WithField("lobby", code).Error("failed to save abandoned round")
		}
		mu.Unlock()
		o.startNewRound(ctx, code)
		return
	}

	// Guessing starts now: snapshot the expected guess count from the
	// players connected at this instant, minus the prompter.
	expected := 0
	for _, p := range lobby.Players {
		if p.Connected && p.ID != round.PrompterID {
			expected++
		}
	}
	limit := o.timeLimitFor(lobby)
	round.ImageURL = imageURL
	round.Status = models.RoundGuessing
	round.ExpectedGuessCount = expected
	round.EndTime = time.Now().Add(limit).UnixMilli()
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save guessing round")
		mu.Unlock()
		return
	}
	o.bus.Broadcast(code, Event{Type: EventGuessingStarted, Payload: GuessingStartedPayload{
		ImageURL:  imageURL,
		TimeLimit: lobby.Settings.TimeLimit,
		EndTime:   round.EndTime,
	}})
	mu.Unlock()

	if expected == 0 {
		// Nobody left to guess; don't sit out the full timer.
		go o.startScoring(ctx, code, idx)
		return
	}
	o.armTimer(code, limit, func() { o.onGuessTimeout(code, idx) })
}

// HandleGuessSubmission accepts one guess per connected non-prompter
// player during the guessing phase. Duplicate, late, or
// prompter-originated guesses are rejected without state mutation.
// When the expected count is reached, scoring starts immediately.
func (o *Orchestrator) HandleGuessSubmission(ctx context.Context, code, connID, guess string) *models.LobbyError {
	mu := o.lobbyLock(code)
	mu.Lock()

	lobby, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return models.NewLobbyError(models.ErrLobbyNotFound, "no active game for this lobby")
	}
	idx := len(state.Rounds) - 1
	round := roundAt(state, idx, models.RoundGuessing)
	if round == nil {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "round is not accepting guesses")
	}
	if round.PrompterID == connID {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "the prompter cannot guess their own prompt")
	}
	if player := lobby.PlayerByID(connID); player == nil {
		mu.Unlock()
		return models.NewLobbyError(models.ErrPlayerNotFound, "you are not seated in this lobby")
	}
	if round.GuessByPlayer(connID) != nil {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "you already submitted a guess this round")
	}
	if guess == "" {
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "guess must not be empty")
	}

	round.Guesses = append(round.Guesses, models.Guess{
		PlayerID:    connID,
		Guess:       guess,
		SubmittedAt: time.Now(),
	})
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save guess")
		mu.Unlock()
		return models.NewLobbyError(models.ErrInvalidAction, "failed to record guess")
	}
	o.bus.Broadcast(code, Event{Type: EventGuessSubmitted, Payload: connID})
	allIn := len(round.Guesses) >= round.ExpectedGuessCount
	mu.Unlock()

	if allIn {
		o.cancelTimer(code)
		go o.startScoring(context.Background(), code, idx)
	}
	return nil
}

// onGuessTimeout fires when the guessing deadline elapses. Missing
// connected players each get a parallel draft request with the grace
// wait; any non-empty drafts are incorporated, then scoring proceeds
// regardless of completeness.
func (o *Orchestrator) onGuessTimeout(code string, idx int) {
	ctx := context.Background()

	mu := o.lobbyLock(code)
	mu.Lock()
	lobby, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round := roundAt(state, idx, models.RoundGuessing)
	if round == nil {
		mu.Unlock()
		o.log.WithFields(logrus.Fields{"lobby": code, "round": idx}).Debug("stale guess timer, ignoring")
		return
	}
	var missing []string
	for _, p := range lobby.Players {
		if p.Connected && p.ID != round.PrompterID && round.GuessByPlayer(p.ID) == nil {
			missing = append(missing, p.ID)
		}
	}
	mu.Unlock()

	drafts := o.requestDrafts(code, missing, EventRequestGuessDraft)

	if len(drafts) > 0 {
		mu.Lock()
		_, state, ok = o.loadBoth(ctx, code)
		if ok {
			if round := roundAt(state, idx, models.RoundGuessing); round != nil {
				for playerID, text := range drafts {
					if round.GuessByPlayer(playerID) != nil {
						continue
					}
					round.Guesses = append(round.Guesses, models.Guess{
						PlayerID:    playerID,
						Guess:       text,
						SubmittedAt: time.Now(),
					})
					o.bus.Broadcast(code, Event{Type: EventGuessSubmitted, Payload: playerID})
				}
				if err := cache.SaveGame(ctx, o.store, state); err != nil {
					o.log.WithError(err).WithField("lobby", code).Error("failed to save draft guesses")
				}
			}
		}
		mu.Unlock()
	}

	o.startScoring(ctx, code, idx)
}

// startScoring runs the scoring phase. The provider call happens with
// the lobby lock released and is strictly best-effort: on any failure
// every guess receives a neutral zero score and the round still
// reaches results.
func (o *Orchestrator) startScoring(ctx context.Context, code string, idx int) {
	mu := o.lobbyLock(code)
	mu.Lock()

	_, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round := roundAt(state, idx, models.RoundGuessing)
	if round == nil {
		mu.Unlock()
		return
	}
	round.Status = models.RoundScoring
	round.EndTime = 0
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save scoring round")
		mu.Unlock()
		return
	}
	o.bus.Broadcast(code, Event{Type: EventScoringStarted})

	prompt := round.Prompt
	texts := make([]string, len(round.Guesses))
	for i, g := range round.Guesses {
		texts[i] = g.Guess
	}
	mu.Unlock()

	var scores []int
	if len(texts) > 0 {
		var err error
		scores, err = o.scorer.ScoreGuesses(ctx, prompt, texts)
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{"lobby": code, "round": idx}).Warn("scoring failed, applying neutral scores")
			scores = ai.NeutralScores(len(texts))
		}
	}

	mu.Lock()
	lobby, state, ok := o.loadBoth(ctx, code)
	if !ok {
		mu.Unlock()
		return
	}
	round = roundAt(state, idx, models.RoundScoring)
	if round == nil {
		mu.Unlock()
		return
	}
	for i := range round.Guesses {
		if i < len(scores) {
			s := scores[i]
			round.Guesses[i].Score = &s
			if ps := state.ScoreFor(round.Guesses[i].PlayerID); ps != nil {
				ps.TotalScore += s
			}
		}
	}
	round.Status = models.RoundResults
	isLast := state.Complete(lobby.Settings.RoundsPerPlayer)
	if err := cache.SaveGame(ctx, o.store, state); err != nil {
		o.log.WithError(err).WithField("lobby", code).Error("failed to save round results")
		mu.Unlock()
		return
	}

	o.bus.Broadcast(code, Event{Type: EventResults, Payload: ResultsPayload{
		OriginalPrompt: prompt,
		Guesses:        round.Guesses,
		Scores:         state.Scores,
		IsLastRound:    isLast,
	}})
	o.log.WithFields(logrus.Fields{"lobby": code, "round": idx, "guesses": len(round.Guesses), "last": isLast}).Info("round results")
	mu.Unlock()

	// The results breather is the one forward timer no player action
	// can shorten.
	o.armTimer(code, o.ResultsDelay, func() {
		if isLast {
			o.endGame(context.Background(), code)
		} else {
			o.startNewRound(context.Background(), code)
		}
	})
}

// endGame publishes the final summary to the results queue, deletes
// the game record, flips the lobby back to waiting, and releases every
// in-memory handle for the lobby.
func (o *Orchestrator) endGame(ctx context.Context, code string) {
	mu := o.lobbyLock(code)
	mu.Lock()

	lobby, state, ok := o.loadBoth(ctx, code)
	if ok {
		o.publishResult(ctx, lobby, state)
		if err := cache.DeleteGame(ctx, o.store, code); err != nil {
			o.log.WithError(err).WithField("lobby", code).Warn("failed to delete finished game record")
		}
		lobby.Status = models.LobbyWaiting
		if err := cache.SaveLobby(ctx, o.store, lobby); err != nil {
			o.log.WithError(err).WithField("lobby", code).Warn("failed to reset lobby status after game")
		}
	}
	o.bus.Broadcast(code, Event{Type: EventGameEnded})
	o.log.WithField("lobby", code).Info("game ended")
	mu.Unlock()

	o.cleanupLobby(code)
}
