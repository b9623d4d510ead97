// internal/models/game.go
package models

import "time"

// RoundStatus is the phase a round is currently in. Within one round
// the only valid sequence is prompting -> generating -> guessing ->
// scoring -> results; every transition validates the source status.
type RoundStatus string

const (
	RoundPrompting  RoundStatus = "prompting"
	RoundGenerating RoundStatus = "generating"
	RoundGuessing   RoundStatus = "guessing"
	RoundScoring    RoundStatus = "scoring"
	RoundResults    RoundStatus = "results"
)

// Guess is one player's guess at the original prompt. Score is set
// during the scoring phase; nil means unscored (scoring failed or the
// round never reached it).
type Guess struct {
	PlayerID    string    `json:"playerId"`
	Guess       string    `json:"guess"`
	SubmittedAt time.Time `json:"submittedAt"`
	Score       *int      `json:"score,omitempty"` // 0-100
}

// GameRound is one prompt->guess->score cycle. EndTime is the absolute
// epoch-millisecond deadline for the current timed sub-phase and is
// recomputed each time a timer is armed so clients can render
// countdowns from it.
type GameRound struct {
	PrompterID           string      `json:"prompterId"`
	Prompt               string      `json:"prompt"`
	ImageURL             string      `json:"imageUrl,omitempty"`
	ImageGenerationError string      `json:"imageGenerationError,omitempty"`
	Status               RoundStatus `json:"status"`
	EndTime              int64       `json:"endTime,omitempty"`
	ExpectedGuessCount   int         `json:"expectedGuessCount"`
	Guesses              []Guess     `json:"guesses"`
}

// GuessByPlayer returns this round's guess from the given player, or
// nil if they have not guessed.
func (r *GameRound) GuessByPlayer(playerID string) *Guess {
	for i := range r.Guesses {
		if r.Guesses[i].PlayerID == playerID {
			return &r.Guesses[i]
		}
	}
	return nil
}

// PlayerScore accumulates one player's running total across rounds.
type PlayerScore struct {
	PlayerID   string `json:"playerId"`
	TotalScore int    `json:"totalScore"`
}

// GameState is the durable game record, stored whole under
// game:{code}. Rounds is append-only; only the last round is mutable.
// PrompterOrder is a fixed random permutation of the connection ids of
// the players present at game start.
type GameState struct {
	LobbyCode     string        `json:"lobbyCode"`
	Rounds        []GameRound   `json:"rounds"`
	PrompterOrder []string      `json:"prompterOrder"`
	Scores        []PlayerScore `json:"scores"`
}

// CurrentRound returns the last (only mutable) round, or nil if no
// round has started.
func (g *GameState) CurrentRound() *GameRound {
	if len(g.Rounds) == 0 {
		return nil
	}
	return &g.Rounds[len(g.Rounds)-1]
}

// PrompterForRound returns the prompter for round index i using strict
// round-robin over the fixed permutation.
func (g *GameState) PrompterForRound(i int) string {
	return g.PrompterOrder[i%len(g.PrompterOrder)]
}

// Complete reports whether every player has had their configured
// number of prompting turns. Skipped rounds count; this guarantees
// termination even when prompters are disconnected.
func (g *GameState) Complete(roundsPerPlayer int) bool {
	return len(g.Rounds) >= len(g.PrompterOrder)*roundsPerPlayer
}

// ScoreFor returns the running-total entry for a player, or nil for
// ids not present at game start.
func (g *GameState) ScoreFor(playerID string) *PlayerScore {
	for i := range g.Scores {
		if g.Scores[i].PlayerID == playerID {
			return &g.Scores[i]
		}
	}
	return nil
}

// RebindPlayer swaps an old connection id for a new one everywhere it
// appears in the game record. Used when a player reconnects mid-game
// and their transport id changes.
func (g *GameState) RebindPlayer(oldID, newID string) {
	for i := range g.PrompterOrder {
		if g.PrompterOrder[i] == oldID {
			g.PrompterOrder[i] = newID
		}
	}
	for i := range g.Scores {
		if g.Scores[i].PlayerID == oldID {
			g.Scores[i].PlayerID = newID
		}
	}
	for i := range g.Rounds {
		if g.Rounds[i].PrompterID == oldID {
			g.Rounds[i].PrompterID = newID
		}
		for j := range g.Rounds[i].Guesses {
			if g.Rounds[i].Guesses[j].PlayerID == oldID {
				g.Rounds[i].Guesses[j].PlayerID = newID
			}
		}
	}
}
