// internal/game/events.go
package game

import "github.com/promptmaster/promptmaster/internal/models"

// EventType names a server-to-client game event.
type EventType string

const (
	EventGameStarted       EventType = "game:started"
	EventRoundStarted      EventType = "game:round_started"
	EventPromptSubmitted   EventType = "game:prompt_submitted"
	EventRequestDraft      EventType = "game:request_draft"
	EventGuessingStarted   EventType = "game:guessing_started"
	EventGuessSubmitted    EventType = "game:guess_submitted"
	EventRequestGuessDraft EventType = "game:request_guess_draft"
	EventScoringStarted    EventType = "game:scoring_started"
	EventResults           EventType = "game:results"
	EventGameEnded         EventType = "game:ended"
)

// Event is the envelope broadcast to clients. Payload is
// JSON-serializable and shaped per event type.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// GuessingStartedPayload accompanies EventGuessingStarted.
type GuessingStartedPayload struct {
	ImageURL  string `json:"imageUrl"`
	TimeLimit int    `json:"timeLimit"` // seconds
	EndTime   int64  `json:"endTime"`   // epoch millis
}

// ResultsPayload accompanies EventResults at the end of every round.
type ResultsPayload struct {
	OriginalPrompt string               `json:"originalPrompt"`
	Guesses        []models.Guess       `json:"guesses"`
	Scores         []models.PlayerScore `json:"scores"`
	IsLastRound    bool                 `json:"isLastRound"`
}

// Broadcaster delivers events to every connection in a lobby room or
// to one specific connection. The WebSocket hub implements it; tests
// substitute a recorder.
type Broadcaster interface {
	Broadcast(code string, msg interface{})
	SendTo(connID string, msg interface{})
}
