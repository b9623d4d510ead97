// internal/game/drafts.go
package game

import (
	"strings"
	"sync"
	"time"
)

// Drafts are the unsaved text a player is still typing when a deadline
// hits. The orchestrator asks the relevant connection for it over a
// targeted send and waits a short grace interval for the reply; the
// reply channel is removed whether it resolves by response or by
// timeout so nothing leaks across rounds.

func draftKey(code, playerID string) string {
	return code + "|" + playerID
}

func draftKeyCode(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

// requestDraft asks one player for their current draft and waits up to
// DraftGrace for it. Returns the trimmed draft text, or "" on timeout
// or an empty reply.
func (o *Orchestrator) requestDraft(code, playerID string, event EventType) string {
	key := draftKey(code, playerID)
	ch := make(chan string, 1)

	o.mu.Lock()
	o.drafts[key] = ch
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.drafts, key)
		o.mu.Unlock()
	}()

	o.bus.SendTo(playerID, Event{Type: event})

	timer := time.NewTimer(o.DraftGrace)
	defer timer.Stop()
	select {
	case text := <-ch:
		return strings.TrimSpace(text)
	case <-timer.C:
		return ""
	}
}

// requestDrafts asks several players for drafts in parallel and
// returns the non-empty replies keyed by player id.
func (o *Orchestrator) requestDrafts(code string, playerIDs []string, event EventType) map[string]string {
	results := make(map[string]string)
	if len(playerIDs) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, playerID := range playerIDs {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			if text := o.requestDraft(code, pid, event); text != "" {
				mu.Lock()
				results[pid] = text
				mu.Unlock()
			}
		}(playerID)
	}
	wg.Wait()
	return results
}

// HandleDraft delivers a prompter's last-moment draft reply. Stray
// drafts with no pending request are ignored.
func (o *Orchestrator) HandleDraft(code, playerID, text string) {
	o.deliverDraft(code, playerID, text)
}

// HandleGuessDraft delivers a guesser's last-moment draft reply.
func (o *Orchestrator) HandleGuessDraft(code, playerID, text string) {
	o.deliverDraft(code, playerID, text)
}

func (o *Orchestrator) deliverDraft(code, playerID, text string) {
	o.mu.Lock()
	ch := o.drafts[draftKey(code, playerID)]
	o.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- text:
	default:
		// A reply already landed for this request.
	}
}
