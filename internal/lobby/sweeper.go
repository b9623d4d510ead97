// internal/lobby/sweeper.go
package lobby

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/cache"
)

// RunSweeper periodically retires seats whose disconnect outlived the
// grace window. It blocks until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every lobby record, removing players past
// the grace window, promoting hosts, and deleting emptied lobbies.
func (m *Manager) Sweep(ctx context.Context) {
	keys, err := m.store.ListKeys(ctx, "lobby:*")
	if err != nil {
		m.log.WithError(err).Warn("lobby sweep failed to list keys")
		return
	}
	for _, key := range keys {
		// Username reservation keys share the lobby:* prefix.
		if strings.Contains(key, ":username:") {
			continue
		}
		code := strings.TrimPrefix(key, "lobby:")
		m.sweepLobby(ctx, code)
	}
}

func (m *Manager) sweepLobby(ctx context.Context, code string) {
	mu := m.lock(code)
	mu.Lock()
	defer mu.Unlock()

	lobby, found, err := cache.LoadLobby(ctx, m.store, code)
	if err != nil || !found {
		return
	}

	cutoff := time.Now().Add(-m.Grace)
	kept := lobby.Players[:0]
	removedHost := false
	removed := 0
	for _, p := range lobby.Players {
		if !p.Connected && p.LastSeen != nil && p.LastSeen.Before(cutoff) {
			removed++
			if p.IsHost {
				removedHost = true
			}
			m.log.WithFields(logrus.Fields{"lobby": code, "player": p.Username}).Info("grace window expired, seat removed")
			continue
		}
		kept = append(kept, p)
	}
	if removed == 0 {
		return
	}
	lobby.Players = kept

	if len(lobby.Players) == 0 {
		if err := cache.DeleteLobby(ctx, m.store, code); err != nil {
			m.log.WithError(err).WithField("lobby", code).Warn("failed to delete emptied lobby")
			return
		}
		if m.games != nil {
			m.games.AbortGame(ctx, code)
		}
		m.log.WithField("lobby", code).Info("lobby emptied by sweep, deleted")
		return
	}

	if removedHost {
		m.promoteHost(lobby)
	}
	if err := cache.SaveLobby(ctx, m.store, lobby); err != nil {
		m.log.WithError(err).WithField("lobby", code).Warn("failed to save swept lobby")
		return
	}
	m.broadcastUpdated(lobby)
}
