// internal/lobby/manager_test.go
package lobby

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmaster/promptmaster/internal/cache"
	"github.com/promptmaster/promptmaster/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	data  map[string]string
	queue [][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *fakeStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStore) PushResult(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, payload)
	return nil
}

type recordingBus struct {
	mu        sync.Mutex
	broadcast []string // message types sent to rooms
	targeted  map[string][]string
}

func newRecordingBus() *recordingBus {
	return &recordingBus{targeted: make(map[string][]string)}
}

func msgType(msg interface{}) string {
	if m, ok := msg.(map[string]interface{}); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return ""
}

func (b *recordingBus) Broadcast(code string, msg interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, msgType(msg))
}

func (b *recordingBus) SendTo(connID string, msg interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targeted[connID] = append(b.targeted[connID], msgType(msg))
}

func (b *recordingBus) broadcastCount(t string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, mt := range b.broadcast {
		if mt == t {
			n++
		}
	}
	return n
}

type fakeGames struct {
	mu       sync.Mutex
	started  []string
	aborted  []string
	rebinds  [][2]string
	resyncs  []string
	startErr error
}

func (f *fakeGames) StartGame(ctx context.Context, lobby *models.Lobby) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, lobby.Code)
	return f.startErr
}

func (f *fakeGames) AbortGame(ctx context.Context, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, code)
}

func (f *fakeGames) RebindPlayer(ctx context.Context, code, oldID, newID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebinds = append(f.rebinds, [2]string{oldID, newID})
}

func (f *fakeGames) Resync(ctx context.Context, code, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs = append(f.resyncs, connID)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestManager() (*Manager, *fakeStore, *recordingBus, *fakeGames) {
	store := newFakeStore()
	bus := newRecordingBus()
	games := &fakeGames{}
	m := NewManager(store, bus, games, quietLogger())
	return m, store, bus, games
}

func TestCreateLobbySeedsHost(t *testing.T) {
	m, store, _, _ := newTestManager()

	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)
	assert.Len(t, l.Code, models.CodeLength)
	assert.Equal(t, "conn-1", l.HostID)
	require.Len(t, l.Players, 1)
	assert.True(t, l.Players[0].IsHost)
	assert.True(t, l.Players[0].Connected)
	assert.Equal(t, models.LobbyWaiting, l.Status)
	assert.Equal(t, models.DefaultSettings(), l.Settings)

	// Record and username reservation both persisted.
	_, found, err := store.Get(context.Background(), cache.LobbyKey(l.Code))
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = store.Get(context.Background(), cache.UsernameKey(l.Code, "alice"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCreateLobbyRejectsBadUsername(t *testing.T) {
	m, _, _, _ := newTestManager()

	_, lerr := m.CreateLobby(context.Background(), "", "conn-1")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrUsernameInvalid, lerr.Type)

	_, lerr = m.CreateLobby(context.Background(), strings.Repeat("x", 26), "conn-1")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrUsernameInvalid, lerr.Type)
}

func TestJoinLobbyChecks(t *testing.T) {
	m, _, _, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	_, lerr = m.JoinLobby(context.Background(), "000000", "bob", "conn-2")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrLobbyNotFound, lerr.Type)

	_, lerr = m.JoinLobby(context.Background(), l.Code, "alice", "conn-2")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrUsernameTaken, lerr.Type)

	joined, lerr := m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)
	assert.Len(t, joined.Players, 2)
	assert.False(t, joined.Players[1].IsHost)

	// Fill to capacity, then one more is rejected.
	for i := 2; i < models.MaxPlayers; i++ {
		name := "player" + strings.Repeat("x", i)
		_, lerr = m.JoinLobby(context.Background(), l.Code, name, "")
		require.Nil(t, lerr)
	}
	_, lerr = m.JoinLobby(context.Background(), l.Code, "straggler", "")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrLobbyFull, lerr.Type)
}

func TestJoinRejectedOncePlaying(t *testing.T) {
	m, store, _, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	l.Status = models.LobbyPlaying
	require.NoError(t, cache.SaveLobby(context.Background(), store, l))

	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrLobbyNotJoinable, lerr.Type)
}

func TestValidateBindsConnection(t *testing.T) {
	m, _, _, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "")
	require.Nil(t, lerr)
	assert.Empty(t, l.HostID)

	bound, lerr := m.ValidateConnection(context.Background(), l.Code, "alice", "conn-9")
	require.Nil(t, lerr)
	assert.Equal(t, "conn-9", bound.HostID)
	assert.Equal(t, "conn-9", bound.Players[0].ID)
	assert.True(t, bound.Players[0].Connected)
	assert.Nil(t, bound.Players[0].LastSeen)
}

func TestValidateUnknownUsernameFails(t *testing.T) {
	m, _, _, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	_, lerr = m.ValidateConnection(context.Background(), l.Code, "mallory", "conn-9")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrPlayerNotFound, lerr.Type)
}

func TestValidateDuringGameRebindsAndResyncs(t *testing.T) {
	m, store, _, games := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)
	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)

	saved, found, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	require.True(t, found)
	saved.Status = models.LobbyPlaying
	require.NoError(t, cache.SaveLobby(context.Background(), store, saved))

	_, lerr = m.ValidateConnection(context.Background(), l.Code, "bob", "conn-2b")
	require.Nil(t, lerr)

	games.mu.Lock()
	defer games.mu.Unlock()
	require.Len(t, games.rebinds, 1)
	assert.Equal(t, [2]string{"conn-2", "conn-2b"}, games.rebinds[0])
	assert.Equal(t, []string{"conn-2b"}, games.resyncs)
}

func TestUpdateSettings(t *testing.T) {
	m, _, bus, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	three := 3
	ten := 10
	updated, lerr := m.UpdateSettings(context.Background(), l.Code, "conn-1", models.SettingsUpdate{
		RoundsPerPlayer: &three,
		TimeLimit:       &ten,
	})
	require.Nil(t, lerr)
	assert.Equal(t, 3, updated.Settings.RoundsPerPlayer)
	assert.Equal(t, 10, updated.Settings.TimeLimit)
	assert.GreaterOrEqual(t, bus.broadcastCount("lobby:updated"), 1)

	// Out-of-range values are rejected field by field.
	zero := 0
	_, lerr = m.UpdateSettings(context.Background(), l.Code, "conn-1", models.SettingsUpdate{RoundsPerPlayer: &zero})
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrInvalidSettings, lerr.Type)

	big := 600
	_, lerr = m.UpdateSettings(context.Background(), l.Code, "conn-1", models.SettingsUpdate{TimeLimit: &big})
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrInvalidSettings, lerr.Type)

	// Non-hosts cannot touch settings.
	_, lerr = m.UpdateSettings(context.Background(), l.Code, "conn-2", models.SettingsUpdate{TimeLimit: &ten})
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrNotHost, lerr.Type)
}

func TestLeavePromotesHost(t *testing.T) {
	m, store, _, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)
	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)

	require.Nil(t, m.Leave(context.Background(), l.Code, "conn-1"))

	saved, found, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, saved.Players, 1)
	assert.True(t, saved.Players[0].IsHost)
	assert.Equal(t, "conn-2", saved.HostID)

	// Exactly one host at all times.
	hosts := 0
	for _, p := range saved.Players {
		if p.IsHost {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts)
}

func TestLastLeaveDeletesLobbyAndAbortsGame(t *testing.T) {
	m, store, _, games := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	require.Nil(t, m.Leave(context.Background(), l.Code, "conn-1"))

	_, found, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	assert.False(t, found)

	games.mu.Lock()
	defer games.mu.Unlock()
	assert.Equal(t, []string{l.Code}, games.aborted)
}

func TestKick(t *testing.T) {
	m, store, bus, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)
	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)

	// Non-host cannot kick.
	lerr = m.Kick(context.Background(), l.Code, "conn-2", "conn-1")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrNotHost, lerr.Type)

	require.Nil(t, m.Kick(context.Background(), l.Code, "conn-1", "conn-2"))

	saved, _, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	assert.Len(t, saved.Players, 1)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Contains(t, bus.targeted["conn-2"], "lobby:kicked")
}

func TestStartGameRequiresHostAndQuorum(t *testing.T) {
	m, store, _, games := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	// One player is below the minimum.
	lerr = m.StartGame(context.Background(), l.Code, "conn-1")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrMinPlayersNotMet, lerr.Type)

	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)

	lerr = m.StartGame(context.Background(), l.Code, "conn-2")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrNotHost, lerr.Type)

	require.Nil(t, m.StartGame(context.Background(), l.Code, "conn-1"))

	saved, _, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyPlaying, saved.Status)

	games.mu.Lock()
	started := append([]string(nil), games.started...)
	games.mu.Unlock()
	assert.Equal(t, []string{l.Code}, started)

	// Starting twice is rejected.
	lerr = m.StartGame(context.Background(), l.Code, "conn-1")
	require.NotNil(t, lerr)
	assert.Equal(t, models.ErrInvalidAction, lerr.Type)
}

func TestMarkDisconnectedStartsGraceWindow(t *testing.T) {
	m, store, _, _ := newTestManager()
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)

	m.MarkDisconnected(context.Background(), l.Code, "conn-1")

	saved, _, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	require.Len(t, saved.Players, 1)
	assert.False(t, saved.Players[0].Connected)
	require.NotNil(t, saved.Players[0].LastSeen)
}

func TestSweepRemovesExpiredSeats(t *testing.T) {
	m, store, _, _ := newTestManager()
	m.Grace = 10 * time.Millisecond
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)
	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)

	m.MarkDisconnected(context.Background(), l.Code, "conn-2")

	// Within the grace window the seat survives.
	m.Sweep(context.Background())
	saved, _, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	assert.Len(t, saved.Players, 2)

	time.Sleep(20 * time.Millisecond)
	m.Sweep(context.Background())

	saved, _, err = cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	require.Len(t, saved.Players, 1)
	assert.Equal(t, "alice", saved.Players[0].Username)
}

func TestSweepPromotesHostAndDeletesEmptyLobby(t *testing.T) {
	m, store, _, games := newTestManager()
	m.Grace = 5 * time.Millisecond
	l, lerr := m.CreateLobby(context.Background(), "alice", "conn-1")
	require.Nil(t, lerr)
	_, lerr = m.JoinLobby(context.Background(), l.Code, "bob", "conn-2")
	require.Nil(t, lerr)

	// Host disconnects and expires: bob inherits the lobby.
	m.MarkDisconnected(context.Background(), l.Code, "conn-1")
	time.Sleep(10 * time.Millisecond)
	m.Sweep(context.Background())

	saved, _, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	require.Len(t, saved.Players, 1)
	assert.True(t, saved.Players[0].IsHost)
	assert.Equal(t, "conn-2", saved.HostID)

	// Then bob expires too: the lobby is deleted and the game aborted.
	m.MarkDisconnected(context.Background(), l.Code, "conn-2")
	time.Sleep(10 * time.Millisecond)
	m.Sweep(context.Background())

	_, found, err := cache.LoadLobby(context.Background(), store, l.Code)
	require.NoError(t, err)
	assert.False(t, found)

	games.mu.Lock()
	defer games.mu.Unlock()
	assert.Equal(t, []string{l.Code}, games.aborted)
}
