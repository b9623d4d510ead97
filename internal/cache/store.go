// internal/cache/store.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptmaster/promptmaster/internal/models"
)

// Store is the external key-value surface the lobby manager and the
// round orchestrator persist through. Records are always read and
// written as whole documents; there are no field-level updates.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error
	Delete(ctx context.Context, keys ...string) error
	ListKeys(ctx context.Context, pattern string) ([]string, error)

	// PushResult appends a finished-game summary to the results queue.
	PushResult(ctx context.Context, payload []byte) error
}

// RedisStore implements Store over a go-redis client.
type RedisStore struct {
	rdb   *redis.Client
	queue string
}

// NewRedisStore wraps the given client. If rdb is nil the global Rdb
// from ConnectRedis is used.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	if rdb == nil {
		rdb = Rdb
	}
	return &RedisStore{
		rdb:   rdb,
		queue: getEnv("RESULTS_QUEUE_NAME", DefaultResultsQueue),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) PushResult(ctx context.Context, payload []byte) error {
	if err := s.rdb.RPush(ctx, s.queue, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", s.queue, err)
	}
	return nil
}

// GameResultRecord is the finished-game summary pushed to the results
// queue and persisted by the historian.
type GameResultRecord struct {
	LobbyCode    string         `json:"lobby_code"`
	RoundsPlayed int            `json:"rounds_played"`
	Players      []PlayerResult `json:"players"`
	EndedAt      int64          `json:"ended_at"` // epoch millis
}

// PlayerResult is one player's final line in a GameResultRecord.
type PlayerResult struct {
	Username   string `json:"username"`
	TotalScore int    `json:"total_score"`
}

// LoadLobby fetches and decodes a lobby record. found is false when no
// record exists for the code.
func LoadLobby(ctx context.Context, s Store, code string) (*models.Lobby, bool, error) {
	raw, found, err := s.Get(ctx, LobbyKey(code))
	if err != nil || !found {
		return nil, found, err
	}
	var lobby models.Lobby
	if err := json.Unmarshal([]byte(raw), &lobby); err != nil {
		return nil, false, fmt.Errorf("decode lobby %s: %w", code, err)
	}
	return &lobby, true, nil
}

// SaveLobby writes a lobby record whole, refreshing the 24h TTL.
func SaveLobby(ctx context.Context, s Store, lobby *models.Lobby) error {
	data, err := json.Marshal(lobby)
	if err != nil {
		return fmt.Errorf("encode lobby %s: %w", lobby.Code, err)
	}
	return s.SetWithExpiry(ctx, LobbyKey(lobby.Code), models.RecordTTL, string(data))
}

// DeleteLobby removes a lobby record.
func DeleteLobby(ctx context.Context, s Store, code string) error {
	return s.Delete(ctx, LobbyKey(code))
}

// LoadGame fetches and decodes a game record.
func LoadGame(ctx context.Context, s Store, code string) (*models.GameState, bool, error) {
	raw, found, err := s.Get(ctx, GameKey(code))
	if err != nil || !found {
		return nil, found, err
	}
	var game models.GameState
	if err := json.Unmarshal([]byte(raw), &game); err != nil {
		return nil, false, fmt.Errorf("decode game %s: %w", code, err)
	}
	return &game, true, nil
}

// SaveGame writes a game record whole, refreshing the 24h TTL.
func SaveGame(ctx context.Context, s Store, game *models.GameState) error {
	data, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("encode game %s: %w", game.LobbyCode, err)
	}
	return s.SetWithExpiry(ctx, GameKey(game.LobbyCode), models.RecordTTL, string(data))
}

// DeleteGame removes a game record.
func DeleteGame(ctx context.Context, s Store, code string) error {
	return s.Delete(ctx, GameKey(code))
}
