// internal/handlers/lobby_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/lobby"
	"github.com/promptmaster/promptmaster/internal/models"
)

type stubStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newStubStore() *stubStore {
	return &stubStore{data: make(map[string]string)}
}

func (s *stubStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *stubStore) SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *stubStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *stubStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
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

func (s *stubStore) PushResult(ctx context.Context, payload []byte) error {
	return nil
}

func newTestManager() *lobby.Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return lobby.NewManager(newStubStore(), nil, nil, logger)
}

// TestLobbyCreateEndpoint checks that /lobby/create builds a waiting
// lobby with the caller seated as host but not yet connected.
func TestLobbyCreateEndpoint(t *testing.T) {
	lm := newTestManager()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	body := `{"username":"alice"}`
	req := httptest.NewRequest("POST", "/lobby/create", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	CreateLobbyHandler(logger, lm).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 Created, got %d: %s", w.Code, w.Body.String())
	}
	var l models.Lobby
	if err := json.Unmarshal(w.Body.Bytes(), &l); err != nil {
		t.Fatalf("failed to decode lobby: %v", err)
	}
	if len(l.Code) != models.CodeLength {
		t.Fatalf("expected %d-digit code, got %q", models.CodeLength, l.Code)
	}
	if len(l.Players) != 1 || !l.Players[0].IsHost {
		t.Fatalf("host not seated: %+v", l.Players)
	}
	if l.Players[0].Connected {
		t.Fatalf("HTTP-created player should not count as connected before validate")
	}
}

func TestLobbyCreateRejectsInvalidUsername(t *testing.T) {
	lm := newTestManager()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	req := httptest.NewRequest("POST", "/lobby/create", bytes.NewBufferString(`{"username":""}`))
	w := httptest.NewRecorder()
	CreateLobbyHandler(logger, lm).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), string(models.ErrUsernameInvalid)) {
		t.Fatalf("expected %s in body, got %s", models.ErrUsernameInvalid, w.Body.String())
	}
}

func TestLobbyJoinEndpoint(t *testing.T) {
	lm := newTestManager()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	l, lerr := lm.CreateLobby(context.Background(), "alice", "")
	if lerr != nil {
		t.Fatalf("create failed: %v", lerr)
	}

	body, _ := json.Marshal(joinLobbyRequest{Code: l.Code, Username: "bob"})
	req := httptest.NewRequest("POST", "/lobby/join", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	JoinLobbyHandler(logger, lm).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	var joined models.Lobby
	if err := json.Unmarshal(w.Body.Bytes(), &joined); err != nil {
		t.Fatalf("failed to decode lobby: %v", err)
	}
	if len(joined.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(joined.Players))
	}
}

func TestLobbyJoinUnknownCode(t *testing.T) {
	lm := newTestManager()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	req := httptest.NewRequest("POST", "/lobby/join", bytes.NewBufferString(`{"code":"000000","username":"bob"}`))
	w := httptest.NewRecorder()
	JoinLobbyHandler(logger, lm).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestLobbyEndpointsRejectNonPost(t *testing.T) {
	lm := newTestManager()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	req := httptest.NewRequest("GET", "/lobby/create", nil)
	w := httptest.NewRecorder()
	CreateLobbyHandler(logger, lm).ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}
