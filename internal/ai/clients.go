// internal/ai/clients.go
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ImageGenerator turns a prompt into a hosted image URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// GuessScorer rates each guess against the original prompt. The
// returned slice matches the input guesses in length and order; each
// score is in [0,100].
type GuessScorer interface {
	ScoreGuesses(ctx context.Context, originalPrompt string, guesses []string) ([]int, error)
}

// HTTPImageClient calls a flux.1-schnell style generation endpoint.
type HTTPImageClient struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewImageClientFromEnv builds the client from IMAGE_API_URL and
// IMAGE_API_KEY.
func NewImageClientFromEnv() *HTTPImageClient {
	return &HTTPImageClient{
		URL:    os.Getenv("IMAGE_API_URL"),
		APIKey: os.Getenv("IMAGE_API_KEY"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type imageRequest struct {
	Prompt string `json:"prompt"`
}

type imageResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// GenerateImage posts the prompt and returns the generated image URL.
func (c *HTTPImageClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("image generation is not configured (IMAGE_API_URL unset)")
	}
	var resp imageResponse
	if err := c.postJSON(ctx, c.URL, imageRequest{Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("image provider error: %s", resp.Error)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("image provider returned no URL")
	}
	return resp.URL, nil
}

func (c *HTTPImageClient) postJSON(ctx context.Context, url string, in, out interface{}) error {
	return postJSON(ctx, c.Client, url, c.APIKey, in, out)
}

// HTTPScoreClient calls a similarity-scoring endpoint.
type HTTPScoreClient struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewScoreClientFromEnv builds the client from SCORE_API_URL and
// SCORE_API_KEY.
func NewScoreClientFromEnv() *HTTPScoreClient {
	return &HTTPScoreClient{
		URL:    os.Getenv("SCORE_API_URL"),
		APIKey: os.Getenv("SCORE_API_KEY"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type scoreRequest struct {
	Prompt  string   `json:"prompt"`
	Guesses []string `json:"guesses"`
}

type scoreResponse struct {
	Scores []int  `json:"scores"`
	Error  string `json:"error,omitempty"`
}

// ScoreGuesses posts the prompt and guesses and validates the response
// shape. A malformed response is an error; the caller decides the
// fallback.
func (c *HTTPScoreClient) ScoreGuesses(ctx context.Context, originalPrompt string, guesses []string) ([]int, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("scoring is not configured (SCORE_API_URL unset)")
	}
	var resp scoreResponse
	if err := postJSON(ctx, c.Client, c.URL, c.APIKey, scoreRequest{Prompt: originalPrompt, Guesses: guesses}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("scoring provider error: %s", resp.Error)
	}
	if len(resp.Scores) != len(guesses) {
		return nil, fmt.Errorf("scoring provider returned %d scores for %d guesses", len(resp.Scores), len(guesses))
	}
	for i, s := range resp.Scores {
		if s < 0 || s > 100 {
			return nil, fmt.Errorf("scoring provider returned out-of-range score %d at index %d", s, i)
		}
	}
	return resp.Scores, nil
}

// NeutralScores is the degraded-mode fallback: zero for every guess.
// Zero is visibly degraded where random scores would silently corrupt
// the leaderboard.
func NeutralScores(n int) []int {
	return make([]int, n)
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
