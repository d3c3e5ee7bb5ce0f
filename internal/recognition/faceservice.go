// Package recognition wraps face identification. Nothing here does real
// biometric matching: either a fixed-confidence placeholder answers, or an
// external face service is asked.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoMatch is returned when no face in the image was identified.
var ErrNoMatch = errors.New("no face matched")

// Match is an identification result.
type Match struct {
	PersonID   string
	Confidence float64
}

// Recognizer identifies the person in an image. hint is the person the
// caller expects, used by the placeholder.
type Recognizer interface {
	Identify(ctx context.Context, imageURL, hint string) (Match, error)
	Health(ctx context.Context) error
}

// Placeholder answers every request with the hinted person and a fixed
// confidence.
type Placeholder struct {
	Confidence float64
}

// Identify returns the hint.
func (p Placeholder) Identify(_ context.Context, _, hint string) (Match, error) {
	if hint == "" {
		return Match{}, ErrNoMatch
	}
	return Match{PersonID: hint, Confidence: p.Confidence}, nil
}

// Health always succeeds.
func (Placeholder) Health(context.Context) error { return nil }

// FaceService calls the face recognition microservice.
type FaceService struct {
	BaseURL   string
	HTTP      *http.Client
	Threshold float64
}

// NewFaceService creates a client with a generous timeout.
func NewFaceService(baseURL string, threshold float64) *FaceService {
	return &FaceService{
		BaseURL:   baseURL,
		Threshold: threshold,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

type searchMatch struct {
	UserID     string  `json:"user_id"`
	Similarity float64 `json:"similarity"`
}

// Identify performs a 1:N search and returns the best match.
func (f *FaceService) Identify(ctx context.Context, imageURL, _ string) (Match, error) {
	if imageURL == "" {
		return Match{}, fmt.Errorf("image url required")
	}
	payload := map[string]any{"image_url": imageURL, "top_k": 1}
	if f.Threshold > 0 {
		payload["threshold"] = f.Threshold
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return Match{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return Match{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Match{}, fmt.Errorf("face service error %s: %s", resp.Status, string(b))
	}

	var out struct {
		Matches []searchMatch `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Match{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Matches) == 0 {
		return Match{}, ErrNoMatch
	}
	return Match{PersonID: out.Matches[0].UserID, Confidence: out.Matches[0].Similarity}, nil
}

// Health checks if the face service is available.
func (f *FaceService) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
