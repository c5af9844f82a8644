package kling

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	"go.uber.org/zap"
)

const (
	tokenTTL          = 30 * time.Minute
	tokenRefreshSlack = time.Minute

	defaultPollInterval = 3 * time.Second
	defaultPollAttempts = 200
)

// ProviderError is any failed interaction with the video generation API.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kling: code %s: %s", e.Code, e.Message)
	}
	return "kling: " + e.Message
}

// Generation is one image-to-video task as reported by the provider.
type Generation struct {
	ID            string
	State         string
	VideoURL      string
	FailureReason string
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	accessKey  string
	secretKey  string
	clock      clock.Clock
	log        *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	pollInterval time.Duration
	pollAttempts int
}

func New(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Client, error) {
	if cfg.KlingAccessKey == "" || cfg.KlingSecretKey == "" || cfg.KlingBaseURL == "" {
		return nil, fmt.Errorf("kling: base url, access key and secret key are required")
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimRight(cfg.KlingBaseURL, "/"),
		accessKey:    cfg.KlingAccessKey,
		secretKey:    cfg.KlingSecretKey,
		clock:        clk,
		log:          log.Named("providers.kling"),
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
	}, nil
}

// authToken returns a cached HS256 JWT, minting a fresh one shortly before
// expiry.
func (c *Client) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Before(c.tokenExp.Add(-tokenRefreshSlack)) {
		return c.token
	}

	header := b64url([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]any{
		"iss": c.accessKey,
		"exp": now.Add(tokenTTL).Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
	})
	signingInput := header + "." + b64url(claims)
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(signingInput))

	c.token = signingInput + "." + b64url(mac.Sum(nil))
	c.tokenExp = now.Add(tokenTTL)
	return c.token
}

type apiEnvelope struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"`
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Videos []struct {
				URL string `json:"url"`
			} `json:"videos"`
		} `json:"task_result"`
	} `json:"data"`
}

func (c *Client) request(ctx context.Context, method, path string, payload any) (*apiEnvelope, error) {
	var bodyReader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: string(body),
		}
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProviderError{Message: "undecodable response: " + err.Error()}
	}
	if code := env.Code.String(); code != "" && code != "0" {
		return nil, &ProviderError{Code: code, Message: env.Message}
	}
	return &env, nil
}

// CreateVideo submits an image-to-video task. Duration is normalized to the
// provider's supported 5s/10s values.
func (c *Client) CreateVideo(ctx context.Context, prompt, imageURL string, durationSeconds int) (*Generation, error) {
	env, err := c.request(ctx, http.MethodPost, "/v1/videos/image2video", map[string]any{
		"prompt":     prompt,
		"image":      imageURL,
		"duration":   normalizeDuration(durationSeconds),
		"model_name": "kling-v1",
		"mode":       "std",
	})
	if err != nil {
		return nil, err
	}
	if env.Data.TaskID == "" {
		return nil, &ProviderError{Message: "no generation id in response"}
	}
	state := env.Data.TaskStatus
	if state == "" {
		state = "submitted"
	}
	c.log.Info("generation submitted", zap.String("generation_id", env.Data.TaskID))
	return &Generation{ID: env.Data.TaskID, State: state}, nil
}

func (c *Client) GetStatus(ctx context.Context, generationID string) (*Generation, error) {
	env, err := c.request(ctx, http.MethodGet, "/v1/videos/image2video/"+generationID, nil)
	if err != nil {
		return nil, err
	}
	gen := &Generation{
		ID:            env.Data.TaskID,
		State:         env.Data.TaskStatus,
		FailureReason: env.Data.TaskStatusMsg,
	}
	if gen.ID == "" {
		gen.ID = generationID
	}
	if gen.State == "" {
		gen.State = "unknown"
	}
	if videos := env.Data.TaskResult.Videos; len(videos) > 0 {
		gen.VideoURL = videos[0].URL
	}
	return gen, nil
}

// PollUntilReady polls at a fixed interval up to a bounded attempt count.
// A completed task without a result URL counts as a failure.
func (c *Client) PollUntilReady(ctx context.Context, generationID string) (*Generation, error) {
	var last *Generation
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		gen, err := c.GetStatus(ctx, generationID)
		if err != nil {
			return nil, err
		}
		last = gen

		switch strings.ToLower(gen.State) {
		case "completed", "succeeded", "succeed":
			if gen.VideoURL != "" {
				return gen, nil
			}
		case "failed", "error":
			reason := gen.FailureReason
			if reason == "" {
				reason = "generation failed"
			}
			return nil, &ProviderError{Message: reason}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	if last != nil && last.VideoURL != "" {
		return last, nil
	}
	return nil, &ProviderError{Message: "generation timed out: " + generationID}
}

func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: "download failed: " + err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{Code: strconv.Itoa(resp.StatusCode), Message: "download failed"}
	}
	return io.ReadAll(resp.Body)
}

func normalizeDuration(seconds int) string {
	if seconds != 5 && seconds != 10 {
		seconds = 5
	}
	return strconv.Itoa(seconds)
}

func b64url(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
