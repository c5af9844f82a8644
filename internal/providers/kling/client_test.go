package kling

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string) (*Client, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Now().UTC())
	client, err := New(config.Config{
		KlingBaseURL:   baseURL,
		KlingAccessKey: "ak",
		KlingSecretKey: "sk",
	}, clk, zap.NewNop())
	require.NoError(t, err)
	client.pollInterval = time.Millisecond
	client.pollAttempts = 3
	return client, clk
}

func TestAuthTokenIsValidHS256(t *testing.T) {
	client, clk := newTestClient(t, "http://unused.invalid")

	token := client.authToken()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	mac := hmac.New(sha256.New, []byte("sk"))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	require.Equal(t, expected, parts[2])

	var claims struct {
		Iss string `json:"iss"`
		Exp int64  `json:"exp"`
		Nbf int64  `json:"nbf"`
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &claims))
	require.Equal(t, "ak", claims.Iss)
	require.Equal(t, clk.Now().Add(tokenTTL).Unix(), claims.Exp)

	// Cached until the refresh slack window, minted anew afterwards.
	require.Equal(t, token, client.authToken())
	clk.Advance(tokenTTL)
	require.NotEqual(t, token, client.authToken())
}

func TestCreateVideoNormalizesDuration(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/videos/image2video", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "gen-1", "task_status": "submitted"},
		})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	gen, err := client.CreateVideo(context.Background(), "dancing cat", "https://img.example/1.jpg", 7)
	require.NoError(t, err)
	require.Equal(t, "gen-1", gen.ID)
	require.Equal(t, "5", payload["duration"])
}

func TestRequestSurfacesAPICode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 1102, "message": "balance not enough"})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.CreateVideo(context.Background(), "p", "u", 5)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "1102", provErr.Code)
	require.Contains(t, provErr.Message, "balance not enough")
}

func TestPollUntilReadyCompletes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		data := map[string]any{"task_id": "gen-2", "task_status": "processing"}
		if calls >= 2 {
			data["task_status"] = "succeed"
			data["task_result"] = map[string]any{"videos": []map[string]any{{"url": "https://cdn.example/v.mp4"}}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	gen, err := client.PollUntilReady(context.Background(), "gen-2")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/v.mp4", gen.VideoURL)
	require.Equal(t, 2, calls)
}

func TestPollUntilReadyFailsOnProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "gen-3", "task_status": "failed", "task_status_msg": "nsfw content"},
		})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.PollUntilReady(context.Background(), "gen-3")
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Contains(t, provErr.Message, "nsfw content")
}

func TestPollUntilReadyCompletedWithoutURLIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "gen-4", "task_status": "completed"},
		})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.PollUntilReady(context.Background(), "gen-4")
	require.Error(t, err)
}
