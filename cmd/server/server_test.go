package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/aiqueue/internal/api"
	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	s := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = s.Addr()
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Queue.MaintenanceInterval = 50 * time.Millisecond
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestNewApplication_LLMMisconfigured(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Enabled = true
	cfg.LLM.ModelName = "gemini-2.0-flash"

	_, err := newApplication(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestApplication_ServeAndShutdown(t *testing.T) {
	cfg := testAppConfig(t)
	app, err := newApplication(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	require.NoError(t, queue.Handle(app.queues, func(ctx context.Context, req domain.SkinAnalysisRequest) (domain.SkinAnalysisResult, error) {
		return domain.SkinAnalysisResult{SkinType: "normal"}, nil
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := fmt.Sprintf("http://%s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var health api.HealthResponse
		return json.NewDecoder(resp.Body).Decode(&health) == nil && health.Durable == "enabled"
	}, 2*time.Second, 20*time.Millisecond)

	body, err := json.Marshal(api.SubmitJobRequest{Payload: json.RawMessage(`{"image_url": "https://img.example.com/a.jpg"}`)})
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/queues/skin-analysis/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var job api.JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/jobs/" + job.ID.String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got api.JobResponse
		return json.NewDecoder(resp.Body).Decode(&got) == nil && got.Status == domain.JobStatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/api/queues/face-detection/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "face detection has no handler without LLM config")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = app.queues.Stats(context.Background(), domain.QueueSkinAnalysis)
	assert.ErrorIs(t, err, queue.ErrClosed)
}
