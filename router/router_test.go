package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolcall-proxy/circuitbreaker"
	"toolcall-proxy/config"
	"toolcall-proxy/internal"
	"toolcall-proxy/types"
)

func testConfig(channels ...config.Channel) *config.Config {
	hm := circuitbreaker.NewHealthManager(circuitbreaker.DefaultConfig())
	keys := make([]string, len(channels))
	for i, c := range channels {
		keys[i] = c.Name
	}
	hm.InitializeChannels(keys)
	return &config.Config{UpstreamServices: channels, HealthManager: hm}
}

func okServer(t *testing.T, model string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model, req.Model)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.ChatCompletionResponse{
			ID: "chatcmpl-1", Object: "chat.completion", Model: model,
			Choices: []types.Choice{{Index: 0, Message: types.Message{Role: "assistant", Content: "hi"}}},
		})
	}))
}

func failingServer(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"boom"}`))
	}))
}

func TestDispatchPicksHighestPriorityChannel(t *testing.T) {
	high := okServer(t, "real-high")
	defer high.Close()

	cfg := testConfig(
		config.Channel{Name: "low", BaseURL: "http://unused.invalid", APIKey: "k", Models: []string{"gpt-4:real-low"}, Priority: 1},
		config.Channel{Name: "high", BaseURL: high.URL, APIKey: "k", Models: []string{"gpt-4:real-high"}, Priority: 10},
	)

	r := New(5 * time.Second)
	ctx := internal.WithRequestID(context.Background(), "req-1")
	result, err := r.Dispatch(ctx, cfg, &types.ChatCompletionRequest{Model: "gpt-4"}, "req-1", "client-key")

	require.NoError(t, err)
	assert.Equal(t, "high", result.Channel)
	assert.Equal(t, "real-high", result.RealModel)
}

func TestDispatchFailsOverOnRetryableError(t *testing.T) {
	bad := failingServer(http.StatusServiceUnavailable)
	defer bad.Close()
	good := okServer(t, "real-b")
	defer good.Close()

	cfg := testConfig(
		config.Channel{Name: "a", BaseURL: bad.URL, APIKey: "k", Models: []string{"gpt-4:real-a"}, Priority: 10},
		config.Channel{Name: "b", BaseURL: good.URL, APIKey: "k", Models: []string{"gpt-4:real-b"}, Priority: 5},
	)

	r := New(5 * time.Second)
	result, err := r.Dispatch(context.Background(), cfg, &types.ChatCompletionRequest{Model: "gpt-4"}, "req-2", "client-key")

	require.NoError(t, err)
	assert.Equal(t, "b", result.Channel)
}

func TestDispatchReturnsNoChannelError(t *testing.T) {
	// The only channel is a placeholder (no api_key), so neither the
	// model match nor the fallback leaves anything to attempt.
	cfg := testConfig(config.Channel{Name: "a", BaseURL: "http://unused", Models: []string{"gpt-4"}, Priority: 1})

	r := New(5 * time.Second)
	_, err := r.Dispatch(context.Background(), cfg, &types.ChatCompletionRequest{Model: "gpt-5"}, "req-3", "client-key")

	require.Error(t, err)
	ue, ok := err.(*UpstreamError)
	require.True(t, ok)
	assert.Equal(t, KindNoChannel, ue.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, ue.StatusCode())
}

func TestDispatchExhaustsAllChannels(t *testing.T) {
	var hits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	cfg := testConfig(
		config.Channel{Name: "a", BaseURL: bad.URL, APIKey: "k", Models: []string{"gpt-4"}, Priority: 10},
		config.Channel{Name: "b", BaseURL: bad.URL, APIKey: "k", Models: []string{"gpt-4"}, Priority: 5},
	)

	r := New(5 * time.Second)
	_, err := r.Dispatch(context.Background(), cfg, &types.ChatCompletionRequest{Model: "gpt-4"}, "req-4", "client-key")

	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestDispatchDoesNotFailoverOnTerminalClientError(t *testing.T) {
	var hits int32
	badRequest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad param"}}`))
	}))
	defer badRequest.Close()

	cfg := testConfig(
		config.Channel{Name: "a", BaseURL: badRequest.URL, APIKey: "k", Models: []string{"gpt-4"}, Priority: 10},
		config.Channel{Name: "b", BaseURL: badRequest.URL, APIKey: "k", Models: []string{"gpt-4"}, Priority: 5},
	)

	r := New(5 * time.Second)
	_, err := r.Dispatch(context.Background(), cfg, &types.ChatCompletionRequest{Model: "gpt-4"}, "req-5", "client-key")

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "terminal error must not trigger failover")

	ue, ok := err.(*UpstreamError)
	require.True(t, ok)
	assert.Equal(t, KindClientError, ue.Kind)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode())
	assert.JSONEq(t, `{"error":{"message":"bad param"}}`, string(ue.RawBody))
}

func TestDispatchKeyPassthroughUsesClientKey(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.ChatCompletionResponse{
			Choices: []types.Choice{{Message: types.Message{Role: "assistant", Content: "hi"}}},
		})
	}))
	defer upstream.Close()

	cfg := testConfig(config.Channel{Name: "a", BaseURL: upstream.URL, APIKey: "channel-secret", Models: []string{"gpt-4"}, Priority: 1})
	cfg.Features.KeyPassthrough = true

	r := New(5 * time.Second)
	_, err := r.Dispatch(context.Background(), cfg, &types.ChatCompletionRequest{Model: "gpt-4"}, "req-7", "client-secret")

	require.NoError(t, err)
	assert.Equal(t, "Bearer client-secret", gotAuth)
}

func TestEligibleChannelsModelPassthroughIgnoresModelList(t *testing.T) {
	cfg := testConfig(config.Channel{Name: "a", BaseURL: "http://unused", APIKey: "k", Models: []string{"totally-unrelated"}, Priority: 1})
	cfg.Features.ModelPassthrough = true

	candidates := eligibleChannels(cfg.Channels(), "gpt-4", true)
	require.Len(t, candidates, 1)
	assert.Equal(t, "gpt-4", candidates[0].realModel)
}

func TestEligibleChannelsFallsBackToDefaultChannel(t *testing.T) {
	channels := []config.Channel{
		{Name: "specific", BaseURL: "http://unused", APIKey: "k", Models: []string{"gpt-3.5"}, Priority: 5},
		{Name: "default", BaseURL: "http://unused", APIKey: "k", Models: []string{"some-other-model"}, Priority: 1, IsDefault: true},
	}

	candidates := eligibleChannels(channels, "gpt-4-unknown", false)
	require.Len(t, candidates, 1)
	assert.Equal(t, "default", candidates[0].channel.Name)
}

func TestEligibleChannelsFallsBackToHighestPriorityWhenNoDefault(t *testing.T) {
	channels := []config.Channel{
		{Name: "low", BaseURL: "http://unused", APIKey: "k", Models: []string{"a"}, Priority: 1},
		{Name: "high", BaseURL: "http://unused", APIKey: "k", Models: []string{"b"}, Priority: 9},
	}

	candidates := eligibleChannels(channels, "gpt-4-unknown", false)
	require.Len(t, candidates, 1)
	assert.Equal(t, "high", candidates[0].channel.Name)
}

func TestDispatchStreamFailsOverOnPreFirstByteFailure(t *testing.T) {
	var badHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	var goodHits int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"id\":\"chatcmpl-1\"}\n\n"))
	}))
	defer good.Close()

	cfg := testConfig(
		config.Channel{Name: "a", BaseURL: bad.URL, APIKey: "k", Models: []string{"gpt-4"}, Priority: 10},
		config.Channel{Name: "b", BaseURL: good.URL, APIKey: "k", Models: []string{"gpt-4"}, Priority: 5},
	)

	r := New(5 * time.Second)
	result, err := r.Dispatch(context.Background(), cfg, &types.ChatCompletionRequest{Model: "gpt-4", Stream: true}, "req-6", "client-key")

	require.NoError(t, err)
	assert.Equal(t, "b", result.Channel, "a 503 before any byte reached the client must fail over to the next channel")
	assert.Equal(t, int32(1), atomic.LoadInt32(&badHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&goodHits))
	result.StreamBody.Close()
}
