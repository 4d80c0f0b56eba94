package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReply(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(body)
}

func TestAvailable(t *testing.T) {
	assert.False(t, NewHTTPClassifier(HTTPConfig{}).Available())
	assert.True(t, NewHTTPClassifier(HTTPConfig{Endpoint: "http://x"}).Available())
}

func TestAnalyzeSuccess(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatReply(`{"classification":"waiting_for_user","confidence":0.9}`)))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{
		Endpoint: srv.URL,
		APIKey:   "secret",
		Model:    "test-model",
	})

	res, err := c.AnalyzeWithConfidence(context.Background(), "? Do you want to proceed")
	require.NoError(t, err)
	assert.Equal(t, ClassWaiting, res.Classification)
	assert.Equal(t, 0.9, res.Confidence)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "? Do you want to proceed", gotReq.Messages[1].Content)
}

func TestAnalyzeTruncatesScrollbackTail(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotLen = len(req.Messages[1].Content)
		_, _ = w.Write([]byte(chatReply(`{"classification":"working","confidence":1}`)))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL, MaxTailBytes: 100})

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := c.AnalyzeWithConfidence(context.Background(), string(long))
	require.NoError(t, err)
	assert.Equal(t, 100, gotLen)
}

func TestAnalyzeNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL})
	_, err := c.AnalyzeWithConfidence(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestAnalyzeEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL})
	_, err := c.AnalyzeWithConfidence(context.Background(), "text")
	assert.Error(t, err)
}

func TestAnalyzeContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(chatReply(`{"classification":"working","confidence":1}`)))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(HTTPConfig{Endpoint: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.AnalyzeWithConfidence(ctx, "text")
	assert.Error(t, err)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Result
		wantErr bool
	}{
		{
			"bare json",
			`{"classification":"working","confidence":0.8}`,
			Result{ClassWorking, 0.8}, false,
		},
		{
			"json in code fence",
			"```json\n{\"classification\":\"waiting_for_user\",\"confidence\":0.7}\n```",
			Result{ClassWaiting, 0.7}, false,
		},
		{
			"json wrapped in prose",
			`The agent appears idle. {"classification":"waiting_for_user","confidence":0.85} Hope that helps!`,
			Result{ClassWaiting, 0.85}, false,
		},
		{
			"keyword fallback",
			"I believe the agent is waiting_for_user here.",
			Result{ClassWaiting, 0.5}, false,
		},
		{
			"confidence clamped high",
			`{"classification":"working","confidence":3.5}`,
			Result{ClassWorking, 1}, false,
		},
		{
			"confidence clamped low",
			`{"classification":"inconclusive","confidence":-1}`,
			Result{ClassInconclusive, 0}, false,
		},
		{
			"invalid class rejected",
			`{"classification":"banana","confidence":0.9}`,
			Result{}, true,
		},
		{
			"garbage",
			"no idea",
			Result{}, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdict(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
