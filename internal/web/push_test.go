package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vapidConfig() Config {
	return Config{
		PushVAPIDPublicKey:  "test-public",
		PushVAPIDPrivateKey: "test-private",
		PushVAPIDSubject:    "mailto:ops@example.com",
	}
}

func TestPushConfigEndpoint(t *testing.T) {
	// Disabled: no VAPID keys.
	srv, _ := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/push/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, false, resp["enabled"])
	assert.NotContains(t, resp, "publicKey")

	// Enabled: the public key is handed to clients.
	srv, _ = newTestServer(t, vapidConfig())
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/push/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["enabled"])
	assert.Equal(t, "test-public", resp["publicKey"])
}

func TestPushSubscribeLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, vapidConfig())

	sub := `{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"k1","auth":"a1"}}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe",
		bytes.NewBufferString(sub)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	srv.push.mu.Lock()
	_, ok := srv.push.subs["https://push.example.com/abc"]
	srv.push.mu.Unlock()
	assert.True(t, ok)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/push/unsubscribe",
		bytes.NewBufferString(`{"endpoint":"https://push.example.com/abc"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	srv.push.mu.Lock()
	assert.Empty(t, srv.push.subs)
	srv.push.mu.Unlock()
}

func TestPushSubscribeValidation(t *testing.T) {
	srv, _ := newTestServer(t, vapidConfig())

	for _, body := range []string{
		`{"endpoint":"","keys":{"p256dh":"k","auth":"a"}}`,
		`{"endpoint":"https://x","keys":{"p256dh":"","auth":"a"}}`,
		`{"endpoint":"https://x","keys":{"p256dh":"k","auth":""}}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe",
			bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestPushDisabledReturns503(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe",
		bytes.NewBufferString(`{"endpoint":"https://x","keys":{"p256dh":"k","auth":"a"}}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "PUSH_DISABLED", decodeErrorCode(t, rec.Body))
}

func TestPushSubscriptionNormalizeValidate(t *testing.T) {
	sub := pushSubscription{
		Endpoint: "  https://push.example.com/x  ",
		Keys:     pushSubscriptionKeys{P256DH: " k ", Auth: " a "},
	}
	norm := sub.normalize()
	assert.Equal(t, "https://push.example.com/x", norm.Endpoint)
	assert.Equal(t, "k", norm.Keys.P256DH)
	assert.NoError(t, sub.validate())

	assert.Error(t, pushSubscription{}.validate())
}
