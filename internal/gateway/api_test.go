// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives pairing, sends, tenant scoping and error mapping through a real HTTP server

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive-gateway/internal/auth"
	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/instance"
)

// call performs a request with the API key and decodes the JSON response.
func (tg *testGateway) call(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return tg.callAs(t, method, path, body, func(r *http.Request) { r.Header.Set(auth.APIKeyHeader, testAPIKey) })
}

func (tg *testGateway) callAs(t *testing.T, method, path string, body any, authorize func(*http.Request)) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tg.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authorize != nil {
		authorize(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// connect initializes id and drives its fake session to connected.
func (tg *testGateway) connect(t *testing.T, id string) {
	t.Helper()
	code, _ := tg.call(t, http.MethodPost, "/api/instance/init", InitRequest{ClientID: id})
	require.Equal(t, http.StatusOK, code)
	tg.factory.ForInstance(id).EmitOpen("@" + id + ":example.com")
	tg.waitStatus(t, id, instance.StatusConnected)
}

func TestAPI_PairingFlow(t *testing.T) {
	tg := newTestGateway(t)

	code, body := tg.call(t, http.MethodPost, "/api/instance/init", InitRequest{ClientID: "sales"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	snap := body["instance"].(map[string]any)
	assert.Equal(t, "sales", snap["clientId"])
	assert.Equal(t, string(instance.StatusConnecting), snap["status"])

	// no artifact yet
	code, body = tg.call(t, http.MethodGet, "/api/instance/qr?id=sales", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(instance.StatusConnecting), body["status"])

	sess := tg.factory.ForInstance("sales")
	sess.EmitArtifact("https://matrix.example.com/sso?x=1")
	tg.waitStatus(t, "sales", instance.StatusWaitingScan)

	code, body = tg.call(t, http.MethodGet, "/api/instance/qr?id=sales", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "https://matrix.example.com/sso?x=1", body["qrCode"])

	req, _ := http.NewRequest(http.MethodGet, tg.server.URL+"/api/instance/qr.png?id=sales", nil)
	req.Header.Set(auth.APIKeyHeader, testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	png, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	// the SSO redirect needs no credentials
	resp, err = http.Get(tg.server.URL + "/api/instance/pair/callback?id=sales&loginToken=tok-123")
	require.NoError(t, err)
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "is paired")
	assert.Equal(t, "tok-123", sess.PairToken())

	tg.waitStatus(t, "sales", instance.StatusConnected)
	code, body = tg.call(t, http.MethodGet, "/api/instance/status?id=sales", nil)
	require.Equal(t, http.StatusOK, code)
	snap = body["instance"].(map[string]any)
	assert.Equal(t, true, snap["connected"])
	assert.Equal(t, "@paired:example.com", snap["user"])
}

func TestAPI_PairCallbackValidation(t *testing.T) {
	tg := newTestGateway(t)

	resp, err := http.Get(tg.server.URL + "/api/instance/pair/callback?id=sales")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(tg.server.URL + "/api/instance/pair/callback?id=ghost&loginToken=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SendText(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect(t, "sales")

	code, body := tg.call(t, http.MethodPost, "/api/send/text", map[string]any{
		"clientId": "sales",
		"to":       "@Bob:example.com",
		"text":     "hello",
	})
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.Equal(t, "msg-1", body["messageId"])

	sent := tg.factory.ForInstance("sales").SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, engine.KindText, sent[0].Kind)
	assert.Equal(t, "@bob:example.com", sent[0].Target)
	assert.Equal(t, "hello", sent[0].Content.Text)
}

func TestAPI_SendErrors(t *testing.T) {
	tg := newTestGateway(t)

	code, body := tg.call(t, http.MethodPost, "/api/send/text", map[string]any{"clientId": "ghost", "to": "@a:b", "text": "hi"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	code, _ = tg.call(t, http.MethodPost, "/api/instance/init", InitRequest{ClientID: "sales"})
	require.Equal(t, http.StatusOK, code)

	code, body = tg.call(t, http.MethodPost, "/api/send/text", map[string]any{"clientId": "sales", "to": "@a:b", "text": "hi"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(instance.StatusConnecting), body["status"])

	tg.factory.ForInstance("sales").EmitOpen("@sales:example.com")
	tg.waitStatus(t, "sales", instance.StatusConnected)

	tg.factory.SetRegistered("@nobody:example.com", false)
	code, _ = tg.call(t, http.MethodPost, "/api/send/text", map[string]any{"clientId": "sales", "to": "@nobody:example.com", "text": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = tg.call(t, http.MethodPost, "/api/send/text", map[string]any{"clientId": "sales", "to": "@a:b", "text": "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = tg.call(t, http.MethodPost, "/api/send/text", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "request body is required", body["error"])
}

func TestAPI_SendMediaBase64(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect(t, "sales")

	code, body := tg.call(t, http.MethodPost, "/api/send/media", map[string]any{
		"clientId": "sales",
		"to":       "@bob:example.com",
		"data":     []byte("fake-jpeg"),
		"fileName": "cat.jpg",
		"caption":  "look",
	})
	require.Equal(t, http.StatusOK, code, "body: %v", body)

	sent := tg.factory.ForInstance("sales").SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, engine.KindImage, sent[0].Kind)
	assert.Equal(t, []byte("fake-jpeg"), sent[0].Content.Data)
	assert.Equal(t, "image/jpeg", sent[0].Content.MimeType)
}

func TestAPI_CheckNumber(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect(t, "sales")
	tg.factory.SetRegistered("@nobody:example.com", false)

	code, body := tg.call(t, http.MethodPost, "/api/check-number", CheckNumberRequest{ClientID: "sales", Number: "@Bob:example.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["exists"])
	assert.Equal(t, "@bob:example.com", body["address"])

	code, body = tg.call(t, http.MethodPost, "/api/check-number", CheckNumberRequest{ClientID: "sales", Number: "@nobody:example.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["exists"])

	code, _ = tg.call(t, http.MethodPost, "/api/check-number", CheckNumberRequest{ClientID: "sales"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_TenantScoping(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect(t, "sales")
	tg.connect(t, "support")

	salesOnly := bearer(scopedToken(t, "sales"))

	code, body := tg.callAs(t, http.MethodGet, "/api/instances", nil, salesOnly)
	require.Equal(t, http.StatusOK, code)
	list := body["instances"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "sales", list[0].(map[string]any)["clientId"])

	code, _ = tg.callAs(t, http.MethodGet, "/api/instance/status?id=sales", nil, salesOnly)
	assert.Equal(t, http.StatusOK, code)

	code, _ = tg.callAs(t, http.MethodGet, "/api/instance/status?id=support", nil, salesOnly)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = tg.callAs(t, http.MethodPost, "/api/instance/delete", InstanceRequest{ClientID: "support"}, salesOnly)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = tg.callAs(t, http.MethodGet, "/api/system/metrics", nil, salesOnly)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = tg.callAs(t, http.MethodGet, "/api/instances", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = tg.call(t, http.MethodGet, "/api/instances", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["instances"].([]any), 2)
}

func TestAPI_LifecycleEndpoints(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect(t, "sales")

	code, body := tg.call(t, http.MethodPost, "/api/instance/config", ConfigRequest{
		ClientID: "sales",
		Config:   instance.ConfigPatch{ProxyURL: strPtr("socks5://proxy.internal:1080")},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["reconnectionRecommended"])

	code, _ = tg.call(t, http.MethodPost, "/api/instance/config", ConfigRequest{
		ClientID: "sales",
		Config:   instance.ConfigPatch{WebhookURL: strPtr("ftp://nope")},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = tg.call(t, http.MethodPost, "/api/instance/restart", InstanceRequest{ClientID: "sales"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(instance.StatusConnecting), body["instance"].(map[string]any)["status"])
	tg.factory.ForInstance("sales").EmitOpen("@sales:example.com")
	tg.waitStatus(t, "sales", instance.StatusConnected)

	code, body = tg.call(t, http.MethodPost, "/api/instance/logout", InstanceRequest{ClientID: "sales"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(instance.StatusLoggedOut), body["instance"].(map[string]any)["status"])

	code, _ = tg.call(t, http.MethodDelete, "/api/instance/delete?id=sales", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = tg.call(t, http.MethodGet, "/api/instance/status?id=sales", nil)
	assert.Equal(t, http.StatusNotFound, code)

	// deleting again is fine
	code, _ = tg.call(t, http.MethodPost, "/api/instance/delete", InstanceRequest{ClientID: "sales"})
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_MethodAndValidation(t *testing.T) {
	tg := newTestGateway(t)

	code, _ := tg.call(t, http.MethodGet, "/api/instance/init", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, body := tg.call(t, http.MethodPost, "/api/instance/init", InitRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "clientId is required", body["error"])

	code, _ = tg.call(t, http.MethodPost, "/api/instance/init", InitRequest{ClientID: "../etc"})
	assert.Equal(t, http.StatusBadRequest, code)
}

// webhookRecorder collects notifications posted to a subscriber URL.
type webhookRecorder struct {
	mu     sync.Mutex
	events []instance.Notification
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var n instance.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err == nil {
		w.mu.Lock()
		w.events = append(w.events, n)
		w.mu.Unlock()
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *webhookRecorder) find(event string) (instance.Notification, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range w.events {
		if n.Event == event {
			return n, true
		}
	}
	return instance.Notification{}, false
}

func TestAPI_InboundMessagesReachWebhook(t *testing.T) {
	tg := newTestGateway(t)
	rec := &webhookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	code, _ := tg.call(t, http.MethodPost, "/api/instance/init", InitRequest{
		ClientID: "sales",
		Config:   &instance.ConfigPatch{WebhookURL: strPtr(hook.URL + "/events")},
	})
	require.Equal(t, http.StatusOK, code)

	sess := tg.factory.ForInstance("sales")
	sess.EmitOpen("@sales:example.com")
	tg.waitStatus(t, "sales", instance.StatusConnected)
	sess.EmitMessage(engine.Message{ID: "$ev1", From: "@bob:example.com", Chat: "!room:example.com", Type: engine.MessageText, Body: "hi there"})

	require.Eventually(t, func() bool {
		_, ok := rec.find(instance.EventMessagesUpsert)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	n, _ := rec.find(instance.EventMessagesUpsert)
	assert.Equal(t, "sales", n.ClientID)
	require.NotNil(t, n.Message)
	assert.Equal(t, "hi there", n.Message.Body)

	_, ok := rec.find(instance.EventConnectionUpdate)
	assert.True(t, ok, "connection.update should be delivered too")

	require.Eventually(t, func() bool {
		return tg.queue.Metrics().Processed >= 2
	}, 2*time.Second, 10*time.Millisecond)

	code, body := tg.call(t, http.MethodGet, "/api/system/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	queue := body["queue"].(map[string]any)
	assert.GreaterOrEqual(t, queue["processed"].(float64), 2.0)
	assert.Equal(t, 1.0, body["instances"].(map[string]any)["connected"])
}

func TestAPI_ClearCaches(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect(t, "sales")
	check := CheckNumberRequest{ClientID: "sales", Number: "@bob:example.com"}

	code, _ := tg.call(t, http.MethodPost, "/api/check-number", check)
	require.Equal(t, http.StatusOK, code)
	code, _ = tg.call(t, http.MethodPost, "/api/check-number", check)
	require.Equal(t, http.StatusOK, code)
	sess := tg.factory.ForInstance("sales")
	require.Equal(t, 1, sess.Lookups(), "second check is served from the cache")

	code, _ = tg.callAs(t, http.MethodPost, "/api/system/cache/clear", nil, bearer(scopedToken(t, "sales")))
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = tg.call(t, http.MethodGet, "/api/system/cache/clear", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, body := tg.call(t, http.MethodPost, "/api/system/cache/clear", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	caches := body["caches"].([]any)
	require.Len(t, caches, 3)
	for _, c := range caches {
		assert.Equal(t, 0.0, c.(map[string]any)["size"])
	}

	code, _ = tg.call(t, http.MethodPost, "/api/check-number", check)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, sess.Lookups(), "a cleared cache sends the lookup to the engine again")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{instance.ErrInvalidInstanceID, http.StatusBadRequest},
		{fmt.Errorf("%w: webhookUrl", instance.ErrInvalidConfig), http.StatusBadRequest},
		{engine.ErrInvalidAddress, http.StatusBadRequest},
		{instance.ErrInstanceNotFound, http.StatusNotFound},
		{&instance.StateError{ID: "a", Status: instance.StatusConnecting, Err: instance.ErrNotConnected}, http.StatusConflict},
		{&instance.StateError{ID: "a", Status: instance.StatusConnected, Err: instance.ErrNoArtifact}, http.StatusConflict},
		{instance.ErrRecipientNotRegistered, http.StatusUnprocessableEntity},
		{instance.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func strPtr(s string) *string { return &s }
