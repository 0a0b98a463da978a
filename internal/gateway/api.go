// ABOUTME: HTTP API handlers for instance lifecycle, pairing and outbound messages
// ABOUTME: Decodes JSON requests, enforces tenant scope and maps orchestrator errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/2389/hive-gateway/internal/auth"
	"github.com/2389/hive-gateway/internal/cache"
	"github.com/2389/hive-gateway/internal/delivery"
	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/instance"
)

// maxBodyBytes bounds request bodies; media sends may carry base64 payloads.
const maxBodyBytes = 48 << 20

// InstanceRequest addresses one instance in a POST body.
type InstanceRequest struct {
	ClientID string `json:"clientId"`
}

// InitRequest is the JSON body for POST /api/instance/init.
type InitRequest struct {
	ClientID string                `json:"clientId"`
	Config   *instance.ConfigPatch `json:"config,omitempty"`
}

// ConfigRequest is the JSON body for POST /api/instance/config.
type ConfigRequest struct {
	ClientID string               `json:"clientId"`
	Config   instance.ConfigPatch `json:"config"`
}

// SendTextRequest is the JSON body for POST /api/send/text.
type SendTextRequest struct {
	ClientID string `json:"clientId"`
	instance.TextRequest
	TypingDelayMs int `json:"typingDelayMs,omitempty"`
}

// SendMediaRequest is the JSON body for POST /api/send/media. Data is base64.
type SendMediaRequest struct {
	ClientID string `json:"clientId"`
	instance.MediaRequest
}

// SendAudioRequest is the JSON body for POST /api/send/audio. Data is base64.
type SendAudioRequest struct {
	ClientID string `json:"clientId"`
	instance.AudioRequest
}

// CheckNumberRequest is the JSON body for POST /api/check-number.
type CheckNumberRequest struct {
	ClientID string `json:"clientId"`
	Number   string `json:"number"`
}

// SystemMetricsResponse is the JSON response for GET /api/system/metrics.
type SystemMetricsResponse struct {
	Success   bool                    `json:"success"`
	Uptime    string                  `json:"uptime"`
	Instances map[instance.Status]int `json:"instances"`
	Queue     delivery.Metrics        `json:"queue"`
	Breakers  map[string]string       `json:"breakers"`
	Caches    []cache.Stats           `json:"caches"`
}

// CacheClearResponse is the JSON response for POST /api/system/cache/clear.
type CacheClearResponse struct {
	Success bool          `json:"success"`
	Caches  []cache.Stats `json:"caches"`
}

// routes builds the HTTP mux of the gateway.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints and the SSO callback need no auth
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle(PairCallbackPath, g.metrics.Middleware(PairCallbackPath, http.HandlerFunc(g.handlePairCallback)))

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.auth)
	adminMiddleware := auth.RequireAdminHTTP()

	api := map[string]http.HandlerFunc{
		"/api/instances":        g.handleListInstances,
		"/api/instance/init":    g.handleInit,
		"/api/instance/status":  g.handleStatus,
		"/api/instance/qr":      g.handleQRCode,
		"/api/instance/qr.png":  g.handleQRCodePNG,
		"/api/instance/logout":  g.handleLogout,
		"/api/instance/restart": g.handleRestart,
		"/api/instance/delete":  g.handleDelete,
		"/api/instance/config":  g.handleConfig,
		"/api/send/text":        g.handleSendText,
		"/api/send/media":       g.handleSendMedia,
		"/api/send/audio":       g.handleSendAudio,
		"/api/check-number":     g.handleCheckNumber,
	}
	for path, h := range api {
		mux.Handle(path, g.metrics.Middleware(path, authMiddleware(h)))
	}
	admin := map[string]http.HandlerFunc{
		"/api/system/metrics":     g.handleSystemMetrics,
		"/api/system/cache/clear": g.handleClearCaches,
	}
	for path, h := range admin {
		mux.Handle(path, g.metrics.Middleware(path, authMiddleware(adminMiddleware(h))))
	}

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the metadata store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	counts := g.manager.StatusCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d instances, %d connected)", total, counts[instance.StatusConnected])
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// errorStatus maps an orchestrator error to an HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, instance.ErrInvalidInstanceID),
		errors.Is(err, instance.ErrInvalidConfig),
		errors.Is(err, instance.ErrInvalidRequest),
		errors.Is(err, engine.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, instance.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, instance.ErrNotConnected),
		errors.Is(err, instance.ErrNoArtifact),
		errors.Is(err, instance.ErrPairingUnsupported):
		return http.StatusConflict
	case errors.Is(err, instance.ErrRecipientNotRegistered):
		return http.StatusUnprocessableEntity
	case errors.Is(err, instance.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status, including the instance
// status when the error carries one.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	body := map[string]any{"success": false, "error": err.Error()}
	if status, ok := instance.StatusOf(err); ok {
		body["status"] = status
	}
	if code == http.StatusInternalServerError {
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, body)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

// decodeBody decodes the JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// authorize checks that the caller may address id and writes the rejection
// when not.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, id string) bool {
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return false
	}
	if !auth.FromContext(r.Context()).CanAccess(id) {
		g.sendJSONError(w, http.StatusForbidden, "not allowed to access instance "+id)
		return false
	}
	return true
}

// queryID reads the instance id from the query string.
func queryID(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	return r.URL.Query().Get("clientId")
}

// bodyOrQueryID decodes an InstanceRequest body, falling back to the query.
func bodyOrQueryID(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := queryID(r); id != "" {
		return id, nil
	}
	var req InstanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		return "", err
	}
	return req.ClientID, nil
}

// handleListInstances handles GET /api/instances, filtered to the caller's tenants.
func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	snaps, err := g.manager.List(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	authCtx := auth.FromContext(r.Context())
	visible := make([]*instance.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if authCtx.CanAccess(s.ClientID) {
			visible = append(visible, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instances": visible})
}

// handleInit handles POST /api/instance/init.
func (g *Gateway) handleInit(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req InitRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, req.ClientID) {
		return
	}

	snap, err := g.manager.EnsureActive(r.Context(), req.ClientID, req.Config, true)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": snap})
}

// handleStatus handles GET /api/instance/status?id=.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id := queryID(r)
	if !g.authorize(w, r, id) {
		return
	}
	snap, err := g.manager.GetStatus(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": snap})
}

// handleQRCode handles GET /api/instance/qr?id=.
func (g *Gateway) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id := queryID(r)
	if !g.authorize(w, r, id) {
		return
	}
	code, err := g.manager.QRCode(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "clientId": id, "qrCode": code})
}

// handleQRCodePNG handles GET /api/instance/qr.png?id=.
func (g *Gateway) handleQRCodePNG(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id := queryID(r)
	if !g.authorize(w, r, id) {
		return
	}
	png, err := g.manager.QRCodePNG(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handlePairCallback handles the SSO redirect carrying the login token.
func (g *Gateway) handlePairCallback(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	token := r.URL.Query().Get("loginToken")
	if id == "" || token == "" {
		http.Error(w, "missing id or loginToken", http.StatusBadRequest)
		return
	}

	if err := g.manager.CompletePairing(r.Context(), id, token); err != nil {
		g.logger.Warn("pairing callback failed", "instance", id, "error", err)
		http.Error(w, "pairing failed: "+err.Error(), errorStatus(err))
		return
	}
	g.logger.Info("pairing callback accepted", "instance", id)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html><title>Paired</title><p>Instance <b>%s</b> is paired. You can close this window.</p>\n", html.EscapeString(id))
}

// handleLogout handles POST /api/instance/logout.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id, err := bodyOrQueryID(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, id) {
		return
	}
	snap, err := g.manager.Logout(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": snap})
}

// handleRestart handles POST /api/instance/restart.
func (g *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id, err := bodyOrQueryID(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, id) {
		return
	}
	snap, err := g.manager.Restart(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": snap})
}

// handleDelete handles POST or DELETE /api/instance/delete.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	id, err := bodyOrQueryID(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, id) {
		return
	}
	if err := g.manager.Delete(r.Context(), id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "clientId": id})
}

// handleConfig handles POST /api/instance/config.
func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req ConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, req.ClientID) {
		return
	}
	update, err := g.manager.UpdateConfig(r.Context(), req.ClientID, req.Config)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":                 true,
		"config":                  update.Config,
		"reconnectionRecommended": update.ReconnectionRecommended,
	})
}

// handleSendText handles POST /api/send/text.
func (g *Gateway) handleSendText(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req SendTextRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, req.ClientID) {
		return
	}
	req.TypingDelay = time.Duration(req.TypingDelayMs) * time.Millisecond

	res, err := g.manager.SendText(r.Context(), req.ClientID, req.TextRequest)
	g.writeSendResult(w, r, res, err)
}

// handleSendMedia handles POST /api/send/media.
func (g *Gateway) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req SendMediaRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, req.ClientID) {
		return
	}
	res, err := g.manager.SendMedia(r.Context(), req.ClientID, req.MediaRequest)
	g.writeSendResult(w, r, res, err)
}

// handleSendAudio handles POST /api/send/audio.
func (g *Gateway) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req SendAudioRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, req.ClientID) {
		return
	}
	res, err := g.manager.SendAudio(r.Context(), req.ClientID, req.AudioRequest)
	g.writeSendResult(w, r, res, err)
}

func (g *Gateway) writeSendResult(w http.ResponseWriter, r *http.Request, res *engine.SendResult, err error) {
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": res.MessageID, "chatId": res.ChatID})
}

// handleCheckNumber handles POST /api/check-number.
func (g *Gateway) handleCheckNumber(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req CheckNumberRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !g.authorize(w, r, req.ClientID) {
		return
	}
	if req.Number == "" {
		g.sendJSONError(w, http.StatusBadRequest, "number is required")
		return
	}
	res, err := g.manager.CheckNumber(r.Context(), req.ClientID, req.Number)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "exists": res.Exists, "address": res.Address})
}

// handleSystemMetrics handles GET /api/system/metrics.
func (g *Gateway) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	caches := g.manager.CacheStats()
	sort.Slice(caches, func(i, j int) bool { return caches[i].Name < caches[j].Name })

	uptime := time.Duration(0)
	if !g.startedAt.IsZero() {
		uptime = time.Since(g.startedAt).Truncate(time.Second)
	}
	writeJSON(w, http.StatusOK, SystemMetricsResponse{
		Success:   true,
		Uptime:    uptime.String(),
		Instances: g.manager.StatusCounts(),
		Queue:     g.queue.Metrics(),
		Breakers:  g.sender.BreakerStates(),
		Caches:    caches,
	})
}

// handleClearCaches handles POST /api/system/cache/clear.
func (g *Gateway) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	caches := g.manager.ClearCaches()
	sort.Slice(caches, func(i, j int) bool { return caches[i].Name < caches[j].Name })
	writeJSON(w, http.StatusOK, CacheClearResponse{Success: true, Caches: caches})
}
