package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/repository"
	"github.com/mrrifat/multibot/internal/runtime"
	"github.com/mrrifat/multibot/internal/service/auth"
	"github.com/mrrifat/multibot/internal/service/bot"
	"github.com/mrrifat/multibot/internal/service/deploy"
	"github.com/mrrifat/multibot/internal/service/logs"
	"github.com/mrrifat/multibot/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	auth        auth.Service
	bots        *bot.Service
	deploy      *deploy.Service
	logs        logs.Service
	deployments repository.DeploymentRepository
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	dbHealth    func(context.Context) error
	engine      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitRealtime  = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 20 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, botSvc *bot.Service, deploySvc *deploy.Service, logSvc logs.Service, deployments repository.DeploymentRepository, limiter RateLimiter, dbHealth, engineHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		auth:        authSvc,
		bots:        botSvc,
		deploy:      deploySvc,
		logs:        logSvc,
		deployments: deployments,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
		engine:   engineHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/bots", r.audit(r.handlerAuthRate("/bots", rateLimitUserWrite, rateWindowDefault, r.handleBots)))
	r.mux.HandleFunc("/bots/", r.audit(r.handlerAuthRate("/bots/{name}", rateLimitUserWrite, rateWindowDefault, r.handleBotSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit(r.handlerAuthRate("/ws/logs", rateLimitRealtime, rateWindowRealtime, r.handleLogsWS)))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate("/ws/events", rateLimitRealtime, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (r *Router) handleBots(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name         string            `json:"name"`
			Runtime      string            `json:"runtime"`
			StartCommand string            `json:"start_command"`
			RepoURL      string            `json:"repo_url"`
			Env          map[string]string `json:"env"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.bots.Register(req.Context(), bot.RegisterInput{
			Name:         payload.Name,
			Runtime:      payload.Runtime,
			StartCommand: payload.StartCommand,
			RepoURL:      payload.RepoURL,
			Env:          payload.Env,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, renderBot(created))
	case http.MethodGet:
		list, err := r.bots.List(req.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(list))
		for _, b := range list {
			out = append(out, renderBot(b))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBotSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/bots/")
	parts := strings.Split(trimmed, "/")
	name := parts[0]
	if name == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleBot(w, req, name)
	case len(parts) == 2 && parts[1] == "env":
		r.handleBotEnv(w, req, name)
	case len(parts) == 2 && parts[1] == "deploy":
		r.handleDeploy(w, req, name)
	case len(parts) == 3 && parts[1] == "deploy" && parts[2] == "archive":
		r.handleDeployArchive(w, req, name)
	case len(parts) == 3 && parts[1] == "deploy" && parts[2] == "cancel":
		r.handleDeployCancel(w, req, name)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleDeployments(w, req, name)
	case len(parts) == 3 && parts[1] == "deployments":
		r.handleDeployment(w, req, name, parts[2])
	case len(parts) == 2 && parts[1] == "start":
		r.handleLifecycle(w, req, name, r.bots.Start)
	case len(parts) == 2 && parts[1] == "stop":
		r.handleLifecycle(w, req, name, r.bots.Stop)
	case len(parts) == 2 && parts[1] == "restart":
		r.handleLifecycle(w, req, name, r.bots.Restart)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleBotLogs(w, req, name)
	case len(parts) == 2 && parts[1] == "events":
		r.handleBotEvents(w, req, name)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream":
		r.handleEventsSSE(w, req, name)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleBot(w http.ResponseWriter, req *http.Request, name string) {
	switch req.Method {
	case http.MethodGet:
		status, err := r.bots.Status(req.Context(), name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, renderStatus(status))
	case http.MethodDelete:
		if err := r.bots.Delete(req.Context(), name); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBotEnv(w http.ResponseWriter, req *http.Request, name string) {
	switch req.Method {
	case http.MethodPut:
		var payload map[string]string
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.bots.SetEnvVars(req.Context(), name, payload); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	case http.MethodGet:
		keys, err := r.bots.EnvKeys(req.Context(), name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Ref string `json:"ref"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&payload)
	}
	dep, err := r.deploy.Deploy(req.Context(), name, payload.Ref)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderDeployment(dep))
}

func (r *Router) handleDeployArchive(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	defer req.Body.Close()
	dep, err := r.deploy.DeployFromArchive(req.Context(), name, req.Body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderDeployment(dep))
}

func (r *Router) handleDeployCancel(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.deploy.Cancel(name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	list, err := r.deployments.ListDeployments(req.Context(), name, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, dep := range list {
		out = append(out, renderDeployment(dep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request, name, rawID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	dep, err := r.deployments.GetDeployment(req.Context(), name, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderDeployment(dep))
}

func (r *Router) handleLifecycle(w http.ResponseWriter, req *http.Request, name string, action func(context.Context, string) error) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := action(req.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}
	status, err := r.bots.Status(req.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderStatus(status))
}

func (r *Router) handleBotLogs(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	lines, _ := strconv.Atoi(req.URL.Query().Get("lines"))
	entries, err := r.logs.Tail(req.Context(), name, lines)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, renderLogLine(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleBotEvents(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	entries, err := r.logs.Events(req.Context(), name, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, renderEvent(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLogsWS streams live container output over a websocket.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("bot")
	if name == "" {
		writeError(w, http.StatusBadRequest, "bot query parameter required")
		return
	}
	// The request context dies when this handler returns, so the follow
	// stream gets its own context cancelled by the read loop.
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.logs.Follow(ctx, name)
	if err != nil {
		cancel()
		writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		cancel()
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() {
			cancel()
			client.Close()
		}()
		for line := range stream {
			payload, err := json.Marshal(renderLogLine(line))
			if err != nil {
				continue
			}
			if err := client.Send(payload); err != nil {
				return
			}
		}
	}()
}

// handleEventsWS subscribes a websocket to the bot's event hub, which
// carries deployment progress and build output.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("bot")
	if name == "" {
		writeError(w, http.StatusBadRequest, "bot query parameter required")
		return
	}
	if _, err := r.bots.Get(req.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(name, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(name, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleEventsSSE serves the event hub as a Server-Sent Events stream
// for clients that cannot hold a websocket.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.bots.Get(req.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.logs.Hub().Register(name, client)
	defer func() {
		r.logs.Hub().Unregister(name, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	checks := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"database", r.dbHealth},
		{"docker", r.engine},
	}
	for _, check := range checks {
		if check.probe == nil {
			continue
		}
		if err := check.probe(ctx); err != nil {
			status = "degraded"
			components[check.name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components[check.name] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func renderBot(b domain.Bot) map[string]any {
	return map[string]any{
		"name":          b.Name,
		"runtime":       string(b.Runtime),
		"start_command": b.StartCommand,
		"repo_url":      b.RepoURL,
		"created_at":    b.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func renderStatus(st bot.Status) map[string]any {
	out := renderBot(st.Bot)
	out["state"] = string(st.State)
	out["image"] = st.ActiveImageTag
	if st.LastDeployment != nil {
		out["last_deployment"] = renderDeployment(*st.LastDeployment)
	}
	return out
}

func renderDeployment(dep domain.Deployment) map[string]any {
	out := map[string]any{
		"id":         dep.ID,
		"bot":        dep.BotName,
		"source_ref": dep.SourceRef,
		"image_tag":  dep.ImageTag,
		"status":     dep.Status,
		"message":    dep.Message,
		"started_at": dep.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if dep.LogExcerpt != "" {
		out["log_excerpt"] = dep.LogExcerpt
	}
	if dep.FinishedAt != nil {
		out["finished_at"] = dep.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func renderLogLine(line runtime.LogLine) map[string]any {
	return map[string]any{
		"timestamp": line.Timestamp.UTC().Format(time.RFC3339Nano),
		"stream":    line.Stream,
		"message":   line.Text,
	}
}

func renderEvent(entry domain.BotLog) map[string]any {
	return map[string]any{
		"id":            entry.ID,
		"bot":           entry.BotName,
		"deployment_id": entry.DeploymentID,
		"level":         entry.Level,
		"message":       entry.Message,
		"created_at":    entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses bot names out of paths to bound metric cardinality.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, "/bots/") {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/bots/")
	parts := strings.Split(trimmed, "/")
	if parts[0] == "" {
		return path
	}
	parts[0] = "{name}"
	return "/bots/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
