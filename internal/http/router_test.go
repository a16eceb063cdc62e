package httpx

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrrifat/multibot/internal/container"
	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/image"
	"github.com/mrrifat/multibot/internal/repository"
	"github.com/mrrifat/multibot/internal/runtime"
	"github.com/mrrifat/multibot/internal/service/auth"
	"github.com/mrrifat/multibot/internal/service/bot"
	"github.com/mrrifat/multibot/internal/service/deploy"
	"github.com/mrrifat/multibot/internal/service/logs"
	"github.com/mrrifat/multibot/internal/source"
	"github.com/mrrifat/multibot/internal/ws"
)

type memStore struct {
	mu          sync.Mutex
	bots        map[string]domain.Bot
	env         map[string][]domain.BotEnvVar
	deployments map[string][]domain.Deployment
	events      []domain.BotLog
	users       map[string]domain.User
}

func newMemStore() *memStore {
	return &memStore{
		bots:        map[string]domain.Bot{},
		env:         map[string][]domain.BotEnvVar{},
		deployments: map[string][]domain.Deployment{},
		users:       map[string]domain.User{},
	}
}

func (m *memStore) CreateBot(_ context.Context, b domain.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[b.Name]; ok {
		return repository.ErrDuplicate
	}
	m.bots[b.Name] = b
	return nil
}

func (m *memStore) GetBot(_ context.Context, name string) (domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[name]
	if !ok {
		return domain.Bot{}, repository.ErrNotFound
	}
	return b, nil
}

func (m *memStore) ListBots(_ context.Context) ([]domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) UpdateBot(_ context.Context, b domain.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[b.Name]; !ok {
		return repository.ErrNotFound
	}
	m.bots[b.Name] = b
	return nil
}

func (m *memStore) DeleteBot(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[name]; !ok {
		return repository.ErrNotFound
	}
	delete(m.bots, name)
	delete(m.env, name)
	delete(m.deployments, name)
	return nil
}

func (m *memStore) ReplaceEnvVars(_ context.Context, botName string, vars []domain.BotEnvVar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env[botName] = vars
	return nil
}

func (m *memStore) ListEnvVars(_ context.Context, botName string) ([]domain.BotEnvVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env[botName], nil
}

func (m *memStore) CreateDeployment(_ context.Context, dep *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep.ID = int64(len(m.deployments[dep.BotName])) + 1
	m.deployments[dep.BotName] = append(m.deployments[dep.BotName], *dep)
	return nil
}

func (m *memStore) UpdateDeployment(_ context.Context, dep domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.deployments[dep.BotName]
	for i := range list {
		if list[i].ID == dep.ID {
			list[i] = dep
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memStore) GetDeployment(_ context.Context, botName string, id int64) (domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deployments[botName] {
		if dep.ID == id {
			return dep, nil
		}
	}
	return domain.Deployment{}, repository.ErrNotFound
}

func (m *memStore) ListDeployments(_ context.Context, botName string, limit int) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.deployments[botName]
	out := make([]domain.Deployment, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *memStore) LatestSucceededDeployment(_ context.Context, botName string) (domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.deployments[botName]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == domain.DeployStatusSucceeded {
			return list[i], nil
		}
	}
	return domain.Deployment{}, repository.ErrNotFound
}

func (m *memStore) AppendLog(_ context.Context, entry domain.BotLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, entry)
	return nil
}

func (m *memStore) ListLogs(_ context.Context, botName string, limit int) ([]domain.BotLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BotLog, 0, limit)
	for _, entry := range m.events {
		if entry.BotName == botName {
			out = append(out, entry)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) CreateUser(_ context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Email]; ok {
		return repository.ErrDuplicate
	}
	m.users[user.Email] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[email]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (m *memStore) Healthy(context.Context) error { return nil }

type fakeContainer struct {
	id    string
	spec  runtime.ContainerSpec
	state runtime.State
}

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	nextID     int
	pingErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*fakeContainer{}, images: map[string]bool{}}
}

func (e *fakeEngine) Ping(context.Context) error { return e.pingErr }

func (e *fakeEngine) BuildImage(_ context.Context, _, tag string, out io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(out, "Step 1/3 : FROM python:3.11-slim\n")
	e.images[tag] = true
	return nil
}

func (e *fakeEngine) RemoveImage(_ context.Context, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.images, tag)
	return nil
}

func (e *fakeEngine) CreateAndStart(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[spec.Name]; ok {
		return "", errors.New("name in use")
	}
	e.nextID++
	c := &fakeContainer{id: fmt.Sprintf("ctr-%d", e.nextID), spec: spec, state: runtime.StateRunning}
	e.containers[spec.Name] = c
	return c.id, nil
}

func (e *fakeEngine) StartContainer(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return errors.New("no such container")
	}
	c.state = runtime.StateRunning
	return nil
}

func (e *fakeEngine) StopContainer(_ context.Context, name string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[name]; ok {
		c.state = runtime.StateStopped
	}
	return nil
}

func (e *fakeEngine) RemoveContainer(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, name)
	return nil
}

func (e *fakeEngine) InspectByName(_ context.Context, name string) (runtime.ContainerStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return runtime.ContainerStatus{Name: name, State: runtime.StateAbsent}, nil
	}
	return runtime.ContainerStatus{
		ID:     c.id,
		Name:   name,
		Image:  c.spec.Image,
		State:  c.state,
		Labels: c.spec.Labels,
	}, nil
}

func (e *fakeEngine) TailLogs(_ context.Context, name string, _ int) ([]runtime.LogLine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return nil, fmt.Errorf("%w: container %s", repository.ErrNotFound, name)
	}
	return []runtime.LogLine{{Timestamp: time.Now(), Stream: "stdout", Text: "bot online"}}, nil
}

func (e *fakeEngine) FollowLogs(context.Context, string) (<-chan runtime.LogLine, error) {
	ch := make(chan runtime.LogLine)
	close(ch)
	return ch, nil
}

type harness struct {
	router *Router
	deploy *deploy.Service
	engine *fakeEngine
	store  *memStore
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	engine := newFakeEngine()

	workspaces, err := source.NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("workspaces: %v", err)
	}
	hub := ws.NewHub()
	logSvc := logs.New(store, engine, hub, logger, 200)
	controller := container.NewController(engine, logger, time.Second)
	botSvc := bot.New(store, store, controller, workspaces, engine, logSvc, logger, "test-secret-key")
	builder := image.NewBuilder(engine, logger)
	deploySvc := deploy.New(store, store, workspaces, builder, controller, engine, botSvc, logSvc, hub, logger, deploy.Config{})
	authSvc := auth.New(store, logger, "jwt-test-secret", time.Hour)

	ctx := context.Background()
	if err := authSvc.EnsureAdmin(ctx, "admin@example.com", "admin"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	token, err := authSvc.Login(ctx, "admin@example.com", "admin")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	router := NewRouter(logger, authSvc, botSvc, deploySvc, logSvc, store, nil, store.Healthy, engine.Ping)
	t.Cleanup(router.Close)
	return &harness{router: router, deploy: deploySvc, engine: engine, store: store, token: token}
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+h.token)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) registerBot(t *testing.T, name string) {
	t.Helper()
	payload := fmt.Sprintf(`{"name":%q,"runtime":"python","start_command":"python bot.py","repo_url":"https://example.com/bot.git"}`, name)
	rr := h.do(t, http.MethodPost, "/bots", strings.NewReader(payload))
	if rr.Code != http.StatusCreated {
		t.Fatalf("register bot: status %d body %s", rr.Code, rr.Body.String())
	}
}

func zipWith(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return &buf
}

func TestHealthzReportsComponents(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("expected ok, got %q", payload.Status)
	}
	if payload.Components["database"]["status"] != "up" || payload.Components["docker"]["status"] != "up" {
		t.Fatalf("unexpected components: %v", payload.Components)
	}
}

func TestHealthzDegradedWhenEngineDown(t *testing.T) {
	h := newHarness(t)
	h.engine.pingErr = errors.New("socket gone")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "degraded") {
		t.Fatalf("expected degraded payload, got %s", rr.Body.String())
	}
}

func TestLoginIssuesToken(t *testing.T) {
	h := newHarness(t)
	body := strings.NewReader(`{"email":"admin@example.com","password":"admin"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rr.Code, rr.Body.String())
	}
	var payload map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["access_token"] == "" || payload["token_type"] != "bearer" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "12" {
		t.Fatalf("unexpected rate limit header: %q", got)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	h := newHarness(t)
	body := strings.NewReader(`{"email":"admin@example.com","password":"nope"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestBotRoutesRequireAuth(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/bots", nil)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRegisterListAndStatus(t *testing.T) {
	h := newHarness(t)
	h.registerBot(t, "weather")

	rr := h.do(t, http.MethodGet, "/bots", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d", rr.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["name"] != "weather" {
		t.Fatalf("unexpected list: %v", list)
	}

	rr = h.do(t, http.MethodGet, "/bots/weather", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body %s", rr.Code, rr.Body.String())
	}
	var status map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["state"] != string(runtime.StateAbsent) {
		t.Fatalf("expected absent state, got %v", status["state"])
	}
}

func TestUnknownBotIsNotFound(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/bots/ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rr.Code, rr.Body.String())
	}
}

func TestInvalidBotNameRejected(t *testing.T) {
	h := newHarness(t)
	payload := `{"name":"Bad Name!","runtime":"python","start_command":"python bot.py"}`
	rr := h.do(t, http.MethodPost, "/bots", strings.NewReader(payload))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rr.Code, rr.Body.String())
	}
}

func TestEnvRoundTripExposesKeysOnly(t *testing.T) {
	h := newHarness(t)
	h.registerBot(t, "weather")

	rr := h.do(t, http.MethodPut, "/bots/weather/env", strings.NewReader(`{"TOKEN":"s3cret","MODE":"prod"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("put env: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/bots/weather/env", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get env: status %d", rr.Code)
	}
	body := rr.Body.String()
	if strings.Contains(body, "s3cret") {
		t.Fatalf("env values must not be exposed")
	}
	var payload struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Keys) != 2 || payload.Keys[0] != "MODE" || payload.Keys[1] != "TOKEN" {
		t.Fatalf("unexpected keys: %v", payload.Keys)
	}
}

func TestDeployWithoutRepoURLRejected(t *testing.T) {
	h := newHarness(t)
	payload := `{"name":"local-only","runtime":"python","start_command":"python bot.py"}`
	if rr := h.do(t, http.MethodPost, "/bots", strings.NewReader(payload)); rr.Code != http.StatusCreated {
		t.Fatalf("register: status %d", rr.Code)
	}
	rr := h.do(t, http.MethodPost, "/bots/local-only/deploy", strings.NewReader(`{}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rr.Code, rr.Body.String())
	}
}

func TestArchiveDeployFlow(t *testing.T) {
	h := newHarness(t)
	h.registerBot(t, "weather")

	archive := zipWith(t, map[string]string{"bot.py": "print('hi')\n"})
	rr := h.do(t, http.MethodPost, "/bots/weather/deploy/archive", archive)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("archive deploy: status %d body %s", rr.Code, rr.Body.String())
	}
	h.deploy.Wait()

	rr = h.do(t, http.MethodGet, "/bots/weather/deployments", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deployments: status %d", rr.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one deployment, got %d", len(list))
	}
	if list[0]["status"] != domain.DeployStatusSucceeded {
		t.Fatalf("expected succeeded, got %v", list[0]["status"])
	}
	if list[0]["image_tag"] != "bot_weather:1" {
		t.Fatalf("unexpected image tag: %v", list[0]["image_tag"])
	}

	rr = h.do(t, http.MethodGet, "/bots/weather", nil)
	var status map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["state"] != string(runtime.StateRunning) {
		t.Fatalf("expected running after deploy, got %v", status["state"])
	}

	rr = h.do(t, http.MethodGet, "/bots/weather/deployments/1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get deployment: status %d", rr.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	h.registerBot(t, "weather")
	archive := zipWith(t, map[string]string{"bot.py": "print('hi')\n"})
	if rr := h.do(t, http.MethodPost, "/bots/weather/deploy/archive", archive); rr.Code != http.StatusAccepted {
		t.Fatalf("archive deploy: status %d", rr.Code)
	}
	h.deploy.Wait()

	rr := h.do(t, http.MethodPost, "/bots/weather/stop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: status %d body %s", rr.Code, rr.Body.String())
	}
	var status map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["state"] != string(runtime.StateStopped) {
		t.Fatalf("expected stopped, got %v", status["state"])
	}

	rr = h.do(t, http.MethodPost, "/bots/weather/start", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: status %d", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/bots/weather/logs?lines=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logs: status %d body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "bot online") {
		t.Fatalf("expected tailed output, got %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/bots/weather/events", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events: status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "deployment queued") {
		t.Fatalf("expected timeline entries, got %s", rr.Body.String())
	}
}

func TestCancelWithoutActiveDeployment(t *testing.T) {
	h := newHarness(t)
	h.registerBot(t, "weather")
	rr := h.do(t, http.MethodPost, "/bots/weather/deploy/cancel", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDeleteBotRemovesIt(t *testing.T) {
	h := newHarness(t)
	h.registerBot(t, "weather")
	rr := h.do(t, http.MethodDelete, "/bots/weather", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %s", rr.Code, rr.Body.String())
	}
	rr = h.do(t, http.MethodGet, "/bots/weather", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestRouteLabelCollapsesBotNames(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/bots", "/bots"},
		{"/bots/", "/bots/"},
		{"/bots/weather", "/bots/{name}"},
		{"/bots/weather/deploy", "/bots/{name}/deploy"},
		{"/bots/weather/logs", "/bots/{name}/logs"},
		{"/bots/a/deploy/archive", "/bots/{name}/deploy/archive"},
		{"/bots/b/events/stream", "/bots/{name}/events/stream"},
		{"/bots/c/deployments/12", "/bots/{name}/deployments/12"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Fatalf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
